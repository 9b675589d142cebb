// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scandepsutil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// ExitError is returned when the scanner exits with non-zero code.
type ExitError struct {
	ExitCode int

	// LastItem is the entry whose results were open when the
	// scanner exited, or -1.
	LastItem int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("scanner exit=%d", e.ExitCode)
}

// Run runs the scanner at toolPath on the compilation database compdb
// and passes its output to h.
// stderr of the scanner is logged as warnings.
// Results h received stay valid if Run returns *ExitError.
func Run(ctx context.Context, toolPath, compdb string, files []string, h Handler) error {
	started := time.Now()
	cmd := exec.CommandContext(ctx, toolPath, "--compilation-database="+compdb)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	log.Debugf("run %q", cmd.Args)
	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("start %s: %w", toolPath, err)
	}
	var g errgroup.Group
	last := -1
	g.Go(func() error {
		var err error
		last, err = Parse(stdout, files, h)
		if err != nil {
			// keep the scanner from blocking on a full pipe.
			_, _ = io.Copy(io.Discard, stdout)
		}
		return err
	})
	g.Go(func() error {
		s := bufio.NewScanner(stderr)
		s.Buffer(make([]byte, 0, 4096), maxLineSize)
		for s.Scan() {
			log.Warnf("%s: %s", toolPath, s.Text())
		}
		return s.Err()
	})
	perr := g.Wait()
	err = cmd.Wait()
	log.Infof("scanner %d entries: %s", len(files), time.Since(started))
	if err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) && ctx.Err() == nil {
			return &ExitError{ExitCode: eerr.ExitCode(), LastItem: last}
		}
		return fmt.Errorf("run %s: %w", toolPath, err)
	}
	if perr != nil {
		return fmt.Errorf("read %s output: %w", toolPath, perr)
	}
	return nil
}
