// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package track provides track subcommand.
package track

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"

	"go.chromium.org/infra/build/depscan/tracker"
)

const usage = `keep file records current while files change

 $ depscan track -db <dir> <source dir>...

Runs until interrupted. Scans with -file_tracker trust the file
records it keeps, instead of stat'ing files.
`

// Cmd returns the Command for the `track` subcommand provided by this package.
func Cmd() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "track <args>... <dir>...",
		ShortDesc: "run file tracker",
		LongDesc:  usage,
		Advanced:  true,
		CommandRun: func() subcommands.CommandRun {
			c := &run{}
			c.init()
			return c
		},
	}
}

type run struct {
	subcommands.CommandRunBase

	dbDir    string
	debounce time.Duration
}

func (c *run) init() {
	c.Flags.StringVar(&c.dbDir, "db", "", "store directory. default $DEPSCAN_DB_DIR")
	c.Flags.DurationVar(&c.debounce, "debounce", tracker.DefaultDebounce, "quiet period before flushing changes to the store")
}

func (c *run) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	if c.dbDir == "" {
		c.dbDir = env["DEPSCAN_DB_DIR"].Value
	}
	err := c.run(ctx, args)
	if err != nil {
		switch {
		case errors.Is(err, flag.ErrHelp):
			fmt.Fprintf(os.Stderr, "%v\n%s\n", err, usage)
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func (c *run) run(ctx context.Context, dirs []string) error {
	if c.dbDir == "" {
		return fmt.Errorf("no -db: %w", flag.ErrHelp)
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no dirs to track: %w", flag.ErrHelp)
	}
	t, err := tracker.New(c.dbDir, c.debounce)
	if err != nil {
		return err
	}
	defer func() {
		err := t.Close()
		if err != nil {
			log.Warnf("close tracker: %v", err)
		}
	}()
	for _, dir := range dirs {
		err := t.Add(dir)
		if err != nil {
			return err
		}
	}
	log.Infof("tracking %q for %s", dirs, c.dbDir)
	return t.Run(ctx)
}
