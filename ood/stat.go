// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ood

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/infra/build/depscan/runtimex"
	"go.chromium.org/infra/build/depscan/store"
)

// File is a file whose write time is needed.
type File struct {
	ID store.FileID

	// Record is the persisted record, valid if Known.
	Record store.FileRecord
	Known  bool
}

// Prober gets write times of files, reusing persisted ones
// observed earlier in the same build.
type Prober struct {
	// Path returns the path of a file.
	Path func(store.FileID) string

	// Stat stats a file. nil means os.Stat.
	Stat func(string) (fs.FileInfo, error)

	// BuildStart is the start time of the build in unix nanoseconds.
	// Write times stat'd after it are reused.
	BuildStart int64

	// TrackerRunning trusts every persisted write time, since
	// a file tracker keeps them current.
	TrackerRunning bool

	// Concurrency is the number of concurrent stats.
	// 0 means runtimex.NumCPU().
	Concurrency int
}

func (p *Prober) reuse(f File) bool {
	if !f.Known {
		return false
	}
	return p.TrackerRunning || f.Record.LastStat > p.BuildStart
}

// Probe returns write times indexed by FileID for n ids, and the files
// it stat'd. Unlisted ids and files that can't be stat'd get
// store.Missing.
func (p *Prober) Probe(ctx context.Context, n int, files []File) ([]int64, []store.FileID, error) {
	mtimes := make([]int64, n)
	for i := range mtimes {
		mtimes[i] = store.Missing
	}
	stat := p.Stat
	if stat == nil {
		stat = os.Stat
	}
	limit := p.Concurrency
	if limit <= 0 {
		limit = runtimex.NumCPU()
	}
	var stated []store.FileID
	seen := make([]bool, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, f := range files {
		if f.ID == 0 || int(f.ID) >= n || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		if p.reuse(f) {
			mtimes[f.ID] = f.Record.LastWrite
			continue
		}
		stated = append(stated, f.ID)
		id := f.ID
		fname := p.Path(id)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			// each goroutine owns its slot.
			mtimes[id] = WriteTime(stat, fname)
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return nil, nil, err
	}
	log.Debugf("probe: %d files, %d stat'd", len(files), len(stated))
	return mtimes, stated, nil
}

// WriteTime returns the write time of fname in unix nanoseconds,
// or store.Missing if it can't be stat'd.
func WriteTime(stat func(string) (fs.FileInfo, error), fname string) int64 {
	fi, err := stat(fname)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("stat %s: %v", fname, err)
		}
		return store.Missing
	}
	return fi.ModTime().UnixNano()
}
