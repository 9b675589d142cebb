// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package tracker keeps file records of the store current from file
// system notifications, so scans with a running tracker don't need to
// stat files.
package tracker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"go.chromium.org/luci/common/clock"

	"go.chromium.org/infra/build/depscan/intern"
	"go.chromium.org/infra/build/depscan/ood"
	"go.chromium.org/infra/build/depscan/store"
)

// DefaultDebounce is the default quiet period before flushing changes.
const DefaultDebounce = 200 * time.Millisecond

// Tracker watches directories and updates file records of changed files.
type Tracker struct {
	dbDir    string
	debounce time.Duration
	paths    *intern.PathStore
	watcher  *fsnotify.Watcher

	// LockTimeout is how long a flush waits for the store.
	LockTimeout time.Duration
}

// New creates a tracker updating the store in dbDir.
func New(dbDir string, debounce time.Duration) (*Tracker, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	paths, err := intern.NewPathStore(wd)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Tracker{
		dbDir:       dbDir,
		debounce:    debounce,
		paths:       paths,
		watcher:     w,
		LockTimeout: 10 * time.Minute,
	}, nil
}

// Close stops watching.
func (t *Tracker) Close() error {
	return t.watcher.Close()
}

// Add watches dir and its subdirectories.
func (t *Tracker) Add(dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	n := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("walk %s: %v", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && d.Name()[0] == '.' {
			return filepath.SkipDir
		}
		err = t.watcher.Add(path)
		if err != nil {
			log.Warnf("watch %s: %v", path, err)
			return nil
		}
		n++
		return nil
	})
	log.Infof("watch %s: %d dirs", dir, n)
	return err
}

// Run processes notifications until ctx is done.
// Changes are flushed to the store after a quiet period, and pending
// changes are flushed when ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	return t.run(ctx, t.watcher.Events, t.watcher.Errors)
}

func (t *Tracker) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	pending := make(map[string]bool)
	var flushC <-chan clock.TimerResult
	flush := func(ctx context.Context) {
		flushC = nil
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		clear(pending)
		sort.Strings(paths)
		_, err := t.Flush(ctx, paths)
		if err != nil {
			log.Errorf("flush %d files: %v", len(paths), err)
		}
	}
	// final flushes what is pending on shutdown. ctx may be canceled
	// already, and the store refuses canceled contexts.
	final := func() error {
		flush(context.WithoutCancel(ctx))
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return final()
		case ev, ok := <-events:
			if !ok {
				return final()
			}
			if !t.handle(ev) {
				continue
			}
			pending[ev.Name] = true
			if flushC == nil {
				flushC = clock.After(ctx, t.debounce)
			}
		case err, ok := <-errs:
			if !ok {
				return final()
			}
			log.Warnf("watcher: %v", err)
		case res := <-flushC:
			if res.Incomplete() {
				return final()
			}
			flush(ctx)
		}
	}
}

// handle reports whether ev may change a write time.
func (t *Tracker) handle(ev fsnotify.Event) bool {
	switch {
	case ev.Has(fsnotify.Create):
		fi, err := os.Stat(ev.Name)
		if err == nil && fi.IsDir() {
			err := t.Add(ev.Name)
			if err != nil {
				log.Warnf("watch new dir %s: %v", ev.Name, err)
			}
		}
		return true
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return true
	}
	return false
}

// Flush stats paths and updates file records of paths known to the store.
// It returns the number of updated records.
func (t *Tracker) Flush(ctx context.Context, paths []string) (int, error) {
	db, err := store.Open(ctx, t.dbDir, store.Options{LockTimeout: t.LockTimeout})
	if err != nil {
		return 0, err
	}
	defer db.Close()
	n := 0
	err = db.Update(ctx, func(txn *store.Txn) error {
		err := t.paths.Load(ctx, txn)
		if err != nil {
			return err
		}
		now := clock.Now(ctx).UnixNano()
		for _, p := range paths {
			id, ok, err := t.paths.Lookup(p)
			if err != nil {
				if errors.Is(err, intern.ErrEscapesRoot) || errors.Is(err, intern.ErrHomeAbbrev) {
					continue
				}
				return err
			}
			if !ok {
				continue
			}
			err = txn.PutFile(id, store.FileRecord{
				LastWrite: ood.WriteTime(os.Stat, p),
				LastStat:  now,
			})
			if err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Debugf("flush: %d/%d known files updated", n, len(paths))
	return n, nil
}
