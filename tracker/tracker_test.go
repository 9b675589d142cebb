// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"go.chromium.org/luci/common/clock/testclock"

	"go.chromium.org/infra/build/depscan/intern"
	"go.chromium.org/infra/build/depscan/store"
)

// setupStore interns paths in a new store in dbDir.
func setupStore(ctx context.Context, t *testing.T, dbDir string, paths ...string) []store.FileID {
	t.Helper()
	db, err := store.Open(ctx, dbDir, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ps, err := intern.NewPathStore(dbDir)
	if err != nil {
		t.Fatal(err)
	}
	var ids []store.FileID
	err = db.Update(ctx, func(txn *store.Txn) error {
		err := ps.Load(ctx, txn)
		if err != nil {
			return err
		}
		for _, p := range paths {
			id, err := ps.Intern(p)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return ps.Commit(ctx, txn)
	})
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func fileRecord(ctx context.Context, t *testing.T, dbDir string, id store.FileID) (store.FileRecord, bool) {
	t.Helper()
	db, err := store.Open(ctx, dbDir, store.Options{LockTimeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var rec store.FileRecord
	var ok bool
	err = db.View(ctx, func(txn *store.Txn) error {
		var err error
		rec, ok, err = txn.File(id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return rec, ok
}

func TestFlush(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx, _ := testclock.UseTime(context.Background(), now)
	dir := t.TempDir()
	dbDir := filepath.Join(dir, "db")
	fname := filepath.Join(dir, "a.h")
	ids := setupStore(ctx, t, dbDir, fname)

	err := os.WriteFile(fname, nil, 0644)
	if err != nil {
		t.Fatal(err)
	}
	mtime := now.Add(-time.Hour)
	err = os.Chtimes(fname, mtime, mtime)
	if err != nil {
		t.Fatal(err)
	}

	tr, err := New(dbDir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	n, err := tr.Flush(ctx, []string{fname, filepath.Join(dir, "unknown.h")})
	if err != nil || n != 1 {
		t.Fatalf("Flush=%d, %v; want 1, nil", n, err)
	}
	rec, ok := fileRecord(ctx, t, dbDir, ids[0])
	want := store.FileRecord{LastWrite: mtime.UnixNano(), LastStat: now.UnixNano()}
	if !ok {
		t.Fatalf("no file record of %s", fname)
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("file record diff -want +got:\n%s", diff)
	}

	err = os.Remove(fname)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tr.Flush(ctx, []string{fname})
	if err != nil {
		t.Fatalf("Flush=_, %v; want nil error", err)
	}
	rec, _ = fileRecord(ctx, t, dbDir, ids[0])
	if rec.LastWrite != store.Missing {
		t.Errorf("LastWrite=%d; want %d for removed file", rec.LastWrite, store.Missing)
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbDir := filepath.Join(dir, "db")
	src := filepath.Join(dir, "src")
	err := os.MkdirAll(filepath.Join(src, "sub"), 0755)
	if err != nil {
		t.Fatal(err)
	}
	fname := filepath.Join(src, "sub", "a.h")
	ids := setupStore(ctx, t, dbDir, fname)

	tr, err := New(dbDir, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	err = tr.Add(src)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error)
	go func() {
		done <- tr.Run(ctx)
	}()

	err = os.WriteFile(fname, []byte("// new"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, ok := fileRecord(ctx, t, dbDir, ids[0]); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no file record of %s after write", fname)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run=%v; want nil", err)
	}
}

func TestRunFlushesPendingOnCancel(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbDir := filepath.Join(dir, "db")
	fname := filepath.Join(dir, "x.h")
	ids := setupStore(ctx, t, dbDir, fname)
	err := os.WriteFile(fname, []byte("// x"), 0644)
	if err != nil {
		t.Fatal(err)
	}

	tr, err := New(dbDir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	events := make(chan fsnotify.Event)
	errs := make(chan error)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error)
	go func() {
		done <- tr.run(ctx, events, errs)
	}()
	// The event is received before cancel, and the debounce never fires,
	// so it is still pending when Run stops.
	events <- fsnotify.Event{Name: fname, Op: fsnotify.Write}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("run=%v; want nil", err)
	}

	rec, ok := fileRecord(context.Background(), t, dbDir, ids[0])
	if !ok {
		t.Fatalf("no file record of %s after cancel", fname)
	}
	if rec.LastWrite == store.Missing {
		t.Errorf("LastWrite=missing; want write time of %s", fname)
	}
}
