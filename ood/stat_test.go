// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ood

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/infra/build/depscan/store"
)

func TestProbe(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	paths := map[store.FileID]string{
		1: filepath.Join(dir, "a.h"),
		2: filepath.Join(dir, "b.h"),
		3: filepath.Join(dir, "missing.h"),
		4: filepath.Join(dir, "c.h"),
	}
	for _, id := range []store.FileID{1, 2, 4} {
		err := os.WriteFile(paths[id], nil, 0644)
		if err != nil {
			t.Fatal(err)
		}
		err = os.Chtimes(paths[id], mtime, mtime)
		if err != nil {
			t.Fatal(err)
		}
	}
	buildStart := mtime.Add(time.Hour).UnixNano()
	files := []File{
		{ID: 1},
		// stat'd in this build; reuse.
		{ID: 2, Known: true, Record: store.FileRecord{LastWrite: 7, LastStat: buildStart + 1}},
		{ID: 3},
		// stat'd in an earlier build.
		{ID: 4, Known: true, Record: store.FileRecord{LastWrite: 7, LastStat: buildStart - 1}},
		{ID: 1},
	}
	p := &Prober{
		Path:       func(id store.FileID) string { return paths[id] },
		BuildStart: buildStart,
	}
	mtimes, stated, err := p.Probe(ctx, 6, files)
	if err != nil {
		t.Fatalf("Probe=_, _, %v; want nil error", err)
	}
	want := []int64{store.Missing, mtime.UnixNano(), 7, store.Missing, mtime.UnixNano(), store.Missing}
	if diff := cmp.Diff(want, mtimes); diff != "" {
		t.Errorf("Probe mtimes diff -want +got:\n%s", diff)
	}
	sort.Slice(stated, func(i, j int) bool { return stated[i] < stated[j] })
	if diff := cmp.Diff([]store.FileID{1, 3, 4}, stated); diff != "" {
		t.Errorf("Probe stated diff -want +got:\n%s", diff)
	}
}

func TestProbeTrackerRunning(t *testing.T) {
	ctx := context.Background()
	p := &Prober{
		Path: func(id store.FileID) string {
			t.Errorf("Path(%d) called; want no stat", id)
			return ""
		},
		TrackerRunning: true,
	}
	mtimes, stated, err := p.Probe(ctx, 2, []File{
		{ID: 1, Known: true, Record: store.FileRecord{LastWrite: 5, LastStat: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{store.Missing, 5}, mtimes); diff != "" {
		t.Errorf("Probe mtimes diff -want +got:\n%s", diff)
	}
	if len(stated) != 0 {
		t.Errorf("Probe stated=%v; want none", stated)
	}
}
