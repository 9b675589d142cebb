// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ood

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/infra/build/depscan/store"
)

const lastScan = 100

func item(file store.FileID) store.ItemID {
	return store.ItemID{File: file, Target: 1}
}

func TestClassify(t *testing.T) {
	// files 1..9 persisted.
	mtimes := make([]int64, 12)
	for i := range mtimes {
		mtimes[i] = 50
	}
	mtimes[3] = 200 // changed source
	mtimes[8] = 200 // changed header
	mtimes[9] = store.Missing

	e := &Engine{
		DBMax:  9,
		Mtimes: mtimes,
		Items: []Item{
			{ID: item(1), CmdHash: 1},
			{ID: item(2), CmdHash: 2},
			{ID: item(3), CmdHash: 1},
			{ID: item(4), CmdHash: 1},
			{ID: item(5), CmdHash: 1},
			{ID: item(6), CmdHash: 1},
			{ID: item(10), CmdHash: 1},
			{ID: item(7), CmdHash: 1},
		},
		Records: []*store.ItemRecord{
			{CmdHash: 1, LastScan: lastScan, FileDeps: []store.FileID{7}},
			{CmdHash: 1, LastScan: lastScan},
			{CmdHash: 1, LastScan: lastScan},
			{CmdHash: 1, LastScan: lastScan, FileDeps: []store.FileID{7, 8}},
			{CmdHash: 1, LastScan: lastScan, FileDeps: []store.FileID{9}},
			{CmdHash: 1, LastScan: lastScan, ItemDeps: []store.ItemID{item(1)}},
			nil,
			nil,
		},
	}
	got := e.Classify()
	want := []State{
		UpToDate,
		CommandChanged,
		FileChanged,
		DepsChanged,
		DepsChanged,
		UpToDate,
		NewFile,
		NewFile,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Classify() diff -want +got:\n%s", diff)
	}
}

func TestClassifyFileChangedBeforeCommand(t *testing.T) {
	e := &Engine{
		DBMax:  1,
		Mtimes: []int64{0, 200},
		Items:  []Item{{ID: item(1), CmdHash: 2}},
		Records: []*store.ItemRecord{
			{CmdHash: 1, LastScan: lastScan},
		},
	}
	if diff := cmp.Diff([]State{FileChanged}, e.Classify()); diff != "" {
		t.Errorf("Classify() diff -want +got:\n%s", diff)
	}
}

// newChain builds an engine where item i has item deps deps[i].
// Items listed in changed have a changed source file.
func newChain(deps [][]int, changed ...int) *Engine {
	n := len(deps)
	e := &Engine{
		DBMax:  store.FileID(n),
		Mtimes: make([]int64, n+1),
	}
	for i := range e.Mtimes {
		e.Mtimes[i] = 50
	}
	for _, c := range changed {
		e.Mtimes[c+1] = 200
	}
	for i := 0; i < n; i++ {
		rec := &store.ItemRecord{CmdHash: 1, LastScan: lastScan}
		for _, d := range deps[i] {
			rec.ItemDeps = append(rec.ItemDeps, item(store.FileID(d+1)))
		}
		e.Items = append(e.Items, Item{ID: item(store.FileID(i + 1)), CmdHash: 1})
		e.Records = append(e.Records, rec)
	}
	return e
}

func TestItemDeps(t *testing.T) {
	for _, tc := range []struct {
		name    string
		deps    [][]int
		changed []int
		want    []State
	}{
		{
			name:    "direct",
			deps:    [][]int{{1}, nil},
			changed: []int{1},
			want:    []State{ItemDepsChanged, FileChanged},
		},
		{
			name: "direct_up_to_date",
			deps: [][]int{{1}, nil},
			want: []State{UpToDate, UpToDate},
		},
		{
			name:    "chain",
			deps:    [][]int{{1}, {2}, {3}, nil},
			changed: []int{3},
			want:    []State{ItemDepsChanged, ItemDepsChanged, ItemDepsChanged, FileChanged},
		},
		{
			name:    "chain_reverse_order",
			deps:    [][]int{nil, {0}, {1}, {2}},
			changed: []int{0},
			want:    []State{FileChanged, ItemDepsChanged, ItemDepsChanged, ItemDepsChanged},
		},
		{
			name:    "cycle",
			deps:    [][]int{{1}, {0, 2}, nil},
			changed: []int{2},
			want:    []State{ItemDepsChanged, ItemDepsChanged, FileChanged},
		},
		{
			name: "cycle_up_to_date",
			deps: [][]int{{1}, {2}, {0}},
			want: []State{UpToDate, UpToDate, UpToDate},
		},
		{
			// 1 is popped before 0 finds 2 changed, but 1 depends on 0.
			name:    "cycle_popped_before_change",
			deps:    [][]int{{1, 2}, {0}, nil},
			changed: []int{2},
			want:    []State{ItemDepsChanged, ItemDepsChanged, FileChanged},
		},
		{
			name:    "sibling_stays_up_to_date",
			deps:    [][]int{{1, 2}, {3}, nil, nil},
			changed: []int{2},
			want:    []State{ItemDepsChanged, UpToDate, FileChanged, UpToDate},
		},
		{
			name:    "self_cycle",
			deps:    [][]int{{0, 1}, nil},
			changed: []int{1},
			want:    []State{ItemDepsChanged, FileChanged},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newChain(tc.deps, tc.changed...)
			got := e.Classify()
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Classify() diff -want +got:\n%s", diff)
			}
		})
	}
}

func TestItemDepNotInRun(t *testing.T) {
	e := newChain([][]int{nil})
	e.Records[0].ItemDeps = []store.ItemID{item(42)}
	if diff := cmp.Diff([]State{ItemDepsChanged}, e.Classify()); diff != "" {
		t.Errorf("Classify() diff -want +got:\n%s", diff)
	}
}

func TestLongChain(t *testing.T) {
	const n = 100000
	deps := make([][]int, n)
	for i := 0; i < n-1; i++ {
		deps[i] = []int{i + 1}
	}
	e := newChain(deps, n-1)
	got := e.Classify()
	for i := 0; i < n-1; i++ {
		if got[i] != ItemDepsChanged {
			t.Fatalf("Classify()[%d]=%v; want %v", i, got[i], ItemDepsChanged)
		}
	}
}
