// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ood decides which scan items are out of date.
package ood

import (
	"fmt"

	"go.chromium.org/infra/build/depscan/store"
)

// State is an out-of-date classification of an item.
type State uint8

const (
	// Unknown is only used while resolving item dependencies.
	Unknown State = iota
	CommandChanged
	NewFile
	FileChanged
	DepsChanged
	ItemDepsChanged
	UpToDate
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case CommandChanged:
		return "command-changed"
	case NewFile:
		return "new-file"
	case FileChanged:
		return "file-changed"
	case DepsChanged:
		return "deps-changed"
	case ItemDepsChanged:
		return "item-deps-changed"
	case UpToDate:
		return "up-to-date"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// OutOfDate reports whether an item in state s needs a rescan.
func (s State) OutOfDate() bool {
	return s != UpToDate
}

// Item is a current scan item.
type Item struct {
	ID      store.ItemID
	CmdHash uint64
}

// Engine classifies items against their persisted records.
type Engine struct {
	Items []Item

	// Records are persisted records of Items, nil if none.
	Records []*store.ItemRecord

	// DBMax is the largest FileID persisted before this run.
	DBMax store.FileID

	// Mtimes are write times indexed by FileID.
	Mtimes []int64
}

func (e *Engine) mtime(id store.FileID) int64 {
	if int(id) >= len(e.Mtimes) {
		return store.Missing
	}
	return e.Mtimes[id]
}

// Classify returns the state of each item.
// No item is left Unknown.
func (e *Engine) Classify() []State {
	if len(e.Records) != len(e.Items) {
		panic(fmt.Sprintf("ood: %d records for %d items", len(e.Records), len(e.Items)))
	}
	states := make([]State, len(e.Items))
	unknown := false
	for i, it := range e.Items {
		states[i] = e.classify(it, e.Records[i])
		if states[i] == Unknown {
			unknown = true
		}
	}
	if unknown {
		e.resolve(states)
	}
	return states
}

func (e *Engine) classify(it Item, rec *store.ItemRecord) State {
	switch {
	case it.ID.File > e.DBMax:
		return NewFile
	case rec == nil:
		// known path, but never scanned under this target.
		return NewFile
	case e.mtime(it.ID.File) > rec.LastScan:
		return FileChanged
	case it.CmdHash != rec.CmdHash:
		return CommandChanged
	}
	for _, dep := range rec.FileDeps {
		if e.mtime(dep) > rec.LastScan {
			return DepsChanged
		}
	}
	if len(rec.ItemDeps) > 0 {
		return Unknown
	}
	return UpToDate
}

// resolve resolves Unknown items by walking item dependencies
// with an explicit stack.
//
// A node is marked UpToDate when pushed, so revisits and cycles
// terminate. When a walk finds an out-of-date node, every node on the
// stack becomes ItemDepsChanged, and nodes this walk marked UpToDate
// but already popped go back to Unknown to be walked again, since they
// may have reached the stack through a cycle. States are final when
// the walk that set them ends.
func (e *Engine) resolve(states []State) {
	index := make(map[store.ItemID]int, len(e.Items))
	for i, it := range e.Items {
		index[it.ID] = i
	}
	type frame struct {
		node int
		next int
	}
	var stack []frame
	var visited []int
	var work []int
	for i, s := range states {
		if s == Unknown {
			work = append(work, i)
		}
	}
	for len(work) > 0 {
		root := work[0]
		work = work[1:]
		if states[root] != Unknown {
			continue
		}
		states[root] = UpToDate
		stack = append(stack[:0], frame{node: root})
		visited = append(visited[:0], root)
		found := false
	walk:
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := e.Records[top.node].ItemDeps
			if top.next >= len(deps) {
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++
			j, ok := index[dep]
			if !ok {
				// not in this run; can't vouch for it.
				found = true
				break walk
			}
			switch states[j] {
			case UpToDate:
			case Unknown:
				states[j] = UpToDate
				visited = append(visited, j)
				stack = append(stack, frame{node: j})
			default:
				found = true
				break walk
			}
		}
		if !found {
			continue
		}
		for _, f := range stack {
			states[f.node] = ItemDepsChanged
		}
		for _, v := range visited {
			if states[v] == UpToDate {
				states[v] = Unknown
				work = append(work, v)
			}
		}
	}
}
