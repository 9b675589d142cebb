// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package intern assigns stable small ids to paths and names.
//
// Known entries are loaded from the store once per run into one text arena
// indexed by id. New entries get ids after the persisted maximum and are
// appended to the store by Commit. Ids are never reused or removed.
package intern

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"go.chromium.org/infra/build/depscan/store"
)

// ErrConflict is returned when the persisted table was extended
// by another writer while this table had uncommitted entries.
var ErrConflict = errors.New("interning table changed concurrently")

type span struct {
	off, len uint32
}

// table is an append-only text interning table backed by a store bucket.
type table struct {
	bucket string
	arena  []byte
	spans  []span // indexed by id. spans[0] is invalid.
	ids    map[string]uint32
	dbMax  uint32
}

func newTable(bucket string) table {
	return table{
		bucket: bucket,
		spans:  make([]span, 1),
		ids:    make(map[string]uint32),
	}
}

func (t *table) text(id uint32) string {
	if id == 0 || int(id) >= len(t.spans) {
		return ""
	}
	s := t.spans[id]
	return string(t.arena[s.off : s.off+s.len])
}

// lookup returns the id of text. text may be a scratch buffer.
func (t *table) lookup(text []byte) (uint32, bool) {
	id, ok := t.ids[string(text)]
	return id, ok
}

// add returns the id of text, assigning a new one if needed.
// text may be a scratch buffer; it is copied into the arena on a miss.
func (t *table) add(text []byte) uint32 {
	if id, ok := t.ids[string(text)]; ok {
		return id
	}
	return t.appendEntry(text)
}

func (t *table) appendEntry(text []byte) uint32 {
	id := uint32(len(t.spans))
	off := uint32(len(t.arena))
	t.arena = append(t.arena, text...)
	t.spans = append(t.spans, span{off: off, len: uint32(len(text))})
	t.ids[string(text)] = id
	return id
}

func (t *table) pending() int {
	return len(t.spans) - 1 - int(t.dbMax)
}

// load reads persisted entries not loaded yet.
func (t *table) load(ctx context.Context, txn *store.Txn) error {
	if n := t.pending(); n > 0 {
		return fmt.Errorf("%s: load with %d uncommitted entries", t.bucket, n)
	}
	names, err := txn.Names(t.bucket)
	if err != nil {
		return err
	}
	before := t.dbMax
	err = names.ForEachAfter(t.dbMax, func(id uint32, text []byte) error {
		if want := uint32(len(t.spans)); id != want {
			return fmt.Errorf("%s: id %d, want %d", t.bucket, id, want)
		}
		if old, ok := t.ids[string(text)]; ok {
			return fmt.Errorf("%s: %q has ids %d and %d", t.bucket, text, old, id)
		}
		t.appendEntry(text)
		t.dbMax = id
		return nil
	})
	if err != nil {
		return err
	}
	if t.dbMax != before {
		log.Debugf("%s: loaded %d entries, max=%d", t.bucket, t.dbMax-before, t.dbMax)
	}
	return nil
}

// commit writes entries added since the last load or commit.
func (t *table) commit(ctx context.Context, txn *store.Txn) error {
	if t.pending() == 0 {
		return nil
	}
	names, err := txn.Names(t.bucket)
	if err != nil {
		return err
	}
	max, err := names.Max()
	if err != nil {
		return err
	}
	if max != t.dbMax {
		return fmt.Errorf("%s: persisted max %d, loaded %d: %w", t.bucket, max, t.dbMax, ErrConflict)
	}
	for id := t.dbMax + 1; int(id) < len(t.spans); id++ {
		err := names.Put(id, t.text(id))
		if err != nil {
			return fmt.Errorf("%s: put %d: %w", t.bucket, id, err)
		}
	}
	log.Debugf("%s: committed %d entries", t.bucket, t.pending())
	t.dbMax = uint32(len(t.spans) - 1)
	return nil
}

// NameTable interns names such as target names and module names.
type NameTable[T ~uint32] struct {
	t table
}

// NewNameTable returns an empty table backed by bucket.
func NewNameTable[T ~uint32](bucket string) *NameTable[T] {
	return &NameTable[T]{t: newTable(bucket)}
}

// Intern returns the id of name, assigning a new id on first sight.
func (n *NameTable[T]) Intern(name string) T {
	return T(n.t.add([]byte(name)))
}

// Lookup returns the id of name if known.
func (n *NameTable[T]) Lookup(name string) (T, bool) {
	id, ok := n.t.lookup([]byte(name))
	return T(id), ok
}

// Name returns the name of id, or "" for an unknown id.
func (n *NameTable[T]) Name(id T) string { return n.t.text(uint32(id)) }

// Len returns the number of known names.
func (n *NameTable[T]) Len() int { return len(n.t.spans) - 1 }

// DBMax returns the largest persisted id as of the last load or commit.
func (n *NameTable[T]) DBMax() T { return T(n.t.dbMax) }

// Load loads persisted names added since the last load.
func (n *NameTable[T]) Load(ctx context.Context, txn *store.Txn) error {
	return n.t.load(ctx, txn)
}

// Commit persists names interned since the last load or commit.
func (n *NameTable[T]) Commit(ctx context.Context, txn *store.Txn) error {
	return n.t.commit(ctx, txn)
}
