// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package store

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// Names is an interning table bucket: id -> text.
type Names struct {
	name string
	b    *bbolt.Bucket
}

// Names returns the interning table of name (Paths, Targets or Modules).
func (t *Txn) Names(name string) (*Names, error) {
	b, err := t.bucket([]byte(name))
	if err != nil {
		return nil, err
	}
	return &Names{name: name, b: b}, nil
}

// Max returns the largest id in the table, or 0 if empty.
func (n *Names) Max() (uint32, error) {
	k, _ := n.b.Cursor().Last()
	if k == nil {
		return 0, nil
	}
	id, err := parseIDKey(k)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", n.name, err)
	}
	return id, nil
}

// ForEachAfter calls fn for every entry with id greater than after,
// in id order.
// text is only valid during fn.
func (n *Names) ForEachAfter(after uint32, fn func(id uint32, text []byte) error) error {
	c := n.b.Cursor()
	for k, v := c.Seek(idKey(after + 1)); k != nil; k, v = c.Next() {
		id, err := parseIDKey(k)
		if err != nil {
			return fmt.Errorf("%s: %w", n.name, err)
		}
		err = fn(id, v)
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns text of id.
func (n *Names) Get(id uint32) (string, bool) {
	v := n.b.Get(idKey(id))
	if v == nil {
		return "", false
	}
	return string(v), true
}

// Put stores text for id.
func (n *Names) Put(id uint32, text string) error {
	if id == 0 {
		return errors.New("put name: invalid id 0")
	}
	return n.b.Put(idKey(id), []byte(text))
}
