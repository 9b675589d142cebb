// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package store

import (
	"encoding/binary"
	"fmt"

	"go.chromium.org/infra/build/depscan/record"
)

// itemLayout is the layout of ItemRecord.
// item deps are packed as file<<32|target.
var itemLayout = record.MustLayout(
	record.Uint64,     // cmd hash
	record.Uint64,     // last scan
	record.Uint32,     // export
	record.Uint32List, // file deps
	record.Uint64List, // item deps
	record.Uint32List, // imports
)

var fileLayout = record.MustLayout(
	record.Uint64, // last write
	record.Uint64, // last stat
)

func itemKey(id ItemID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint32(k[:4], uint32(id.File))
	binary.BigEndian.PutUint32(k[4:], uint32(id.Target))
	return k[:]
}

func parseItemKey(k []byte) (ItemID, error) {
	if len(k) != 8 {
		return ItemID{}, fmt.Errorf("item key %q: %w", k, record.ErrFormat)
	}
	return ItemID{
		File:   FileID(binary.BigEndian.Uint32(k[:4])),
		Target: TargetID(binary.BigEndian.Uint32(k[4:])),
	}, nil
}

func idKey(id uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], id)
	return k[:]
}

func parseIDKey(k []byte) (uint32, error) {
	if len(k) != 4 {
		return 0, fmt.Errorf("id key %q: %w", k, record.ErrFormat)
	}
	return binary.BigEndian.Uint32(k), nil
}

func encodeItem(r ItemRecord) ([]byte, error) {
	w := record.NewWriter(itemLayout)
	w.PutUint64(r.CmdHash)
	w.PutUint64(uint64(r.LastScan))
	w.PutUint32(uint32(r.Export))
	fileDeps := make([]uint32, len(r.FileDeps))
	for i, f := range r.FileDeps {
		fileDeps[i] = uint32(f)
	}
	w.PutUint32List(fileDeps)
	itemDeps := make([]uint64, len(r.ItemDeps))
	for i, d := range r.ItemDeps {
		itemDeps[i] = uint64(d.File)<<32 | uint64(d.Target)
	}
	w.PutUint64List(itemDeps)
	imports := make([]uint32, len(r.Imports))
	for i, m := range r.Imports {
		imports[i] = uint32(m)
	}
	w.PutUint32List(imports)
	return w.Bytes()
}

func decodeItem(b []byte) (ItemRecord, error) {
	rd, err := record.NewReader(itemLayout, b)
	if err != nil {
		return ItemRecord{}, err
	}
	var r ItemRecord
	r.CmdHash = rd.Uint64()
	r.LastScan = int64(rd.Uint64())
	r.Export = ModuleID(rd.Uint32())
	for _, f := range rd.Uint32List() {
		r.FileDeps = append(r.FileDeps, FileID(f))
	}
	for _, d := range rd.Uint64List() {
		r.ItemDeps = append(r.ItemDeps, ItemID{
			File:   FileID(d >> 32),
			Target: TargetID(uint32(d)),
		})
	}
	for _, m := range rd.Uint32List() {
		r.Imports = append(r.Imports, ModuleID(m))
	}
	return r, rd.Err()
}

// Item returns the record of id.
func (t *Txn) Item(id ItemID) (ItemRecord, bool, error) {
	b, err := t.bucket(itemsBucket)
	if err != nil {
		return ItemRecord{}, false, err
	}
	v := b.Get(itemKey(id))
	if v == nil {
		return ItemRecord{}, false, nil
	}
	r, err := decodeItem(v)
	if err != nil {
		return ItemRecord{}, false, fmt.Errorf("item %s: %w", id, err)
	}
	return r, true, nil
}

// PutItem writes the record of id.
func (t *Txn) PutItem(id ItemID, r ItemRecord) error {
	if id.File == 0 || id.Target == 0 {
		return fmt.Errorf("put item: invalid id %s", id)
	}
	b, err := t.bucket(itemsBucket)
	if err != nil {
		return err
	}
	v, err := encodeItem(r)
	if err != nil {
		return fmt.Errorf("item %s: %w", id, err)
	}
	return b.Put(itemKey(id), v)
}

// DeleteItem deletes the record of id.
// It is not an error if id has no record.
func (t *Txn) DeleteItem(id ItemID) error {
	b, err := t.bucket(itemsBucket)
	if err != nil {
		return err
	}
	return b.Delete(itemKey(id))
}

// ForEachItem calls fn for every item record in FileID order.
// fn must not modify items.
func (t *Txn) ForEachItem(fn func(ItemID, ItemRecord) error) error {
	b, err := t.bucket(itemsBucket)
	if err != nil {
		return err
	}
	return b.ForEach(func(k, v []byte) error {
		id, err := parseItemKey(k)
		if err != nil {
			return err
		}
		r, err := decodeItem(v)
		if err != nil {
			return fmt.Errorf("item %s: %w", id, err)
		}
		return fn(id, r)
	})
}

// File returns the record of a file.
func (t *Txn) File(id FileID) (FileRecord, bool, error) {
	b, err := t.bucket(filesBucket)
	if err != nil {
		return FileRecord{}, false, err
	}
	v := b.Get(idKey(uint32(id)))
	if v == nil {
		return FileRecord{}, false, nil
	}
	rd, err := record.NewReader(fileLayout, v)
	if err != nil {
		return FileRecord{}, false, fmt.Errorf("file %d: %w", id, err)
	}
	r := FileRecord{
		LastWrite: int64(rd.Uint64()),
		LastStat:  int64(rd.Uint64()),
	}
	if err := rd.Err(); err != nil {
		return FileRecord{}, false, fmt.Errorf("file %d: %w", id, err)
	}
	return r, true, nil
}

// PutFile writes the record of a file.
func (t *Txn) PutFile(id FileID, r FileRecord) error {
	if id == 0 {
		return fmt.Errorf("put file: invalid id")
	}
	b, err := t.bucket(filesBucket)
	if err != nil {
		return err
	}
	w := record.NewWriter(fileLayout)
	w.PutUint64(uint64(r.LastWrite))
	w.PutUint64(uint64(r.LastStat))
	v, err := w.Bytes()
	if err != nil {
		return err
	}
	return b.Put(idKey(uint32(id)), v)
}
