// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.etcd.io/bbolt"

	"go.chromium.org/infra/build/depscan/record"
)

func openTest(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(context.Background(), dir, Options{})
	if err != nil {
		t.Fatalf("Open(ctx, %q)=_, %v; want nil error", dir, err)
	}
	return db
}

func TestItemRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := openTest(t, dir)
	defer db.Close()

	a := ItemID{File: 3, Target: 1}
	b := ItemID{File: 3, Target: 2}
	c := ItemID{File: 1, Target: 1}
	ra := ItemRecord{
		CmdHash:  0xdeadbeefcafe,
		LastScan: 1234567890123,
		Export:   2,
		FileDeps: []FileID{4, 5},
		ItemDeps: []ItemID{{File: 6, Target: 1}},
		Imports:  []ModuleID{1},
	}
	rb := ItemRecord{CmdHash: 1}
	rc := ItemRecord{CmdHash: 2, FileDeps: []FileID{3}}

	err := db.Update(ctx, func(txn *Txn) error {
		for id, r := range map[ItemID]ItemRecord{a: ra, b: rb, c: rc} {
			if err := txn.PutItem(id, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update=%v", err)
	}

	err = db.View(ctx, func(txn *Txn) error {
		got, ok, err := txn.Item(a)
		if err != nil || !ok {
			t.Fatalf("Item(%v)=_, %t, %v; want true, nil", a, ok, err)
		}
		if diff := cmp.Diff(ra, got); diff != "" {
			t.Errorf("Item(%v) diff -want +got:\n%s", a, diff)
		}
		_, ok, err = txn.Item(ItemID{File: 9, Target: 9})
		if err != nil || ok {
			t.Errorf("Item(9@9)=_, %t, %v; want false, nil", ok, err)
		}

		var ids []ItemID
		err = txn.ForEachItem(func(id ItemID, r ItemRecord) error {
			ids = append(ids, id)
			return nil
		})
		if err != nil {
			t.Errorf("ForEachItem=%v", err)
		}
		if diff := cmp.Diff([]ItemID{c, a, b}, ids); diff != "" {
			t.Errorf("ForEachItem order diff -want +got:\n%s", diff)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View=%v", err)
	}

	err = db.Update(ctx, func(txn *Txn) error {
		return txn.DeleteItem(a)
	})
	if err != nil {
		t.Fatalf("Update(delete)=%v", err)
	}
	err = db.View(ctx, func(txn *Txn) error {
		_, ok, err := txn.Item(a)
		if err != nil || ok {
			t.Errorf("Item(%v) after delete=_, %t, %v; want false, nil", a, ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View=%v", err)
	}
}

func TestEmptyItemRecord(t *testing.T) {
	b, err := encodeItem(ItemRecord{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(b), itemLayout.MinSize(); got != want {
		t.Errorf("len(encodeItem({}))=%d; want %d", got, want)
	}
	got, err := decodeItem(b)
	if err != nil {
		t.Fatalf("decodeItem=_, %v; want nil error", err)
	}
	if diff := cmp.Diff(ItemRecord{}, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("decodeItem diff -want +got:\n%s", diff)
	}
}

func TestMalformedItem(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := openTest(t, dir)
	defer db.Close()
	id := ItemID{File: 1, Target: 1}
	err := db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(itemsBucket).Put(itemKey(id), []byte{1, 2, 3})
	})
	if err != nil {
		t.Fatal(err)
	}
	err = db.View(ctx, func(txn *Txn) error {
		_, _, err := txn.Item(id)
		return err
	})
	if !errors.Is(err, record.ErrFormat) {
		t.Errorf("Item(%v)=%v; want %v", id, err, record.ErrFormat)
	}
}

func TestFileRecords(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, t.TempDir())
	defer db.Close()
	want := FileRecord{LastWrite: Missing, LastStat: 42}
	err := db.Update(ctx, func(txn *Txn) error {
		return txn.PutFile(7, want)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = db.View(ctx, func(txn *Txn) error {
		got, ok, err := txn.File(7)
		if err != nil || !ok {
			t.Fatalf("File(7)=_, %t, %v; want true, nil", ok, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("File(7) diff -want +got:\n%s", diff)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNames(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, t.TempDir())
	defer db.Close()
	err := db.Update(ctx, func(txn *Txn) error {
		n, err := txn.Names(Modules)
		if err != nil {
			return err
		}
		for id, s := range []string{"", "a", "b", "c"} {
			if id == 0 {
				continue
			}
			if err := n.Put(uint32(id), s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = db.View(ctx, func(txn *Txn) error {
		n, err := txn.Names(Modules)
		if err != nil {
			return err
		}
		max, err := n.Max()
		if err != nil || max != 3 {
			t.Errorf("Max()=%d, %v; want 3, nil", max, err)
		}
		var got []string
		err = n.ForEachAfter(1, func(id uint32, text []byte) error {
			got = append(got, string(text))
			return nil
		})
		if err != nil {
			t.Errorf("ForEachAfter=%v", err)
		}
		if diff := cmp.Diff([]string{"b", "c"}, got); diff != "" {
			t.Errorf("ForEachAfter(1) diff -want +got:\n%s", diff)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestVersionMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := openTest(t, dir)
	err := db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(headerBucket).Put(versionKey, []byte{99, 0, 0, 0})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	_, err = Open(ctx, dir, Options{})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("Open(ctx, %q)=_, %v; want %v", dir, err, ErrVersionMismatch)
	}
}

func TestOpenReadOnlyMissing(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nonexistent")
	_, err := Open(ctx, dir, Options{ReadOnly: true})
	if err == nil {
		t.Errorf("Open(ctx, %q, ReadOnly)=_, nil; want error", dir)
	}
}

func TestReopenKeepsHeader(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db = openTest(t, dir)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
}
