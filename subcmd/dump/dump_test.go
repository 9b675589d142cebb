// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dump

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/infra/build/depscan/intern"
	"go.chromium.org/infra/build/depscan/store"
)

func TestDump(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("globs match slash-separated paths")
	}
	ctx := context.Background()
	dir := t.TempDir()
	dbDir := filepath.Join(dir, "db")
	db, err := store.Open(ctx, dbDir, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	paths, err := intern.NewPathStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	targets := intern.NewNameTable[store.TargetID](store.Targets)
	modules := intern.NewNameTable[store.ModuleID](store.Modules)
	scanned := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	err = db.Update(ctx, func(txn *store.Txn) error {
		target := targets.Intern("default")
		a, err := paths.Intern("src/a.cpp")
		if err != nil {
			return err
		}
		b, err := paths.Intern("lib/b.cpp")
		if err != nil {
			return err
		}
		ah, err := paths.Intern("src/a.h")
		if err != nil {
			return err
		}
		err = txn.PutItem(store.ItemID{File: a, Target: target}, store.ItemRecord{
			CmdHash:  0xabc,
			LastScan: scanned,
			Export:   modules.Intern("a"),
			FileDeps: []store.FileID{ah},
			Imports:  []store.ModuleID{modules.Intern("std")},
		})
		if err != nil {
			return err
		}
		err = txn.PutItem(store.ItemID{File: b, Target: target}, store.ItemRecord{LastScan: scanned})
		if err != nil {
			return err
		}
		err = txn.PutFile(ah, store.FileRecord{LastWrite: store.Missing, LastStat: scanned})
		if err != nil {
			return err
		}
		for _, commit := range []func(context.Context, *store.Txn) error{paths.Commit, targets.Commit, modules.Commit} {
			err := commit(ctx, txn)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = db.Close()
	if err != nil {
		t.Fatal(err)
	}

	c := &run{dbDir: dbDir, match: filepath.ToSlash(filepath.Join(dir, "src")) + "/*"}
	var sb strings.Builder
	err = c.run(ctx, &sb)
	if err != nil {
		t.Fatalf("run=%v; want nil error", err)
	}
	ts := timestamp(scanned)
	want := []string{
		fmt.Sprintf("store %s: 3 paths, 1 targets, 2 modules", filepath.Join(dbDir, store.Filename)),
		fmt.Sprintf("%s@default cmd=0000000000000abc scanned=%s export=a", filepath.Join(dir, "src/a.cpp"), ts),
		"  import std",
		fmt.Sprintf("  file %s written=missing stat=%s", filepath.Join(dir, "src/a.h"), ts),
	}
	got := strings.Split(strings.TrimSuffix(sb.String(), "\n"), "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dump diff -want +got:\n%s", diff)
	}
}

func TestDumpNoStore(t *testing.T) {
	c := &run{dbDir: filepath.Join(t.TempDir(), "db")}
	var sb strings.Builder
	err := c.run(context.Background(), &sb)
	if err == nil {
		t.Errorf("run=nil; want error for missing store")
	}
}
