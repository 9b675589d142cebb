// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scanner

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"go.chromium.org/infra/build/depscan/intern"
	"go.chromium.org/infra/build/depscan/store"
)

// CleanConfig configures Clean.
type CleanConfig struct {
	DBDir string

	// ItemRoot is the directory relative paths are resolved against.
	// Empty means the current directory.
	ItemRoot string

	// Targets are target names to clean. Empty means all targets.
	Targets []string

	// Paths are item paths to clean. Empty means all items of Targets.
	Paths []string
}

// Clean deletes item records selected by cfg, so they are scanned
// again next time. Interned paths and names are kept.
// It returns the number of deleted records.
func Clean(ctx context.Context, cfg CleanConfig) (int, error) {
	if cfg.DBDir == "" {
		return 0, fmt.Errorf("no store dir: %w", ErrConfig)
	}
	if len(cfg.Targets) == 0 && len(cfg.Paths) == 0 {
		return 0, fmt.Errorf("no targets or paths to clean: %w", ErrConfig)
	}
	root := cfg.ItemRoot
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return 0, err
		}
	}
	paths, err := intern.NewPathStore(root)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, ErrConfig)
	}
	targets := intern.NewNameTable[store.TargetID](store.Targets)

	db, err := store.Open(ctx, cfg.DBDir, store.Options{LockTimeout: LockTimeout})
	if err != nil {
		return 0, err
	}
	defer db.Close()

	n := 0
	err = db.Update(ctx, func(txn *store.Txn) error {
		err := paths.Load(ctx, txn)
		if err != nil {
			return err
		}
		err = targets.Load(ctx, txn)
		if err != nil {
			return err
		}
		targetSet := make(map[store.TargetID]bool)
		for _, t := range cfg.Targets {
			id, ok := targets.Lookup(t)
			if !ok {
				log.Warnf("clean: unknown target %q", t)
				continue
			}
			targetSet[id] = true
		}
		if len(cfg.Targets) > 0 && len(targetSet) == 0 {
			return nil
		}
		fileSet := make(map[store.FileID]bool)
		for _, p := range cfg.Paths {
			id, ok, err := paths.Lookup(p)
			if err != nil {
				return err
			}
			if !ok {
				log.Debugf("clean: unknown path %q", p)
				continue
			}
			fileSet[id] = true
		}
		if len(cfg.Paths) > 0 && len(fileSet) == 0 {
			return nil
		}

		var ids []store.ItemID
		err = txn.ForEachItem(func(id store.ItemID, _ store.ItemRecord) error {
			if len(targetSet) > 0 && !targetSet[id.Target] {
				return nil
			}
			if len(fileSet) > 0 && !fileSet[id.File] {
				return nil
			}
			ids = append(ids, id)
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			err := txn.DeleteItem(id)
			if err != nil {
				return err
			}
			log.Debugf("clean: %s@%s", paths.Path(id.File), targets.Name(id.Target))
		}
		n = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Infof("clean: deleted %d item records", n)
	return n, nil
}
