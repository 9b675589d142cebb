// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package dump provides dump subcommand.
package dump

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"

	"go.chromium.org/infra/build/depscan/intern"
	"go.chromium.org/infra/build/depscan/store"
)

const usage = `print the content of the store

 $ depscan dump -db <dir> [-match '**/base/**']
`

// Cmd returns the Command for the `dump` subcommand provided by this package.
func Cmd() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "dump <args>...",
		ShortDesc: "print the content of the store",
		LongDesc:  usage,
		Advanced:  true,
		CommandRun: func() subcommands.CommandRun {
			c := &run{}
			c.init()
			return c
		},
	}
}

type run struct {
	subcommands.CommandRunBase

	dbDir string
	match string
}

func (c *run) init() {
	c.Flags.StringVar(&c.dbDir, "db", "", "store directory. default $DEPSCAN_DB_DIR")
	c.Flags.StringVar(&c.match, "match", "", "glob of item paths to print")
}

func (c *run) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	if c.dbDir == "" {
		c.dbDir = env["DEPSCAN_DB_DIR"].Value
	}
	err := c.run(ctx, os.Stdout)
	if err != nil {
		switch {
		case errors.Is(err, flag.ErrHelp):
			fmt.Fprintf(os.Stderr, "%v\n%s\n", err, usage)
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func timestamp(t int64) string {
	if t == store.Missing {
		return "missing"
	}
	return time.Unix(0, t).Format(time.RFC3339Nano)
}

func (c *run) run(ctx context.Context, w io.Writer) error {
	if c.dbDir == "" {
		return fmt.Errorf("no -db: %w", flag.ErrHelp)
	}
	if c.match != "" && !doublestar.ValidatePattern(c.match) {
		return fmt.Errorf("bad -match %q: %w", c.match, flag.ErrHelp)
	}
	db, err := store.Open(ctx, c.dbDir, store.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	paths, err := intern.NewPathStore(wd)
	if err != nil {
		return err
	}
	targets := intern.NewNameTable[store.TargetID](store.Targets)
	modules := intern.NewNameTable[store.ModuleID](store.Modules)
	return db.View(ctx, func(txn *store.Txn) error {
		for _, load := range []func(context.Context, *store.Txn) error{paths.Load, targets.Load, modules.Load} {
			err := load(ctx, txn)
			if err != nil {
				return err
			}
		}
		fmt.Fprintf(w, "store %s: %d paths, %d targets, %d modules\n", db.Filename(), paths.Len(), targets.Len(), modules.Len())
		itemName := func(id store.ItemID) string {
			return fmt.Sprintf("%s@%s", paths.Path(id.File), targets.Name(id.Target))
		}
		return txn.ForEachItem(func(id store.ItemID, rec store.ItemRecord) error {
			if c.match != "" && !doublestar.MatchUnvalidated(c.match, paths.Path(id.File)) {
				return nil
			}
			fmt.Fprintf(w, "%s cmd=%016x scanned=%s", itemName(id), rec.CmdHash, timestamp(rec.LastScan))
			if rec.Export != 0 {
				fmt.Fprintf(w, " export=%s", modules.Name(rec.Export))
			}
			fmt.Fprintln(w)
			for _, m := range rec.Imports {
				fmt.Fprintf(w, "  import %s\n", modules.Name(m))
			}
			for _, d := range rec.ItemDeps {
				fmt.Fprintf(w, "  item %s\n", itemName(d))
			}
			for _, f := range rec.FileDeps {
				frec, ok, err := txn.File(f)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(w, "  file %s\n", paths.Path(f))
					continue
				}
				fmt.Fprintf(w, "  file %s written=%s stat=%s\n", paths.Path(f), timestamp(frec.LastWrite), timestamp(frec.LastStat))
			}
			return nil
		})
	})
}
