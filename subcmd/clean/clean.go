// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clean provides clean subcommand.
package clean

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/flag/stringlistflag"

	"go.chromium.org/infra/build/depscan/itemset"
	"go.chromium.org/infra/build/depscan/scanner"
)

const usage = `delete item records, so items are scanned again

 $ depscan clean -db <dir> -target <name>
 $ depscan clean -db <dir> -compdb compile_commands.json -match 'base/**'

With -compdb or -item_set, records of its items are deleted,
limited to -target if given. Otherwise all records of -target are deleted.
`

// Cmd returns the Command for the `clean` subcommand provided by this package.
func Cmd() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "clean <args>...",
		ShortDesc: "delete item records",
		LongDesc:  usage,
		CommandRun: func() subcommands.CommandRun {
			c := &run{}
			c.init()
			return c
		},
	}
}

type run struct {
	subcommands.CommandRunBase

	dbDir   string
	compdb  string
	itemSet string
	targets stringlistflag.Flag
	match   string
}

func (c *run) init() {
	c.Flags.StringVar(&c.dbDir, "db", "", "store directory. default $DEPSCAN_DB_DIR")
	c.Flags.StringVar(&c.compdb, "compdb", "", "compilation database of items to clean")
	c.Flags.StringVar(&c.itemSet, "item_set", "", "item set file of items to clean")
	c.Flags.Var(&c.targets, "target", "target to clean. can be repeated")
	c.Flags.StringVar(&c.match, "match", "", "glob of items to clean")
}

func (c *run) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	if c.dbDir == "" {
		c.dbDir = env["DEPSCAN_DB_DIR"].Value
	}
	err := c.run(ctx, args)
	if err != nil {
		switch {
		case errors.Is(err, flag.ErrHelp), errors.Is(err, scanner.ErrConfig):
			fmt.Fprintf(os.Stderr, "%v\n%s\n", err, usage)
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func (c *run) run(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("position arguments not expected: %w", flag.ErrHelp)
	}
	cfg := scanner.CleanConfig{
		DBDir:   c.dbDir,
		Targets: c.targets,
	}
	var set *itemset.Set
	var err error
	switch {
	case c.compdb != "" && c.itemSet != "":
		return fmt.Errorf("both -compdb and -item_set: %w", flag.ErrHelp)
	case c.compdb != "":
		set, err = itemset.FromCompilationDatabase(c.compdb, "")
	case c.itemSet != "":
		set, err = itemset.Load(c.itemSet)
	case c.match != "":
		return fmt.Errorf("-match needs -compdb or -item_set: %w", flag.ErrHelp)
	}
	if err != nil {
		return err
	}
	if set != nil {
		if c.match != "" {
			err = set.Filter(c.match)
			if err != nil {
				return err
			}
		}
		if len(set.Items) == 0 {
			fmt.Println("no items to clean")
			return nil
		}
		cfg.ItemRoot = set.Root
		cfg.Paths = set.Paths()
	}
	n, err := scanner.Clean(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("%d item records deleted\n", n)
	return nil
}
