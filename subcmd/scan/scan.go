// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package scan provides scan subcommand.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"

	"go.chromium.org/infra/build/depscan/itemset"
	"go.chromium.org/infra/build/depscan/modgraph"
	"go.chromium.org/infra/build/depscan/scanner"
)

const usage = `scan C++ sources for module and header dependencies

 $ depscan scan -db <dir> -int_dir <dir> -tool <clang-scan-deps> \
     -compdb compile_commands.json -target <name>

 $ depscan scan -db <dir> -int_dir <dir> -tool <clang-scan-deps> \
     -item_set items.json

Only items changed since the last scan are passed to the tool.
Results are written to -o as JSON, one entry per item.
`

// Cmd returns the Command for the `scan` subcommand provided by this package.
func Cmd() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "scan <args>...",
		ShortDesc: "scan dependencies of out-of-date items",
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

	dbDir             string
	intDir            string
	tool              string
	compdb            string
	target            string
	itemSet           string
	headerUnits       string
	match             string
	buildStart        string
	fileTracker       bool
	concurrentTargets bool
	replay            bool
	graph             bool
	output            string
}

func (c *run) init() {
	c.Flags.StringVar(&c.dbDir, "db", "", "store directory. default $DEPSCAN_DB_DIR")
	c.Flags.StringVar(&c.intDir, "int_dir", "", "intermediate directory, unique to the target")
	c.Flags.StringVar(&c.tool, "tool", "", "dependency scanner executable. default $DEPSCAN_TOOL")
	c.Flags.StringVar(&c.compdb, "compdb", "", "compilation database to scan")
	c.Flags.StringVar(&c.target, "target", "default", "target name of -compdb items")
	c.Flags.StringVar(&c.itemSet, "item_set", "", "item set file to scan, instead of -compdb")
	c.Flags.StringVar(&c.headerUnits, "header_units", "", "glob of items compiled as header units")
	c.Flags.StringVar(&c.match, "match", "", "glob of items to scan")
	c.Flags.StringVar(&c.buildStart, "build_start", "", "build start time in RFC3339. default now")
	c.Flags.BoolVar(&c.fileTracker, "file_tracker", false, "trust file records kept by `depscan track`")
	c.Flags.BoolVar(&c.concurrentTargets, "concurrent_targets", false, "allow other targets to scan on the store meanwhile")
	c.Flags.BoolVar(&c.replay, "replay", false, "output previous results of up-to-date items too")
	c.Flags.BoolVar(&c.graph, "graph", false, "resolve and print the module graph")
	c.Flags.StringVar(&c.output, "o", "", "JSON output file. - for stdout")
}

func (c *run) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	if c.dbDir == "" {
		c.dbDir = env["DEPSCAN_DB_DIR"].Value
	}
	if c.tool == "" {
		c.tool = env["DEPSCAN_TOOL"].Value
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

// output is the JSON output of the scan subcommand.
type output struct {
	ID     string              `json:"id"`
	Items  []outputItem        `json:"items"`
	Graph  map[string][]string `json:"graph,omitempty"`
	Errors []string            `json:"errors,omitempty"`
}

type outputItem struct {
	Path   string `json:"path"`
	State  string `json:"state"`
	Failed bool   `json:"failed,omitempty"`
	scanner.ItemDeps
}

func (c *run) run(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("position arguments not expected: %w", flag.ErrHelp)
	}
	var set *itemset.Set
	var err error
	switch {
	case c.compdb != "" && c.itemSet != "":
		return fmt.Errorf("both -compdb and -item_set: %w", flag.ErrHelp)
	case c.compdb != "":
		set, err = itemset.FromCompilationDatabase(c.compdb, c.target)
	case c.itemSet != "":
		set, err = itemset.Load(c.itemSet)
	default:
		return fmt.Errorf("no -compdb or -item_set: %w", flag.ErrHelp)
	}
	if err != nil {
		return err
	}
	if c.match != "" {
		err = set.Filter(c.match)
		if err != nil {
			return err
		}
	}
	if c.headerUnits != "" {
		n, err := set.MarkHeaderUnits(c.headerUnits)
		if err != nil {
			return err
		}
		log.Infof("%d header units", n)
	}

	cfg := set.Config()
	cfg.ToolPath = c.tool
	cfg.DBDir = c.dbDir
	cfg.IntDir = c.intDir
	if cfg.IntDir != "" {
		cfg.IntDir, err = filepath.Abs(cfg.IntDir)
		if err != nil {
			return err
		}
	}
	if c.buildStart != "" {
		cfg.BuildStartTime, err = time.Parse(time.RFC3339, c.buildStart)
		if err != nil {
			return fmt.Errorf("bad -build_start: %w", err)
		}
	}
	cfg.FileTrackerRunning = c.fileTracker
	cfg.ConcurrentTargets = c.concurrentTargets
	cfg.SubmitPreviousResults = c.replay
	cfg.ResolveModules = c.graph
	var collector *scanner.Collector
	if c.output != "" {
		collector = &scanner.Collector{}
		cfg.Observer = collector
	}

	result, err := scanner.Scan(ctx, cfg)
	if err != nil {
		return err
	}
	nfailed := 0
	for _, it := range result.Items {
		if it.Failed {
			nfailed++
		}
	}
	summary := os.Stdout
	if c.output == "-" {
		summary = os.Stderr
	}
	fmt.Fprintf(summary, "%d/%d items out of date, %d failed\n", len(result.OutOfDate()), len(result.Items), nfailed)
	if c.graph && c.output != "-" {
		printGraph(os.Stdout, result.Graph)
	}
	if collector != nil {
		err = c.writeOutput(set, result, collector)
		if err != nil {
			return err
		}
	}
	switch {
	case result.GraphErr != nil:
		return result.GraphErr
	case nfailed > 0:
		return fmt.Errorf("%d items failed to scan", nfailed)
	}
	return nil
}

func printGraph(w io.Writer, g *modgraph.Graph) {
	if g == nil {
		return
	}
	for i := 0; i < g.Len(); i++ {
		deps := g.Imports(i)
		if len(deps) == 0 {
			continue
		}
		names := make([]string, 0, len(deps))
		for _, d := range deps {
			names = append(names, g.Node(d).Name)
		}
		fmt.Fprintf(w, "%s: %s\n", g.Node(i).Name, strings.Join(names, " "))
	}
}

func (c *run) writeOutput(set *itemset.Set, result *scanner.Result, collector *scanner.Collector) error {
	out := output{ID: result.ID}
	for _, deps := range collector.Items {
		it := result.Items[deps.Index]
		out.Items = append(out.Items, outputItem{
			Path:     set.Items[deps.Index].Path,
			State:    it.State.String(),
			Failed:   it.Failed,
			ItemDeps: deps,
		})
	}
	if g := result.Graph; g != nil {
		out.Graph = make(map[string][]string)
		for i := 0; i < g.Len(); i++ {
			for _, d := range g.Imports(i) {
				out.Graph[g.Node(i).Name] = append(out.Graph[g.Node(i).Name], g.Node(d).Name)
			}
		}
	}
	if result.GraphErr != nil {
		out.Errors = append(out.Errors, result.GraphErr.Error())
	}
	buf, err := json.MarshalIndent(out, "", " ")
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	if c.output == "-" {
		_, err = os.Stdout.Write(buf)
		return err
	}
	return os.WriteFile(c.output, buf, 0644)
}
