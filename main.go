// Copyright 2023 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/system/signals"

	"go.chromium.org/infra/build/depscan/subcmd/clean"
	"go.chromium.org/infra/build/depscan/subcmd/dump"
	"go.chromium.org/infra/build/depscan/subcmd/scan"
	"go.chromium.org/infra/build/depscan/subcmd/track"
	"go.chromium.org/infra/build/depscan/subcmd/version"
)

// depscan is an incremental dependency scanner for C++ modules.

const depscanVersion = "depscan v0.1.0"

func getApplication(ctx context.Context) *cli.Application {
	return &cli.Application{
		Name:  "depscan",
		Title: "incremental dependency scanner for C++ modules and header units",
		Context: func(context.Context) context.Context {
			return ctx
		},
		Commands: []*subcommands.Command{
			scan.Cmd(),
			clean.Cmd(),
			dump.Cmd(),
			track.Cmd(),
			subcommands.CmdHelp,
			version.Cmd(depscanVersion),
		},
		EnvVars: map[string]subcommands.EnvVarDefinition{
			"DEPSCAN_DB_DIR": {
				ShortDesc: "default store directory",
			},
			"DEPSCAN_TOOL": {
				ShortDesc: "default dependency scanner executable",
			},
		},
	}
}

func main() {
	os.Exit(depscanMain())
}

func depscanMain() int {
	var verbose bool
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(out, "global flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer signals.HandleInterrupt(cancel)()

	// Print a stack trace when a panic occurs.
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Fatalf("panic: %v\n%s", r, buf)
		}
	}()

	// Print build information to the log.
	buildinfo, ok := debug.ReadBuildInfo()
	if ok {
		log.Debugf("main module: %s %s", moduleInfo(&buildinfo.Main), vcsInfo(buildinfo))
		for _, m := range buildinfo.Deps {
			log.Debugf("deps module: %s", moduleInfo(m))
		}
	}
	return subcommands.Run(getApplication(ctx), flag.Args())
}

func moduleInfo(m *debug.Module) string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("path:%s version:%s sum:%s replace:%s", m.Path, m.Version, m.Sum, moduleInfo(m.Replace))
}

func vcsInfo(buildinfo *debug.BuildInfo) string {
	m := make(map[string]string)
	for _, bs := range buildinfo.Settings {
		if strings.HasPrefix(bs.Key, "vcs.") {
			m[bs.Key] = bs.Value
		}
	}
	return fmt.Sprintf("vcs[revision=%s time=%s modified=%s]", m["vcs.revision"], m["vcs.time"], m["vcs.modified"])
}
