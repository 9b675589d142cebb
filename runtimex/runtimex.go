// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package runtimex provides runtime information missing from runtime.
package runtimex

import (
	"os"
	"runtime"
	"strconv"

	"github.com/charmbracelet/log"
)

// ParallelismEnv overrides NumCPU, e.g. to limit stats on network file systems.
const ParallelismEnv = "DEPSCAN_PARALLELISM"

var ncpu int

func init() {
	ncpu = numCPU(os.Getenv(ParallelismEnv))
}

func numCPU(override string) int {
	if override != "" {
		n, err := strconv.Atoi(override)
		if err == nil && n > 0 {
			return n
		}
		log.Warnf("ignore %s=%q", ParallelismEnv, override)
	}
	n := getproccount()
	if n == 0 {
		n = runtime.NumCPU()
	}
	return n
}

// NumCPU returns the number of logical CPUs usable by the current process,
// or the value of $DEPSCAN_PARALLELISM.
// On Windows, runtime.NumCPU() only returns the information for a single
// Processor Group (up to 64), so GetActiveProcessorCount is used instead.
// On Linux, it is the size of the affinity mask at startup.
func NumCPU() int {
	return ncpu
}
