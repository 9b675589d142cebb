// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build linux

package runtimex

import "golang.org/x/sys/unix"

// getproccount counts CPUs in the affinity mask, which may be narrowed
// by taskset or a container runtime.
func getproccount() int {
	var set unix.CPUSet
	err := unix.SchedGetaffinity(0, &set)
	if err != nil {
		return 0
	}
	return set.Count()
}
