// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build !linux && !windows

package runtimex

// getproccount defers to runtime.NumCPU.
func getproccount() int { return 0 }
