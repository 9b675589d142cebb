// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package store

import (
	"fmt"
	"math"
)

// FileID identifies a normalized path. 0 is invalid.
type FileID uint32

// TargetID identifies a build target name. 0 is invalid.
type TargetID uint32

// ModuleID identifies a module logical name. 0 is invalid.
type ModuleID uint32

// ItemID identifies one source file compiled under one target.
type ItemID struct {
	File   FileID
	Target TargetID
}

func (id ItemID) String() string {
	return fmt.Sprintf("%d@%d", id.File, id.Target)
}

// Missing is the write time recorded for a file that did not exist.
// It compares newer than any scan time.
const Missing int64 = math.MaxInt64

// ItemRecord is the last successful scan result of an item.
type ItemRecord struct {
	// CmdHash is the hash of the compile command used for the scan.
	CmdHash uint64

	// LastScan is the time of the last successful scan
	// in unix nanoseconds.
	LastScan int64

	// Export is the exported module, or 0.
	Export ModuleID

	FileDeps []FileID

	// ItemDeps are imported header units.
	ItemDeps []ItemID

	Imports []ModuleID
}

// FileRecord is the last observed state of a file.
type FileRecord struct {
	// LastWrite is the modified time in unix nanoseconds,
	// or Missing.
	LastWrite int64

	// LastStat is when LastWrite was observed, in unix nanoseconds.
	LastStat int64
}
