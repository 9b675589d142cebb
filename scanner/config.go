// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scanner

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// ErrConfig is returned for invalid configurations.
var ErrConfig = errors.New("invalid scan config")

// Item is a source file to scan under a build target.
type Item struct {
	// Path is the source file path, relative to Config.ItemRoot
	// or absolute.
	Path string

	// Command is an index in Config.Commands.
	Command int

	// Target is an index in Config.Targets.
	Target int

	// HeaderUnit reports whether the item is compiled as a header unit.
	HeaderUnit bool
}

// Config configures a scan.
type Config struct {
	// ToolPath is the path of the dependency scanner executable.
	ToolPath string

	// DBDir is the directory of the store.
	DBDir string

	// IntDir is the directory for intermediate files.
	// It must be unique to each concurrently scanned target.
	IntDir string

	// ItemRoot is the directory relative paths are resolved against,
	// and the directory the scanner runs commands in.
	// Empty means the current directory.
	ItemRoot string

	// Commands are compile command lines, indexed by Item.Command.
	Commands []string

	// Targets are build target names, indexed by Item.Target.
	Targets []string

	Items []Item

	// BuildStartTime is when the build started. Files stat'd after it
	// are not stat'd again. Zero means now.
	BuildStartTime time.Time

	// CommandsContainItemPath reports whether commands already name
	// the item's file.
	CommandsContainItemPath bool

	// ConcurrentTargets allows other processes to scan other targets
	// on the same store while the scanner runs. Callers must keep the
	// items of concurrent scans disjoint.
	ConcurrentTargets bool

	// FileTrackerRunning trusts persisted write times, kept current
	// by a file tracker.
	FileTrackerRunning bool

	// SubmitPreviousResults reports persisted results of up-to-date
	// items to Observer.
	SubmitPreviousResults bool

	// ResolveModules resolves the module graph after scanning.
	ResolveModules bool

	// Observer receives per-item results. May be nil.
	Observer Observer
}

// Check checks the config.
func (c *Config) Check() error {
	if c.ToolPath == "" {
		return fmt.Errorf("no tool path: %w", ErrConfig)
	}
	if c.DBDir == "" {
		return fmt.Errorf("no store dir: %w", ErrConfig)
	}
	if c.IntDir == "" {
		return fmt.Errorf("no intermediate dir: %w", ErrConfig)
	}
	if c.ItemRoot != "" && !filepath.IsAbs(c.ItemRoot) {
		return fmt.Errorf("item root must be absolute path: %q: %w", c.ItemRoot, ErrConfig)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("no targets: %w", ErrConfig)
	}
	for i, t := range c.Targets {
		if t == "" {
			return fmt.Errorf("target %d: empty name: %w", i, ErrConfig)
		}
	}
	for i, it := range c.Items {
		if it.Path == "" {
			return fmt.Errorf("item %d: empty path: %w", i, ErrConfig)
		}
		if it.Command < 0 || it.Command >= len(c.Commands) {
			return fmt.Errorf("item %d %s: command %d out of range [0,%d): %w", i, it.Path, it.Command, len(c.Commands), ErrConfig)
		}
		if it.Target < 0 || it.Target >= len(c.Targets) {
			return fmt.Errorf("item %d %s: target %d out of range [0,%d): %w", i, it.Path, it.Target, len(c.Targets), ErrConfig)
		}
	}
	return nil
}
