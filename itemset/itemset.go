// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package itemset loads scan items from a compilation database or
// an item set file.
package itemset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"

	"go.chromium.org/infra/build/depscan/scanner"
	"go.chromium.org/infra/build/depscan/toolsupport/scandepsutil"
	"go.chromium.org/infra/build/depscan/toolsupport/shutil"
)

// Set is a set of scan items with their commands and targets.
type Set struct {
	// Root is the directory item paths are relative to, and commands run in.
	Root string

	// Commands are command lines without the item's file.
	Commands []string
	Targets  []string
	Items    []scanner.Item
}

// file is the JSON form of an item set file.
//
//	{
//	  "root": "/src/out",
//	  "commands": ["clang++ -std=c++20 -I../.."],
//	  "targets": ["base"],
//	  "items": [{"path": "../../base/a.cc", "command": 0, "target": 0}]
//	}
type file struct {
	Root     string   `json:"root"`
	Commands []string `json:"commands"`
	Targets  []string `json:"targets"`
	Items    []struct {
		Path       string `json:"path"`
		Command    int    `json:"command"`
		Target     int    `json:"target"`
		HeaderUnit bool   `json:"header_unit,omitempty"`
	} `json:"items"`
}

// Load loads an item set file.
// A relative root is relative to the directory of fname.
func Load(fname string) (*Set, error) {
	buf, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	var f file
	err = json.Unmarshal(buf, &f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fname, err)
	}
	root := f.Root
	if !filepath.IsAbs(root) {
		dir, err := filepath.Abs(filepath.Dir(fname))
		if err != nil {
			return nil, err
		}
		root = filepath.Join(dir, root)
	}
	s := &Set{
		Root:     root,
		Commands: f.Commands,
		Targets:  f.Targets,
	}
	for _, it := range f.Items {
		s.Items = append(s.Items, scanner.Item{
			Path:       it.Path,
			Command:    it.Command,
			Target:     it.Target,
			HeaderUnit: it.HeaderUnit,
		})
	}
	return s, nil
}

// FromCompilationDatabase makes a set of all entries of a compilation
// database under target.
// Entries must share one directory. The file and its -o output are
// removed from commands, so entries with the same flags share a command.
func FromCompilationDatabase(fname, target string) (*Set, error) {
	cmds, err := scandepsutil.ReadCompilationDatabase(fname)
	if err != nil {
		return nil, err
	}
	s := &Set{Targets: []string{target}}
	cmdIndex := make(map[string]int)
	for i, c := range cmds {
		dir := c.Directory
		if dir == "" {
			dir = filepath.Dir(fname)
		}
		if s.Root == "" {
			s.Root, err = filepath.Abs(dir)
			if err != nil {
				return nil, err
			}
		} else if d, _ := filepath.Abs(dir); d != s.Root {
			return nil, fmt.Errorf("%s: entry %d (%s): directory %s differs from %s", fname, i, c.File, d, s.Root)
		}
		args := c.Arguments
		if len(args) == 0 {
			args, err = splitCommand(c.Command)
			if err != nil {
				return nil, fmt.Errorf("%s: entry %d (%s): %w", fname, i, c.File, err)
			}
		}
		cmdline := shutil.Join(withoutFile(args, c.File))
		idx, ok := cmdIndex[cmdline]
		if !ok {
			idx = len(s.Commands)
			cmdIndex[cmdline] = idx
			s.Commands = append(s.Commands, cmdline)
		}
		s.Items = append(s.Items, scanner.Item{
			Path:    c.File,
			Command: idx,
		})
	}
	log.Debugf("%s: %d entries, %d distinct commands", fname, len(s.Items), len(s.Commands))
	return s, nil
}

func withoutFile(args []string, fname string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == fname:
			continue
		case arg == "-o" && i+1 < len(args):
			i++
			continue
		case strings.HasPrefix(arg, "-o") && len(arg) > 2, strings.HasPrefix(arg, "/Fo"):
			continue
		}
		out = append(out, arg)
	}
	return out
}

// rel returns the slash-separated path of p matched by patterns.
func (s *Set) rel(p string) string {
	if filepath.IsAbs(p) {
		r, err := filepath.Rel(s.Root, p)
		if err == nil && !strings.HasPrefix(r, "..") {
			p = r
		}
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// Filter keeps items whose path matches the doublestar pattern.
// Paths under Root are matched relative to it.
func (s *Set) Filter(pattern string) error {
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("bad pattern %q", pattern)
	}
	items := s.Items[:0]
	for _, it := range s.Items {
		if doublestar.MatchUnvalidated(pattern, s.rel(it.Path)) {
			items = append(items, it)
		}
	}
	log.Debugf("filter %q: %d/%d items", pattern, len(items), len(s.Items))
	s.Items = items
	return nil
}

// MarkHeaderUnits marks items whose path matches the doublestar
// pattern as header units. It returns the number of matched items.
func (s *Set) MarkHeaderUnits(pattern string) (int, error) {
	if !doublestar.ValidatePattern(pattern) {
		return 0, fmt.Errorf("bad pattern %q", pattern)
	}
	n := 0
	for i := range s.Items {
		if doublestar.MatchUnvalidated(pattern, s.rel(s.Items[i].Path)) {
			s.Items[i].HeaderUnit = true
			n++
		}
	}
	return n, nil
}

// Paths returns paths of items.
func (s *Set) Paths() []string {
	paths := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		paths = append(paths, it.Path)
	}
	return paths
}

// Config returns a scan config of the set.
func (s *Set) Config() scanner.Config {
	return scanner.Config{
		ItemRoot: s.Root,
		Commands: s.Commands,
		Targets:  s.Targets,
		Items:    s.Items,
	}
}
