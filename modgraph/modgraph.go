// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package modgraph resolves module imports to the items exporting them,
// and computes transitive imports of each item.
package modgraph

import (
	"fmt"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// StdModule is the standard library module.
const StdModule = "std"

// IsStdModule reports whether name is the standard library module or one
// of its parts, e.g. std.core or std.compat. Imports of them are not
// resolved to items.
func IsStdModule(name string) bool {
	return name == StdModule || strings.HasPrefix(name, StdModule+".")
}

// Node is a scanned item.
type Node struct {
	// Name names the item in errors, e.g. its path.
	Name string

	// Group is the build target of the item.
	// Modules and header units resolve within a group.
	Group string

	// Export is the module the item exports, or "".
	Export string

	Imports []string

	// HeaderUnit reports whether the item is a header unit.
	HeaderUnit bool

	// HeaderUnits are names of imported header-unit items.
	HeaderUnits []string
}

// DuplicateExportError is returned when two items export one module.
type DuplicateExportError struct {
	Module        string
	First, Second string
}

func (e *DuplicateExportError) Error() string {
	return fmt.Sprintf("duplicate module %q exported by %s and %s", e.Module, e.First, e.Second)
}

// UnresolvedImportError is returned when no item exports an import.
type UnresolvedImportError struct {
	Importer string
	Module   string
}

func (e *UnresolvedImportError) Error() string {
	return fmt.Sprintf("%s: imported module %q not found", e.Importer, e.Module)
}

type key struct {
	group, name string
}

// Graph is a resolved module graph.
type Graph struct {
	nodes  []Node
	direct [][]int
}

// Resolve resolves imports of nodes.
// It reports every duplicate export and unresolved import in an
// errors.MultiError.
func Resolve(nodes []Node) (*Graph, error) {
	exporters := make(map[key]int)
	headerUnits := make(map[key]int)
	var merr errors.MultiError
	for i, n := range nodes {
		if n.HeaderUnit {
			headerUnits[key{n.Group, n.Name}] = i
		}
		if n.Export == "" {
			continue
		}
		k := key{n.Group, n.Export}
		if first, ok := exporters[k]; ok {
			merr = append(merr, &DuplicateExportError{
				Module: n.Export,
				First:  nodes[first].Name,
				Second: n.Name,
			})
			continue
		}
		exporters[k] = i
	}
	g := &Graph{
		nodes:  nodes,
		direct: make([][]int, len(nodes)),
	}
	for i, n := range nodes {
		seen := make(map[int]bool)
		add := func(j int) {
			if j == i || seen[j] {
				return
			}
			seen[j] = true
			g.direct[i] = append(g.direct[i], j)
		}
		for _, m := range n.Imports {
			if IsStdModule(m) {
				continue
			}
			j, ok := exporters[key{n.Group, m}]
			if !ok {
				merr = append(merr, &UnresolvedImportError{Importer: n.Name, Module: m})
				continue
			}
			add(j)
		}
		for _, h := range n.HeaderUnits {
			j, ok := headerUnits[key{n.Group, h}]
			if !ok {
				merr = append(merr, &UnresolvedImportError{Importer: n.Name, Module: h})
				continue
			}
			add(j)
		}
	}
	if err := merr.AsError(); err != nil {
		return nil, err
	}
	return g, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the i-th node.
func (g *Graph) Node(i int) Node { return g.nodes[i] }

// Direct returns the items i imports directly.
func (g *Graph) Direct(i int) []int { return g.direct[i] }

// Imports returns the items i imports directly or indirectly,
// in breadth-first order without duplicates.
func (g *Graph) Imports(i int) []int {
	seen := make([]bool, len(g.nodes))
	seen[i] = true
	var result []int
	queue := []int{i}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, j := range g.direct[n] {
			if seen[j] {
				continue
			}
			seen[j] = true
			result = append(result, j)
			queue = append(queue, j)
		}
	}
	return result
}
