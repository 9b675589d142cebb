// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scanner

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// BlockKind is the kind of a DataBlock.
type BlockKind uint8

const (
	// BlockString is plain text.
	BlockString BlockKind = iota

	// BlockIndexed is the first occurrence of a text,
	// entered in the table at Index.
	BlockIndexed

	// BlockIndexRef refers to text entered at Index earlier.
	BlockIndexRef

	// BlockRaw is text that is not valid UTF-8.
	BlockRaw
)

func (k BlockKind) String() string {
	switch k {
	case BlockString:
		return "string"
	case BlockIndexed:
		return "indexed"
	case BlockIndexRef:
		return "index-ref"
	case BlockRaw:
		return "raw"
	}
	return fmt.Sprintf("BlockKind(%d)", uint8(k))
}

// DataBlock is a text passed to an Observer.
type DataBlock struct {
	Kind BlockKind

	// Text is set for BlockString and BlockIndexed.
	Text string

	// Index is set for BlockIndexed and BlockIndexRef.
	Index int

	// Raw is set for BlockRaw.
	Raw []byte
}

// Observer receives scan results in item order.
//
// For each item, ResultsForItem is called, then its dependencies if
// known, then ItemFinished.
type Observer interface {
	ResultsForItem(idx int, outOfDate bool)
	ExportModule(name DataBlock)
	ImportModule(name DataBlock)
	IncludeHeader(path DataBlock)
	ImportHeader(path DataBlock)
	OtherFileDep(path DataBlock)
	ItemFinished()
}

// blockTable makes DataBlocks, sending each path text once.
type blockTable struct {
	index map[string]int
}

func (t *blockTable) text(s string) DataBlock {
	if !utf8.ValidString(s) {
		return DataBlock{Kind: BlockRaw, Raw: []byte(s)}
	}
	return DataBlock{Kind: BlockString, Text: s}
}

func (t *blockTable) indexed(s string) DataBlock {
	if !utf8.ValidString(s) {
		return DataBlock{Kind: BlockRaw, Raw: []byte(s)}
	}
	if i, ok := t.index[s]; ok {
		return DataBlock{Kind: BlockIndexRef, Index: i}
	}
	if t.index == nil {
		t.index = make(map[string]int)
	}
	i := len(t.index)
	t.index[s] = i
	return DataBlock{Kind: BlockIndexed, Index: i, Text: s}
}

// headerExts are extensions of files reported by IncludeHeader.
// Files without extension (e.g. <vector>) are headers too.
var headerExts = map[string]bool{
	"":     true,
	".h":   true,
	".hh":  true,
	".hpp": true,
	".hxx": true,
	".h++": true,
	".inc": true,
	".inl": true,
	".ipp": true,
	".tcc": true,
}

func isHeader(fname string) bool {
	return headerExts[strings.ToLower(path.Ext(fname))]
}

// ItemDeps is the dependency data of an item collected by Collector.
type ItemDeps struct {
	Index          int      `json:"index"`
	OutOfDate      bool     `json:"out_of_date"`
	Export         string   `json:"export,omitempty"`
	Imports        []string `json:"imports,omitempty"`
	IncludeHeaders []string `json:"include_headers,omitempty"`
	ImportHeaders  []string `json:"import_headers,omitempty"`
	OtherDeps      []string `json:"other_deps,omitempty"`
}

// Collector is an Observer collecting results per item.
type Collector struct {
	Items []ItemDeps

	table []string
	cur   *ItemDeps
}

var _ Observer = (*Collector)(nil)

func (c *Collector) resolve(b DataBlock) string {
	switch b.Kind {
	case BlockString:
		return b.Text
	case BlockIndexed:
		if b.Index != len(c.table) {
			panic(fmt.Sprintf("indexed block %d, want %d", b.Index, len(c.table)))
		}
		c.table = append(c.table, b.Text)
		return b.Text
	case BlockIndexRef:
		if b.Index < 0 || b.Index >= len(c.table) {
			panic(fmt.Sprintf("index ref %d out of range [0,%d)", b.Index, len(c.table)))
		}
		return c.table[b.Index]
	case BlockRaw:
		return string(b.Raw)
	default:
		panic(fmt.Sprintf("unknown block kind %v", b.Kind))
	}
}

func (c *Collector) current() *ItemDeps {
	if c.cur == nil {
		panic("results outside of item")
	}
	return c.cur
}

func (c *Collector) ResultsForItem(idx int, outOfDate bool) {
	c.Items = append(c.Items, ItemDeps{Index: idx, OutOfDate: outOfDate})
	c.cur = &c.Items[len(c.Items)-1]
}

func (c *Collector) ExportModule(name DataBlock) {
	c.current().Export = c.resolve(name)
}

func (c *Collector) ImportModule(name DataBlock) {
	cur := c.current()
	cur.Imports = append(cur.Imports, c.resolve(name))
}

func (c *Collector) IncludeHeader(path DataBlock) {
	cur := c.current()
	cur.IncludeHeaders = append(cur.IncludeHeaders, c.resolve(path))
}

func (c *Collector) ImportHeader(path DataBlock) {
	cur := c.current()
	cur.ImportHeaders = append(cur.ImportHeaders, c.resolve(path))
}

func (c *Collector) OtherFileDep(path DataBlock) {
	cur := c.current()
	cur.OtherDeps = append(cur.OtherDeps, c.resolve(path))
}

func (c *Collector) ItemFinished() {
	c.current()
	c.cur = nil
}
