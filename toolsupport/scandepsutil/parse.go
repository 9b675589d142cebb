// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package scandepsutil runs a clang-scan-deps style dependency scanner
// and parses its output.
package scandepsutil

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/charmbracelet/log"
)

// Output protocol of the scanner, one entry per line:
//
//	:::: <pos>      starts results of compilation database entry <pos>
//	:exp <module>   the item exports <module>
//	:imp <module>   the item imports <module>
//	:err <message>  the item failed to scan
//	<path>          the item depends on <path>
//
// The scanner may echo the item's own file; that line is ignored.
const (
	itemPrefix   = ":::: "
	exportPrefix = ":exp "
	importPrefix = ":imp "
	errorPrefix  = ":err "
)

const maxLineSize = 16 << 20

// Handler receives parsed scanner output.
type Handler interface {
	// StartItem starts results of entry pos.
	// It returns false if pos is unknown; its lines are skipped.
	StartItem(pos int) bool

	Export(module string)
	Import(module string)
	Dep(path string)
	Fail(msg string)

	// EndItem ends results of the current item.
	EndItem()
}

// Parse parses scanner output from r.
// files are the files of the compilation database entries, used to drop
// echoed lines.
// It returns the position of the item still open at the end of output,
// or -1.
func Parse(r io.Reader, files []string, h Handler) (int, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	cur := -1
	skip := false
	for s.Scan() {
		line := bytes.TrimRight(s.Bytes(), "\r")
		if rest, ok := bytes.CutPrefix(line, []byte(itemPrefix)); ok {
			if cur >= 0 {
				h.EndItem()
			}
			cur = -1
			skip = true
			pos, err := strconv.Atoi(string(bytes.TrimSpace(rest)))
			if err != nil || pos < 0 || pos >= len(files) {
				log.Warnf("scanner output for unknown entry %q", rest)
				continue
			}
			if !h.StartItem(pos) {
				continue
			}
			cur = pos
			skip = false
			continue
		}
		if skip || len(line) == 0 {
			continue
		}
		if cur < 0 {
			log.Warnf("scanner output before any entry: %q", line)
			continue
		}
		switch {
		case bytes.HasPrefix(line, []byte(exportPrefix)):
			h.Export(string(bytes.TrimSpace(line[len(exportPrefix):])))
		case bytes.HasPrefix(line, []byte(importPrefix)):
			h.Import(string(bytes.TrimSpace(line[len(importPrefix):])))
		case bytes.HasPrefix(line, []byte(errorPrefix)):
			h.Fail(string(line[len(errorPrefix):]))
		default:
			if string(line) == files[cur] {
				continue
			}
			h.Dep(string(line))
		}
	}
	if cur >= 0 {
		h.EndItem()
	}
	return cur, s.Err()
}
