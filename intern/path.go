// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package intern

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"go.chromium.org/infra/build/depscan/store"
)

var (
	// ErrEscapesRoot is returned when ".." goes above the root.
	ErrEscapesRoot = errors.New("path escapes root")

	// ErrHomeAbbrev is returned for paths with "~".
	ErrHomeAbbrev = errors.New("paths with ~ are not supported")
)

// windowsPaths enables drive letters and '\\' separators.
var windowsPaths = runtime.GOOS == "windows"

const separator = '/'

func isSeparator(c byte) bool {
	return c == '/' || (windowsPaths && c == '\\')
}

// rootLen returns length of the root prefix of path, or 0 if path is relative.
func rootLen(path string) int {
	if path == "" {
		return 0
	}
	if isSeparator(path[0]) {
		return 1
	}
	if windowsPaths && len(path) >= 2 && path[1] == ':' {
		if len(path) >= 3 && isSeparator(path[2]) {
			return 3
		}
		return 2
	}
	return 0
}

// PathStore interns normalized absolute paths.
//
// A normalized path uses '/' as separator and has no "." or ".."
// components. Relative paths are resolved against the directory given
// to NewPathStore. Symlinks are not resolved.
type PathStore struct {
	t table

	// cwd is the normalized current directory followed by '/'.
	cwd []byte
	// cwdBounds are start offsets of cwd's components.
	cwdBounds []int

	buf    []byte
	bounds []int
}

// NewPathStore returns an empty path store resolving relative
// paths against cwd, which must be absolute.
func NewPathStore(cwd string) (*PathStore, error) {
	if rootLen(cwd) == 0 {
		return nil, fmt.Errorf("current directory must be absolute path: %q", cwd)
	}
	p := &PathStore{t: newTable(store.Paths)}
	buf, err := p.normalize(cwd)
	if err != nil {
		return nil, fmt.Errorf("current directory %q: %w", cwd, err)
	}
	p.cwd = append([]byte(nil), buf...)
	p.cwdBounds = append([]int(nil), p.bounds...)
	if p.cwd[len(p.cwd)-1] != separator {
		p.cwd = append(p.cwd, separator)
	}
	return p, nil
}

// Dir returns the normalized current directory.
func (p *PathStore) Dir() string {
	if len(p.cwdBounds) == 0 {
		return string(p.cwd)
	}
	return string(p.cwd[:len(p.cwd)-1])
}

// normalize writes the normalized form of path into p.buf and returns it.
// p.bounds holds the start offsets of its components.
// The result is valid until the next call.
func (p *PathStore) normalize(path string) ([]byte, error) {
	if strings.Contains(path, "~") {
		return nil, fmt.Errorf("%q: %w", path, ErrHomeAbbrev)
	}
	buf := p.buf[:0]
	bounds := p.bounds[:0]
	n := rootLen(path)
	switch {
	case n == 0:
		buf = append(buf, p.cwd...)
		bounds = append(bounds, p.cwdBounds...)
	case n == 1:
		buf = append(buf, separator)
	default:
		// drive letter.
		drive := path[0]
		if 'a' <= drive && drive <= 'z' {
			drive -= 'a' - 'A'
		}
		buf = append(buf, drive, ':', separator)
	}
	rootEnd := n
	if n == 0 {
		rootEnd = rootLen(string(p.cwd))
	} else if n == 2 {
		rootEnd = 3
	}
	rest := path[n:]
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && !isSeparator(rest[i]) {
			i++
		}
		comp := rest[:i]
		rest = rest[i:]
		if len(rest) > 0 {
			rest = rest[1:]
		}
		switch comp {
		case "", ".":
		case "..":
			if len(bounds) == 0 {
				p.buf, p.bounds = buf, bounds
				return nil, fmt.Errorf("%q: %w", path, ErrEscapesRoot)
			}
			buf = buf[:bounds[len(bounds)-1]]
			bounds = bounds[:len(bounds)-1]
		default:
			bounds = append(bounds, len(buf))
			buf = append(buf, comp...)
			buf = append(buf, separator)
		}
	}
	if len(buf) > rootEnd {
		buf = buf[:len(buf)-1]
	}
	p.buf, p.bounds = buf, bounds
	return buf, nil
}

// Normalize returns the normalized form of path.
func (p *PathStore) Normalize(path string) (string, error) {
	buf, err := p.normalize(path)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Intern returns the id of path, assigning a new id on first sight.
// All spellings of a path get the same id.
// Empty path is the current directory.
func (p *PathStore) Intern(path string) (store.FileID, error) {
	buf, err := p.normalize(path)
	if err != nil {
		return 0, err
	}
	return store.FileID(p.t.add(buf)), nil
}

// Lookup returns the id of path if it was interned.
func (p *PathStore) Lookup(path string) (store.FileID, bool, error) {
	buf, err := p.normalize(path)
	if err != nil {
		return 0, false, err
	}
	id, ok := p.t.lookup(buf)
	return store.FileID(id), ok, nil
}

// Path returns the normalized path of id, or "" for an unknown id.
func (p *PathStore) Path(id store.FileID) string { return p.t.text(uint32(id)) }

// Len returns the number of known paths.
func (p *PathStore) Len() int { return len(p.t.spans) - 1 }

// DBMax returns the largest persisted id as of the last load or commit.
func (p *PathStore) DBMax() store.FileID { return store.FileID(p.t.dbMax) }

// Load bulk-loads persisted paths added since the last load.
func (p *PathStore) Load(ctx context.Context, txn *store.Txn) error {
	return p.t.load(ctx, txn)
}

// Commit persists paths interned since the last load or commit.
func (p *PathStore) Commit(ctx context.Context, txn *store.Txn) error {
	return p.t.commit(ctx, txn)
}
