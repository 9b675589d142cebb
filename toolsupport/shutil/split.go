// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shutil splits and joins POSIX shell command lines.
package shutil

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned by Split for command lines that need
// a shell to run, e.g. pipelines or env overrides.
var ErrUnsupported = errors.New("unsupported shell command line")

// Split splits a command line.
// It handles quotes and backslash escapes, and returns ErrUnsupported
// for complicated pipe line.
func Split(cmdline string) ([]string, error) {
	var args []string
	var sb strings.Builder
	// inarg is true once the current arg started, so "" makes an empty arg.
	inarg := false
	const (
		plain = iota
		dquote
		squote
	)
	state := plain
	escaped := false
	for _, ch := range cmdline {
		if escaped {
			if state == dquote && !strings.ContainsRune("\"\\$`", ch) {
				sb.WriteByte('\\')
			}
			sb.WriteRune(ch)
			escaped = false
			continue
		}
		switch state {
		case squote:
			if ch == '\'' {
				state = plain
				continue
			}
			sb.WriteRune(ch)
			continue
		case dquote:
			switch ch {
			case '"':
				state = plain
			case '\\':
				escaped = true
			default:
				sb.WriteRune(ch)
			}
			continue
		}
		switch ch {
		case '\\':
			inarg = true
			escaped = true
		case '"':
			inarg = true
			state = dquote
		case '\'':
			inarg = true
			state = squote
		case ' ', '\t', '\n':
			if inarg {
				args = append(args, sb.String())
				sb.Reset()
				inarg = false
			}
		case ';', '&', '|', '<', '>', '$', '#', '`':
			return nil, fmt.Errorf("cmdline contains shell metachar %c: %w", ch, ErrUnsupported)
		default:
			inarg = true
			sb.WriteRune(ch)
		}
	}
	switch {
	case escaped:
		return nil, fmt.Errorf("cmdline ends with backslash")
	case state != plain:
		return nil, fmt.Errorf("cmdline has unterminated quote")
	}
	if inarg {
		args = append(args, sb.String())
	}
	if len(args) >= 1 && strings.Contains(args[0], "=") {
		// if initial args contains =, it would set env var and need to invoke via sh
		return nil, fmt.Errorf("argv[0] is env set %q: %w", args[0], ErrUnsupported)
	}
	return args, nil
}
