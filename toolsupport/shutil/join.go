// Copyright 2023 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package shutil

import "strings"

// Join joins a command line args to a single string.
// Args are double-quoted if needed, so Split(Join(args)) returns args.
func Join(args []string) string {
	var sb strings.Builder
	for i, arg := range args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(Quote(arg))
	}
	return sb.String()
}

// Quote quotes arg for a shell command line if needed.
func Quote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n\"'\\;&|<>$#`()*?[]{}~") {
		return arg
	}
	var sb strings.Builder
	sb.WriteByte('"')
	for _, ch := range arg {
		switch ch {
		case '"', '\\', '$', '`':
			sb.WriteByte('\\')
		}
		sb.WriteRune(ch)
	}
	sb.WriteByte('"')
	return sb.String()
}
