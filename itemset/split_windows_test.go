// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build windows

package itemset

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitCommand(t *testing.T) {
	for _, tc := range []struct {
		name    string
		cmdline string
		want    []string
	}{
		{
			name:    "simple",
			cmdline: `..\..\third_party\llvm-build\Release+Asserts\bin\clang-cl.exe /std:c++20 /c foo.cc`,
			want: []string{
				`..\..\third_party\llvm-build\Release+Asserts\bin\clang-cl.exe`,
				"/std:c++20",
				"/c",
				"foo.cc",
			},
		},
		{
			name:    "long",
			cmdline: `clang-cl.exe /c foo.cc /D` + strings.Repeat("a", 8192),
			want: []string{
				"clang-cl.exe",
				"/c",
				"foo.cc",
				"/D" + strings.Repeat("a", 8192),
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := splitCommand(tc.cmdline)
			if err != nil {
				t.Fatalf("splitCommand(%q)=%q, %v; want nil err", tc.cmdline, got, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("splitCommand(%q) -want +got:\n%s", tc.cmdline, diff)
			}
		})
	}
}
