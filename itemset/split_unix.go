// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build !windows

package itemset

import (
	"errors"
	"fmt"

	"go.chromium.org/infra/build/depscan/toolsupport/shutil"
)

// splitCommand splits a compilation database command the way
// sh passes it to the compiler.
func splitCommand(cmdline string) ([]string, error) {
	args, err := shutil.Split(cmdline)
	if errors.Is(err, shutil.ErrUnsupported) {
		return nil, fmt.Errorf("command needs a shell, use \"arguments\": %w", err)
	}
	return args, err
}
