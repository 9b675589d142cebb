// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scandepsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.chromium.org/infra/build/depscan/toolsupport/shutil"
)

// CompilationDatabaseFilename is the file name of the compilation
// database written in the intermediate directory.
const CompilationDatabaseFilename = "pp_commands.json"

// CompileCommand is an entry of a compilation database.
type CompileCommand struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Command   string   `json:"command,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
}

// CommandLine returns the command line of c.
// Arguments are quoted if Command is empty.
func (c CompileCommand) CommandLine() string {
	if c.Command != "" || len(c.Arguments) == 0 {
		return c.Command
	}
	return shutil.Join(c.Arguments)
}

// WithFile returns cmdline with the file appended,
// unless the command line already names the file.
func WithFile(cmdline, file string, containsFile bool) string {
	if containsFile {
		return cmdline
	}
	return cmdline + " " + shutil.Quote(file)
}

// WriteCompilationDatabase writes cmds to fname as a JSON
// compilation database.
func WriteCompilationDatabase(fname string, cmds []CompileCommand) error {
	buf, err := json.MarshalIndent(cmds, "", " ")
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(fname), 0755)
	if err != nil {
		return err
	}
	tmpname := fname + ".tmp"
	err = os.WriteFile(tmpname, buf, 0644)
	if err != nil {
		return err
	}
	return os.Rename(tmpname, fname)
}

// ReadCompilationDatabase reads a JSON compilation database.
func ReadCompilationDatabase(fname string) ([]CompileCommand, error) {
	buf, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	var cmds []CompileCommand
	err = json.Unmarshal(buf, &cmds)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fname, err)
	}
	for i, c := range cmds {
		if c.File == "" {
			return nil, fmt.Errorf("%s: entry %d: no file", fname, i)
		}
		if c.CommandLine() == "" {
			return nil, fmt.Errorf("%s: entry %d (%s): no command", fname, i, c.File)
		}
	}
	return cmds, nil
}
