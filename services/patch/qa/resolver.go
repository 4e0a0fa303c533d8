// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package qa

import (
	"os"
	"path/filepath"
	"runtime"
)

// Interpreter describes the environment tools run in.
type Interpreter struct {
	// Python is the interpreter executable. Empty when none was found.
	Python string

	// BinDir holds console scripts installed next to Python.
	BinDir string
}

// ToolSpec describes how to invoke one tool.
type ToolSpec struct {
	// Binary is the console script name, e.g. "ruff".
	Binary string `yaml:"binary"`

	// Module is the name used with "python -m".
	Module string `yaml:"module"`

	// Args come before the file path.
	Args []string `yaml:"args"`
}

// DefaultSpecs returns the stock invocation for every tool.
func DefaultSpecs() map[Tool]ToolSpec {
	return map[Tool]ToolSpec{
		ToolRuff:  {Binary: "ruff", Module: "ruff", Args: []string{"check", "--fix"}},
		ToolBlack: {Binary: "black", Module: "black", Args: []string{"--quiet"}},
		ToolMypy:  {Binary: "mypy", Module: "mypy", Args: []string{"--no-color-output", "--no-error-summary"}},
	}
}

// Resolver turns a tool and an interpreter into a command.
//
// The pipeline only sees the returned Command, so how executables are found
// is entirely the resolver's business.
type Resolver interface {
	Resolve(tool Tool, interp Interpreter, file string) (Command, error)
}

// VenvResolver prefers a console script in the interpreter's bin directory
// and falls back to "python -m <module>".
//
// Thread Safety: Safe for concurrent use.
type VenvResolver struct {
	specs  map[Tool]ToolSpec
	exists func(path string) bool
}

// NewVenvResolver creates a resolver. Specs missing from overrides use the
// defaults.
func NewVenvResolver(overrides map[Tool]ToolSpec) *VenvResolver {
	specs := DefaultSpecs()
	for t, s := range overrides {
		base := specs[t]
		if s.Binary != "" {
			base.Binary = s.Binary
		}
		if s.Module != "" {
			base.Module = s.Module
		}
		if s.Args != nil {
			base.Args = s.Args
		}
		specs[t] = base
	}
	return &VenvResolver{specs: specs, exists: isExecutableFile}
}

// Resolve implements Resolver.
func (r *VenvResolver) Resolve(tool Tool, interp Interpreter, file string) (Command, error) {
	spec, ok := r.specs[tool]
	if !ok {
		return Command{}, &ToolError{Tool: tool, Err: ErrCommandStart}
	}

	args := append(append([]string{}, spec.Args...), file)
	dir := filepath.Dir(file)

	if interp.BinDir != "" && spec.Binary != "" {
		candidate := filepath.Join(interp.BinDir, spec.Binary)
		if runtime.GOOS == "windows" {
			candidate += ".exe"
		}
		if r.exists(candidate) {
			return Command{Path: candidate, Args: args, Dir: dir}, nil
		}
	}

	if interp.Python == "" {
		return Command{}, &ToolError{Tool: tool, Err: ErrNoInterpreter}
	}
	return Command{
		Path: interp.Python,
		Args: append([]string{"-m", spec.Module}, args...),
		Dir:  dir,
	}, nil
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return runtime.GOOS == "windows" || info.Mode()&0o111 != 0
}
