// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package venv locates the Python virtual environment that owns a file.
package venv

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/AleutianAI/patchmcp/services/patch/qa"
)

// DefaultMaxDepth is how many parent directories the finder climbs.
const DefaultMaxDepth = 10

// DirNames are the environment directory names checked at each level, in
// priority order.
var DirNames = []string{".venv", "venv"}

// Finder discovers interpreters by walking up from a file.
//
// Thread Safety: Immutable after creation; safe for concurrent use.
type Finder struct {
	maxDepth int
	goos     string
	exclude  map[string]struct{}
	exists   func(path string) bool
}

// Option configures a Finder.
type Option func(*Finder)

// WithMaxDepth sets how many levels above the file's directory are searched.
func WithMaxDepth(n int) Option {
	return func(f *Finder) {
		if n >= 0 {
			f.maxDepth = n
		}
	}
}

// WithExclude skips environments whose interpreter is one of paths. The host
// passes its own interpreter here so tools never run inside the server's
// environment.
func WithExclude(paths ...string) Option {
	return func(f *Finder) {
		for _, p := range paths {
			if p != "" {
				f.exclude[canonical(p)] = struct{}{}
			}
		}
	}
}

// withOS overrides the target operating system. Test hook.
func withOS(goos string) Option {
	return func(f *Finder) { f.goos = goos }
}

// NewFinder creates a Finder.
func NewFinder(opts ...Option) *Finder {
	f := &Finder{
		maxDepth: DefaultMaxDepth,
		goos:     runtime.GOOS,
		exclude:  make(map[string]struct{}),
		exists:   isFile,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Find returns the interpreter for file.
//
// Description:
//
//	Starting at the file's directory, checks each of DirNames for a python
//	executable, then moves to the parent. The starting directory plus at most
//	maxDepth ancestors are inspected. The first hit wins.
//
// Outputs:
//
//	qa.Interpreter - The interpreter and its script directory.
//	bool - False when no environment was found.
func (f *Finder) Find(file string) (qa.Interpreter, bool) {
	dir := filepath.Dir(file)
	for level := 0; level <= f.maxDepth; level++ {
		for _, name := range DirNames {
			root := filepath.Join(dir, name)
			python := f.pythonPath(root)
			if !f.exists(python) {
				continue
			}
			if _, skip := f.exclude[canonical(python)]; skip {
				slog.Debug("Skipping excluded environment", slog.String("venv", root))
				continue
			}
			return qa.Interpreter{Python: python, BinDir: filepath.Dir(python)}, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return qa.Interpreter{}, false
}

// pythonPath returns the interpreter location inside a venv root.
func (f *Finder) pythonPath(root string) string {
	if f.goos == "windows" {
		return filepath.Join(root, "Scripts", "python.exe")
	}
	return filepath.Join(root, "bin", "python")
}

func canonical(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(resolved, filepath.Base(abs))
	}
	return abs
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
