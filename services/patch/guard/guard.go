// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard decides whether a path may be edited at all: it normalizes
// caller paths, enforces the directory allow-list, and rejects binary files.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sentinel errors for the guard package.
var (
	// ErrEmptyPath indicates an empty path was supplied.
	ErrEmptyPath = errors.New("Empty path provided")

	// ErrNotAllowed indicates the path is outside every allowed directory.
	ErrNotAllowed = errors.New("not in allowed directories")

	// ErrFileNotFound indicates the path does not name a regular file.
	ErrFileNotFound = errors.New("file does not exist")

	// ErrBinaryFile indicates the path has a binary file extension.
	ErrBinaryFile = errors.New("binary file")

	// ErrNoAllowedDirs indicates an allow-list with no entries.
	ErrNoAllowedDirs = errors.New("at least one allowed directory is required")
)

// PathError reports a rejected path with the message shown to the caller.
type PathError struct {
	Err  error
	Path string
	Msg  string
}

// Error implements the error interface.
func (e *PathError) Error() string {
	return e.Msg
}

// Unwrap returns the sentinel.
func (e *PathError) Unwrap() error {
	return e.Err
}

// NormalizePath turns a caller-supplied path into a clean absolute path.
//
// Description:
//
//	Accepts forward slashes, Windows backslashes, escaped backslashes and
//	mixtures of them. Relative paths resolve against the working directory.
//	Symlinks are resolved when the target exists so that allow-list checks
//	see the real location.
//
// Outputs:
//
//	string - The absolute path.
//	error - ErrEmptyPath, or an error resolving the working directory.
func NormalizePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", ErrEmptyPath
	}

	if filepath.Separator == '/' {
		for strings.Contains(p, `\\`) {
			p = strings.ReplaceAll(p, `\\`, `\`)
		}
		p = strings.ReplaceAll(p, `\`, "/")
	}

	abs, err := filepath.Abs(filepath.FromSlash(p))
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

// CheckRegularFile verifies path names an existing regular file. display is
// the path as the caller wrote it.
func CheckRegularFile(path, display string) error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return &PathError{
			Err:  ErrFileNotFound,
			Path: display,
			Msg:  fmt.Sprintf("File %s does not exist", display),
		}
	}
	return nil
}

// =============================================================================
// ALLOW-LIST
// =============================================================================

// AllowList is the set of directories edits may touch.
//
// Thread Safety: Immutable after creation; safe for concurrent use.
type AllowList struct {
	dirs []string
}

// NewAllowList normalizes dirs and builds an allow-list.
func NewAllowList(dirs []string) (*AllowList, error) {
	if len(dirs) == 0 {
		return nil, ErrNoAllowedDirs
	}
	a := &AllowList{dirs: make([]string, 0, len(dirs))}
	for _, d := range dirs {
		norm, err := NormalizePath(d)
		if err != nil {
			return nil, fmt.Errorf("allowed directory %q: %w", d, err)
		}
		a.dirs = append(a.dirs, norm)
	}
	return a, nil
}

// Dirs returns the normalized directories.
func (a *AllowList) Dirs() []string {
	return append([]string(nil), a.dirs...)
}

// Contains reports whether path is one of the directories or inside one.
// Matching is by path component, so /srv/app does not admit /srv/apple.
func (a *AllowList) Contains(path string) bool {
	for _, d := range a.dirs {
		rel, err := filepath.Rel(d, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// Check returns a *PathError wrapping ErrNotAllowed when path is outside
// the allow-list. display is the path as the caller wrote it.
func (a *AllowList) Check(path, display string) error {
	if a.Contains(path) {
		return nil
	}
	return &PathError{
		Err:  ErrNotAllowed,
		Path: display,
		Msg:  fmt.Sprintf("File %s is not in allowed directories", display),
	}
}
