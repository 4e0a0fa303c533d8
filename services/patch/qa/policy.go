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
	"path/filepath"
	"strings"
)

// UnfixablePredicate reports whether linter output describes problems the
// linter cannot fix on its own. When it returns true the pipeline stops
// right after the lint step.
type UnfixablePredicate func(out Output) bool

// DefaultUnfixable matches "unfixable" anywhere in stdout or stderr,
// ignoring case.
func DefaultUnfixable(out Output) bool {
	return strings.Contains(strings.ToLower(out.Stdout+"\n"+out.Stderr), "unfixable")
}

// classify maps a finished process to a status.
//
// A clean exit passes even with stderr output. Ruff and black use exit
// code 1 for "issues remain" and "reformat failed on some input", which are
// reported as warnings; any other non-zero exit is a failure. Mypy exits 1
// when it finds type errors, which is a failure.
func classify(tool Tool, out Output, unfixable bool) Status {
	if out.ExitCode == 0 {
		return StatusPassed
	}
	switch tool {
	case ToolRuff:
		if unfixable || out.ExitCode != 1 {
			return StatusFailed
		}
		return StatusWarnings
	case ToolBlack:
		if out.ExitCode == 1 {
			return StatusWarnings
		}
		return StatusFailed
	default:
		return StatusFailed
	}
}

// IsTestPath reports whether path looks like a test file: a "tests"
// directory component or a base name starting with "test_".
func IsTestPath(path string) bool {
	clean := filepath.ToSlash(filepath.Clean(path))
	parts := strings.Split(clean, "/")
	for _, p := range parts[:len(parts)-1] {
		if p == "tests" {
			return true
		}
	}
	base := parts[len(parts)-1]
	return strings.HasPrefix(base, "test_")
}

// IsQAFile reports whether path has one of the given extensions. Matching
// ignores case.
func IsQAFile(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, e := range extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
