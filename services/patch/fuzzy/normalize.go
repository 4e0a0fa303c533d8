// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fuzzy

import (
	"regexp"
	"strings"
)

var blankRun = regexp.MustCompile(`[ \t]+`)

// Normalize canonicalizes text for whitespace-insensitive comparison.
//
// Line endings become "\n", runs of spaces and tabs collapse to one space,
// each line is trimmed, and leading and trailing blank lines are dropped.
// Interior blank lines are kept.
func Normalize(text string) string {
	return joinLines(normalizeLines(splitLines(text)))
}

// normalizeLines applies Normalize to pre-split lines.
func normalizeLines(lines []string) []string {
	return trimBlank(normalizeEach(lines))
}

// normalizeEach normalizes each line without dropping blank edges, so
// indexes still line up with the file.
func normalizeEach(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = strings.TrimSpace(blankRun.ReplaceAllString(line, " "))
	}
	return out
}

// trimBlank drops leading and trailing empty lines.
func trimBlank(lines []string) []string {
	start, end := 0, len(lines)
	for start < end && lines[start] == "" {
		start++
	}
	for end > start && lines[end-1] == "" {
		end--
	}
	return lines[start:end]
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

// splitLines unifies line endings and splits text into lines. A single
// trailing newline does not produce an empty final line.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// countNonEmpty counts lines that are not blank after normalization.
func countNonEmpty(lines []string) int {
	n := 0
	for _, line := range lines {
		if line != "" {
			n++
		}
	}
	return n
}
