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
	"fmt"
	"strconv"
	"strings"
)

// LikelyMatchMarker tags the matched lines in a rendered hint.
const LikelyMatchMarker = "<-- likely match"

// HintHeader opens every rendered hint.
const HintHeader = "Hint: Found similar content with whitespace/formatting differences"

// Hint renders a hint for a failed search, or "" when there is nothing
// trustworthy to show.
//
// Description:
//
//	Runs Find and renders the candidate with ContextLines of context on
//	either side. Lines are numbered from 1 and matched lines carry
//	LikelyMatchMarker.
func (f *Finder) Hint(content, search string) string {
	c, ok := f.Find(content, search)
	if !ok {
		return ""
	}
	return Render(splitLines(content), c, f.opts.ContextLines)
}

// Render formats a candidate against the raw file lines.
func Render(lines []string, c Candidate, context int) string {
	from := max(0, c.Start-context)
	to := min(len(lines), c.End+context)
	width := len(strconv.Itoa(to))

	var b strings.Builder
	fmt.Fprintf(&b, "%s (lines %d-%d, %.0f%% similar):\n", HintHeader, c.Start+1, c.End, c.Score*100)
	for i := from; i < to; i++ {
		fmt.Fprintf(&b, "%*d: %s", width, i+1, lines[i])
		if i >= c.Start && i < c.End {
			b.WriteString("  " + LikelyMatchMarker)
		}
		b.WriteByte('\n')
	}
	b.WriteString("Copy the search text from these lines exactly, including indentation and whitespace.")
	return b.String()
}
