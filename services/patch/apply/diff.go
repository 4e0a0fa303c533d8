// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sourcegraph/go-diff/diff"
)

// Change summarizes the difference between two buffers.
type Change struct {
	// Unified is the change in unified diff format, without context lines.
	Unified []byte

	// LinesAdded and LinesRemoved count '+' and '-' lines.
	LinesAdded   int
	LinesRemoved int

	// Hunks is the number of contiguous changed regions.
	Hunks int
}

// Diff computes the line-level change from before to after.
//
// Description:
//
//	Lines are diffed as whole units, then each run of non-equal lines
//	becomes one hunk with zero context. name labels both sides of the
//	diff header.
func Diff(name, before, after string) (Change, error) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToRunes(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(a, b, false), lines)

	var (
		hunks   []*diff.Hunk
		cur     *diff.Hunk
		body    strings.Builder
		origPos int32 = 1
		newPos  int32 = 1
		change  Change
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Body = []byte(body.String())
		hunks = append(hunks, cur)
		cur = nil
		body.Reset()
	}

	for _, d := range diffs {
		n := int32(countLines(d.Text))
		if d.Type == diffmatchpatch.DiffEqual {
			flush()
			origPos += n
			newPos += n
			continue
		}
		if cur == nil {
			cur = &diff.Hunk{OrigStartLine: origPos, NewStartLine: newPos}
		}
		prefix := "+"
		if d.Type == diffmatchpatch.DiffDelete {
			prefix = "-"
			cur.OrigLines += n
			origPos += n
			change.LinesRemoved += int(n)
		} else {
			cur.NewLines += n
			newPos += n
			change.LinesAdded += int(n)
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			body.WriteString(prefix)
			body.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				body.WriteString("\n")
			}
		}
	}
	flush()

	// A zero-length side is anchored on the line before it.
	for _, h := range hunks {
		if h.OrigLines == 0 {
			h.OrigStartLine--
		}
		if h.NewLines == 0 {
			h.NewStartLine--
		}
	}

	change.Hunks = len(hunks)
	if len(hunks) == 0 {
		return change, nil
	}
	out, err := diff.PrintFileDiff(&diff.FileDiff{
		OrigName: "a/" + name,
		NewName:  "b/" + name,
		Hunks:    hunks,
	})
	if err != nil {
		return change, err
	}
	change.Unified = out
	return change, nil
}

// countLines counts lines in a chunk produced by line-mode diffing, where
// only the final line may lack a newline.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
