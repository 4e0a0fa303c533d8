// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blocks

import (
	"strings"
)

// markerLine is a marker found in the raw patch.
type markerLine struct {
	marker string
	line   int // 1-indexed line number in the raw patch
}

// splitLines splits raw patch text on "\n". Carriage returns stay attached
// to their line so extracted text keeps the caller's line endings.
func splitLines(raw string) []string {
	return strings.Split(raw, "\n")
}

// scanMarkers returns every marker line in document order.
func scanMarkers(lines []string) []markerLine {
	var found []markerLine
	for i, line := range lines {
		if m := markerAt(line); m != "" {
			found = append(found, markerLine{marker: m, line: i + 1})
		}
	}
	return found
}

// Validate checks the marker structure of a raw patch before any extraction.
//
// Description:
//
//	Runs the structural checks in order: emptiness, balanced marker counts,
//	strict SEARCH/separator/REPLACE sequence, and the nested SEARCH guard.
//	The first failing check determines the returned error.
//
// Inputs:
//
//	raw - The raw instruction string.
//
// Outputs:
//
//	error - *ValidationError wrapping one of ErrEmptyPatch, ErrUnbalancedMarkers,
//	        ErrMarkerSequence, ErrNestedMarker. Nil if the structure is sound.
func Validate(raw string) error {
	_, err := validate(raw)
	return err
}

// validate runs the structural checks and returns the number of complete
// marker triples, which is the number of blocks any extractor must yield.
func validate(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, &ValidationError{Err: ErrEmptyPatch, Detail: "expected at least one SEARCH/REPLACE block"}
	}

	lines := splitLines(raw)
	markers := scanMarkers(lines)

	counts := map[string]int{}
	for _, m := range markers {
		counts[m.marker]++
	}
	nSearch, nSep, nReplace := counts[MarkerSearch], counts[MarkerSeparator], counts[MarkerReplace]
	if nSearch != nSep || nSep != nReplace {
		return 0, newValidationError(ErrUnbalancedMarkers, 0,
			"found %d %q, %d %q and %d %q markers; every block needs exactly one of each",
			nSearch, MarkerSearch, nSep, MarkerSeparator, nReplace, MarkerReplace)
	}

	for i, m := range markers {
		want := Markers[i%3]
		if m.marker != want {
			return 0, newValidationError(ErrMarkerSequence, i+1,
				"marker #%d on line %d is %q but %q was expected (block %d)",
				i+1, m.line, m.marker, want, i/3+1)
		}
	}

	if err := checkNested(lines); err != nil {
		return 0, err
	}
	return nSearch, nil
}

// checkNested rejects a SEARCH marker literal appearing inside a block that
// has not been closed yet. Whole-line markers are already covered by the
// sequence check; this catches the literal glued to other text, which would
// otherwise let one malformed block swallow the next.
func checkNested(lines []string) error {
	open := false
	block := 0
	for i, line := range lines {
		switch markerAt(line) {
		case MarkerSearch:
			open = true
			block++
			continue
		case MarkerReplace:
			open = false
			continue
		case MarkerSeparator:
			continue
		}
		if open && strings.Contains(line, MarkerSearch) {
			return newValidationError(ErrNestedMarker, block,
				"line %d opens a new %q inside block %d before its %q",
				i+1, MarkerSearch, block, MarkerReplace)
		}
	}
	return nil
}

// checkBlockText rejects a block whose extracted text carries a marker.
//
// The angle-bracket markers are rejected anywhere in the text. The separator
// is only rejected as a whole trimmed line because runs of "=" are common in
// ordinary files.
func checkBlockText(index int, b EditBlock) error {
	for _, part := range []struct {
		name string
		text string
	}{{"search", b.Search}, {"replace", b.Replace}} {
		for _, literal := range []string{MarkerSearch, MarkerReplace} {
			if strings.Contains(part.text, literal) {
				return newValidationError(ErrEmbeddedMarker, index,
					"%s text of block %d contains %q", part.name, index, literal)
			}
		}
		for _, line := range splitLines(part.text) {
			if strings.TrimSpace(line) == MarkerSeparator {
				return newValidationError(ErrEmbeddedMarker, index,
					"%s text of block %d contains a %q line", part.name, index, MarkerSeparator)
			}
		}
	}
	return nil
}
