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
	"regexp"
	"strings"
)

// Extractor pulls edit blocks out of a raw patch that already passed Validate.
//
// Implementations must return blocks in document order and must reject any
// block whose text embeds a marker. Returning an empty request with a nil
// error means "nothing found", which lets the parser try the next strategy.
type Extractor interface {
	// Name identifies the strategy in logs.
	Name() string

	// Extract returns the blocks found in raw.
	Extract(raw string) (ParsedRequest, error)
}

// =============================================================================
// REGEX EXTRACTOR
// =============================================================================

// markerSpace matches the characters strings.TrimSpace strips, minus the
// line feed, so the pattern and the line scanner agree on what a marker
// line is.
const markerSpace = `[\t\v\f\r \x{85}\p{Z}]*`

// blockPattern matches one block. Markers must sit on their own line; the
// lazy groups stop at the first following marker line.
var blockPattern = regexp.MustCompile(
	`(?m)^` + markerSpace + `<<<<<<< SEARCH` + markerSpace + `\n((?s:.*?))^` +
		markerSpace + `=======` + markerSpace + `\n((?s:.*?))^` +
		markerSpace + `>>>>>>> REPLACE` + markerSpace + `$`,
)

// RegexExtractor is the primary strategy.
type RegexExtractor struct{}

// Name returns "regex".
func (RegexExtractor) Name() string { return "regex" }

// Extract implements Extractor.
func (RegexExtractor) Extract(raw string) (ParsedRequest, error) {
	matches := blockPattern.FindAllStringSubmatch(raw, -1)
	out := make(ParsedRequest, 0, len(matches))
	for i, m := range matches {
		b := EditBlock{
			Search:  trimSectionEnd(m[1]),
			Replace: trimSectionEnd(m[2]),
		}
		if err := checkBlockText(i+1, b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// trimSectionEnd drops the newline that precedes the closing marker line.
func trimSectionEnd(s string) string {
	return strings.TrimSuffix(s, "\n")
}

// =============================================================================
// LINE SCAN EXTRACTOR
// =============================================================================

// LineScanExtractor walks the patch line by line. It is the fallback when
// the regex strategy finds nothing.
type LineScanExtractor struct{}

// Name returns "line-scan".
func (LineScanExtractor) Name() string { return "line-scan" }

// Extract implements Extractor.
func (LineScanExtractor) Extract(raw string) (ParsedRequest, error) {
	const (
		outside = iota
		inSearch
		inReplace
	)

	var (
		out     ParsedRequest
		state   = outside
		search  []string
		replace []string
	)

	for i, line := range splitLines(raw) {
		marker := markerAt(line)
		switch state {
		case outside:
			if marker == MarkerSearch {
				state = inSearch
				search, replace = nil, nil
			} else if marker != "" {
				return nil, newValidationError(ErrMarkerSequence, len(out)+1,
					"line %d: %q outside of a block", i+1, marker)
			}
		case inSearch:
			switch marker {
			case "":
				search = append(search, line)
			case MarkerSeparator:
				state = inReplace
			default:
				return nil, newValidationError(ErrMarkerSequence, len(out)+1,
					"line %d: expected %q, found %q", i+1, MarkerSeparator, marker)
			}
		case inReplace:
			switch marker {
			case "":
				replace = append(replace, line)
			case MarkerReplace:
				b := EditBlock{
					Search:  strings.Join(search, "\n"),
					Replace: strings.Join(replace, "\n"),
				}
				if err := checkBlockText(len(out)+1, b); err != nil {
					return nil, err
				}
				out = append(out, b)
				state = outside
			default:
				return nil, newValidationError(ErrMarkerSequence, len(out)+1,
					"line %d: expected %q, found %q", i+1, MarkerReplace, marker)
			}
		}
	}

	return out, nil
}
