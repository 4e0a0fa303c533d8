// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apply applies parsed edit blocks to an in-memory file buffer.
//
// Every block must match its search text exactly once in the buffer as left
// by the blocks before it. The first block that does not is reported and the
// whole request is abandoned; callers write nothing in that case.
package apply

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/patchmcp/services/patch/blocks"
)

// =============================================================================
// ERRORS
// =============================================================================

// Sentinel errors for block application.
var (
	// ErrNoMatch indicates the search text does not occur in the buffer.
	ErrNoMatch = errors.New("search text not found")

	// ErrAmbiguousMatch indicates the search text occurs more than once.
	ErrAmbiguousMatch = errors.New("search text is ambiguous")

	// ErrEmptySearch indicates a block with no search text.
	ErrEmptySearch = errors.New("search text is empty")
)

// ApplyError describes the first block that could not be applied.
//
// Thread Safety: Immutable after creation.
type ApplyError struct {
	// Err is ErrNoMatch, ErrAmbiguousMatch or ErrEmptySearch.
	Err error

	// BlockIndex is the 1-indexed position of the failing block.
	BlockIndex int

	// BlockCount is the number of blocks in the request.
	BlockCount int

	// MatchCount is the number of exact occurrences found.
	MatchCount int

	// Search is the failing block's search text.
	Search string

	// Hint is a rendered near-match hint, empty when none was produced.
	Hint string
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Block %d of %d: ", e.BlockIndex, e.BlockCount)

	switch {
	case errors.Is(e.Err, ErrNoMatch):
		b.WriteString("Could not find the search text in the file. ")
		b.WriteString("The search text must match the file exactly, including whitespace and indentation.\n")
		fmt.Fprintf(&b, "Search text:\n%s", e.Search)
		if e.Hint != "" {
			b.WriteString("\n\n")
			b.WriteString(e.Hint)
		}
	case errors.Is(e.Err, ErrAmbiguousMatch):
		fmt.Fprintf(&b, "The search text appears %d times in the file; it must match exactly once. ", e.MatchCount)
		b.WriteString("Include more surrounding lines to make it unique.")
	default:
		fmt.Fprintf(&b, "%v. Include the exact lines to replace in the SEARCH section.", e.Err)
	}
	return b.String()
}

// Unwrap returns the sentinel.
func (e *ApplyError) Unwrap() error {
	return e.Err
}

// =============================================================================
// APPLICATOR
// =============================================================================

// Hinter explains a failed exact search. Implemented by *fuzzy.Finder.
type Hinter interface {
	Hint(content, search string) string
}

// Result is the outcome of a successful application.
type Result struct {
	// Content is the final buffer.
	Content string

	// Applied is the number of blocks applied.
	Applied int
}

// Applicator applies parsed requests.
//
// Thread Safety: Safe for concurrent use if the Hinter is.
type Applicator struct {
	hinter Hinter
}

// New creates an Applicator. A nil hinter disables hints.
func New(hinter Hinter) *Applicator {
	return &Applicator{hinter: hinter}
}

// Apply runs every block against content in order.
//
// Description:
//
//	For each block, counts exact occurrences of its search text in the
//	current buffer. One occurrence is replaced and the next block sees the
//	result. Zero occurrences fail with ErrNoMatch and a hint computed against
//	the buffer as it was before the failing block. Two or more fail with
//	ErrAmbiguousMatch and the count; no hint is produced for those.
//
// Inputs:
//
//	content - The file content before any block.
//	req - The parsed blocks in application order.
//
// Outputs:
//
//	Result - The final buffer and the number of applied blocks.
//	error - *ApplyError for the first failing block.
func (a *Applicator) Apply(content string, req blocks.ParsedRequest) (Result, error) {
	buf := content
	for i, b := range req {
		fail := func(err error, count int) *ApplyError {
			return &ApplyError{
				Err:        err,
				BlockIndex: i + 1,
				BlockCount: len(req),
				MatchCount: count,
				Search:     b.Search,
			}
		}

		if b.Search == "" {
			return Result{}, fail(ErrEmptySearch, 0)
		}

		switch count := strings.Count(buf, b.Search); count {
		case 1:
			buf = strings.Replace(buf, b.Search, b.Replace, 1)
		case 0:
			e := fail(ErrNoMatch, 0)
			if a.hinter != nil {
				e.Hint = a.hinter.Hint(buf, b.Search)
			}
			return Result{}, e
		default:
			return Result{}, fail(ErrAmbiguousMatch, count)
		}
	}

	return Result{Content: buf, Applied: len(req)}, nil
}
