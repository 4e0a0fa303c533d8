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
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// MARKERS
// =============================================================================

// Marker lines delimiting one edit block. Markers are matched against whole
// lines after trimming surrounding whitespace.
const (
	MarkerSearch    = "<<<<<<< SEARCH"
	MarkerSeparator = "======="
	MarkerReplace   = ">>>>>>> REPLACE"
)

// Markers lists the three markers in the order they must appear in a block.
var Markers = [3]string{MarkerSearch, MarkerSeparator, MarkerReplace}

// markerAt returns the marker a line represents, or "" if it is content.
func markerAt(line string) string {
	switch strings.TrimSpace(line) {
	case MarkerSearch:
		return MarkerSearch
	case MarkerSeparator:
		return MarkerSeparator
	case MarkerReplace:
		return MarkerReplace
	default:
		return ""
	}
}

// =============================================================================
// EDIT BLOCK
// =============================================================================

// EditBlock is one search/replace pair.
//
// Blocks have no identity beyond their position in a ParsedRequest.
// Duplicates are legal and are applied one after another.
type EditBlock struct {
	// Search is the exact text to find.
	Search string `json:"search"`

	// Replace is the text substituted for Search.
	Replace string `json:"replace"`
}

// ParsedRequest is the ordered list of blocks extracted from one raw
// instruction string. Order is application order.
type ParsedRequest []EditBlock

// Len returns the number of blocks.
func (p ParsedRequest) Len() int {
	return len(p)
}

// =============================================================================
// ERRORS
// =============================================================================

// Sentinel errors for the blocks package.
var (
	// ErrEmptyPatch indicates the raw patch was empty or whitespace only.
	ErrEmptyPatch = errors.New("patch content is empty")

	// ErrUnbalancedMarkers indicates the three marker counts differ.
	ErrUnbalancedMarkers = errors.New("unbalanced markers")

	// ErrMarkerSequence indicates markers are not in SEARCH, separator, REPLACE order.
	ErrMarkerSequence = errors.New("incorrect marker sequence")

	// ErrNestedMarker indicates a SEARCH marker appeared before the previous block closed.
	ErrNestedMarker = errors.New("nested SEARCH marker")

	// ErrEmbeddedMarker indicates extracted search or replace text contains a marker line.
	ErrEmbeddedMarker = errors.New("marker embedded in block text")

	// ErrNoBlocks indicates neither extraction strategy found a block.
	ErrNoBlocks = errors.New("no valid SEARCH/REPLACE blocks found")

	// ErrBlockCount indicates no extraction strategy recovered one block per
	// marker triple.
	ErrBlockCount = errors.New("extracted block count does not match markers")
)

// ValidationError describes why a raw patch was rejected.
//
// Thread Safety: Immutable after creation.
type ValidationError struct {
	// Err is one of the sentinel errors above.
	Err error

	// Detail is the human readable explanation.
	Detail string

	// Position is the 1-indexed marker or block position involved, 0 if none.
	Position int
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("Invalid patch format: %v", e.Err)
	}
	return fmt.Sprintf("Invalid patch format: %v: %s", e.Err, e.Detail)
}

// Unwrap returns the sentinel for errors.Is support.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(err error, position int, format string, args ...any) *ValidationError {
	return &ValidationError{
		Err:      err,
		Detail:   fmt.Sprintf(format, args...),
		Position: position,
	}
}
