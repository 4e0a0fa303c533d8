// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blocks parses and validates SEARCH/REPLACE edit instructions.
//
// A patch is a sequence of blocks:
//
//	<<<<<<< SEARCH
//	exact text to find
//	=======
//	replacement text
//	>>>>>>> REPLACE
//
// Parsing never returns a partial result: any structural problem rejects
// the whole patch with a *ValidationError.
package blocks

import (
	"log/slog"
)

// Parser validates a raw patch and extracts its blocks.
//
// Thread Safety: Safe for concurrent use.
type Parser struct {
	extractors []Extractor
}

// NewParser creates a parser.
//
// Description:
//
//	With no arguments the parser tries RegexExtractor, then LineScanExtractor.
//	Passing extractors replaces that chain; they are tried in order and the
//	first non-empty result wins.
func NewParser(extractors ...Extractor) *Parser {
	if len(extractors) == 0 {
		extractors = []Extractor{RegexExtractor{}, LineScanExtractor{}}
	}
	return &Parser{extractors: extractors}
}

// Parse turns a raw patch into an ordered list of blocks.
//
// Description:
//
//	Runs the structural checks, then each extraction strategy in turn. An
//	error from a strategy aborts parsing. A strategy must recover exactly one
//	block per marker triple; a short or empty result falls through to the
//	next one so a block is never dropped silently.
//
// Inputs:
//
//	raw - The raw instruction string.
//
// Outputs:
//
//	ParsedRequest - At least one block on success.
//	error - *ValidationError on any format problem.
func (p *Parser) Parse(raw string) (ParsedRequest, error) {
	want, err := validate(raw)
	if err != nil {
		return nil, err
	}
	if want == 0 {
		return nil, errNoBlocks()
	}

	best := 0
	for _, ex := range p.extractors {
		parsed, err := ex.Extract(raw)
		if err != nil {
			return nil, err
		}
		if len(parsed) == want {
			slog.Debug("Parsed patch blocks",
				slog.String("strategy", ex.Name()),
				slog.Int("blocks", len(parsed)),
			)
			return parsed, nil
		}
		slog.Debug("Extraction strategy disagreed with marker count",
			slog.String("strategy", ex.Name()),
			slog.Int("blocks", len(parsed)),
			slog.Int("expected", want),
		)
		best = max(best, len(parsed))
	}

	if best > 0 {
		return nil, newValidationError(ErrBlockCount, 0,
			"found %d marker triples but extracted %d blocks; put each marker alone on its own line", want, best)
	}
	return nil, errNoBlocks()
}

func errNoBlocks() *ValidationError {
	return &ValidationError{
		Err:    ErrNoBlocks,
		Detail: "expected blocks of the form '<<<<<<< SEARCH' / '=======' / '>>>>>>> REPLACE', each marker on its own line",
	}
}

// Parse parses raw with the default extraction chain.
func Parse(raw string) (ParsedRequest, error) {
	return defaultParser.Parse(raw)
}

var defaultParser = NewParser()

// CountSearchMarkers counts SEARCH marker lines in raw. It works on
// malformed patches, which is what failure accounting needs.
func CountSearchMarkers(raw string) int {
	n := 0
	for _, line := range splitLines(raw) {
		if markerAt(line) == MarkerSearch {
			n++
		}
	}
	return n
}
