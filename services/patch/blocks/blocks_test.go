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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func block(search, replace string) string {
	return fmt.Sprintf("%s\n%s\n%s\n%s\n%s", MarkerSearch, search, MarkerSeparator, replace, MarkerReplace)
}

func joinBlocks(bs ...string) string {
	return strings.Join(bs, "\n")
}

// ============================================================================
// Parse
// ============================================================================

func TestParse_SingleBlock(t *testing.T) {
	parsed, err := Parse(block("print('Hello')", "print('Hello, World!')"))
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "print('Hello')", parsed[0].Search)
	assert.Equal(t, "print('Hello, World!')", parsed[0].Replace)
}

func TestParse_MultipleBlocksKeepOrder(t *testing.T) {
	var raw []string
	for i := 0; i < 5; i++ {
		raw = append(raw, block(fmt.Sprintf("old %d", i), fmt.Sprintf("new %d", i)))
	}

	parsed, err := Parse("some preamble\n" + joinBlocks(raw...) + "\ntrailing chatter")
	require.NoError(t, err)
	require.Equal(t, 5, parsed.Len())
	for i, b := range parsed {
		assert.Equal(t, fmt.Sprintf("old %d", i), b.Search)
		assert.Equal(t, fmt.Sprintf("new %d", i), b.Replace)
	}
}

func TestParse_PreservesInternalBlankLines(t *testing.T) {
	parsed, err := Parse(block("def a():\n\n    return 1", "def a():\n\n\n    return 2"))
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "def a():\n\n    return 1", parsed[0].Search)
	assert.Equal(t, "def a():\n\n\n    return 2", parsed[0].Replace)
}

func TestParse_EmptyReplaceDeletes(t *testing.T) {
	raw := MarkerSearch + "\nremove me\n" + MarkerSeparator + "\n" + MarkerReplace
	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "remove me", parsed[0].Search)
	assert.Equal(t, "", parsed[0].Replace)
}

func TestParse_IndentedMarkers(t *testing.T) {
	raw := "  " + MarkerSearch + "\nfoo\n\t" + MarkerSeparator + "  \nbar\n " + MarkerReplace + " "
	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "foo", parsed[0].Search)
	assert.Equal(t, "bar", parsed[0].Replace)
}

func TestParse_CRLF(t *testing.T) {
	raw := MarkerSearch + "\r\nfoo\r\n" + MarkerSeparator + "\r\nbar\r\n" + MarkerReplace + "\r\n"
	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "foo\r", parsed[0].Search)
	assert.Equal(t, "bar\r", parsed[0].Replace)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
		wantMsg string
	}{
		{"empty", "", ErrEmptyPatch, "Invalid patch format"},
		{"whitespace", "  \n\t\n", ErrEmptyPatch, "Invalid patch format"},
		{"missing replace", MarkerSearch + "\na\n" + MarkerSeparator + "\nb\n", ErrUnbalancedMarkers, "unbalanced markers"},
		{"extra separator", block("a", "b") + "\n" + MarkerSeparator, ErrUnbalancedMarkers, "unbalanced markers"},
		{"reversed", MarkerReplace + "\na\n" + MarkerSeparator + "\nb\n" + MarkerSearch, ErrMarkerSequence, "incorrect marker sequence"},
		{
			"nested search lines",
			MarkerSearch + "\na\n" + MarkerSearch + "\nb\n" + MarkerSeparator + "\nc\n" + MarkerSeparator + "\nd\n" + MarkerReplace + "\n" + MarkerReplace,
			ErrMarkerSequence, "incorrect marker sequence",
		},
		{
			"search literal glued to text",
			MarkerSearch + "\nx = 1 " + MarkerSearch + "\n" + MarkerSeparator + "\ny\n" + MarkerReplace,
			ErrNestedMarker, "nested SEARCH marker",
		},
		{
			"replace literal in replace text",
			MarkerSearch + "\nx\n" + MarkerSeparator + "\n# " + MarkerReplace + " here\n" + MarkerReplace,
			ErrEmbeddedMarker, "marker embedded",
		},
		{"no markers at all", "just some text", ErrNoBlocks, "no valid SEARCH/REPLACE blocks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := Parse(tt.raw)
			require.Error(t, err)
			assert.Nil(t, parsed)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Contains(t, err.Error(), tt.wantMsg)

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestValidate_UnbalancedReportsCounts(t *testing.T) {
	err := Validate(MarkerSearch + "\n" + MarkerSearch + "\n" + MarkerSeparator + "\n" + MarkerReplace)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "found 2")
	assert.Contains(t, err.Error(), "1 \"=======\"")
}

func TestValidate_SequenceReportsPosition(t *testing.T) {
	raw := block("a", "b") + "\n" + MarkerSeparator + "\n" + MarkerSearch + "\nx\n" + MarkerReplace
	err := Validate(raw)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 4, verr.Position)
	assert.Contains(t, verr.Detail, "block 2")
}

func TestParse_TrailingNBSPMarkerKeepsEveryBlock(t *testing.T) {
	raw := block("a", "b") + "\n" + MarkerSearch + "\u00a0\nc\n" + MarkerSeparator + "\nd\n" + MarkerReplace + "\n"

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ParsedRequest{{Search: "a", Replace: "b"}, {Search: "c", Replace: "d"}}, parsed)
}

func TestParse_MarkerWhitespaceVariants(t *testing.T) {
	spaces := map[string]string{
		"space":          " ",
		"tab":            "\t",
		"vertical tab":   "\v",
		"form feed":      "\f",
		"carriage ret":   "\r",
		"nel":            "\u0085",
		"nbsp":           "\u00a0",
		"em space":       "\u2003",
		"narrow nbsp":    "\u202f",
		"ideographic":    "\u3000",
		"line separator": "\u2028",
	}

	for name, sp := range spaces {
		for marker := 0; marker < 3; marker++ {
			for _, leading := range []bool{true, false} {
				decorated := Markers
				if leading {
					decorated[marker] = sp + decorated[marker]
				} else {
					decorated[marker] = decorated[marker] + sp
				}
				second := strings.Join([]string{decorated[0], "c", decorated[1], "d", decorated[2]}, "\n")
				raw := joinBlocks(block("a", "b"), second, block("e", "f"))

				t.Run(fmt.Sprintf("%s/marker%d/leading=%v", name, marker, leading), func(t *testing.T) {
					require.NoError(t, Validate(raw))

					parsed, err := Parse(raw)
					require.NoError(t, err)
					require.Len(t, parsed, 3)
					assert.Equal(t, "c", strings.TrimRight(parsed[1].Search, "\r"))
					assert.Equal(t, "d", strings.TrimRight(parsed[1].Replace, "\r"))

					fromRegex, err := RegexExtractor{}.Extract(raw)
					require.NoError(t, err)
					assert.Len(t, fromRegex, 3, "regex strategy must see the same marker lines as validation")
				})
			}
		}
	}
}

// dropLastExtractor loses the final block, like a strategy that does not
// recognize one of the marker lines.
type dropLastExtractor struct{}

func (dropLastExtractor) Name() string { return "drop-last" }
func (dropLastExtractor) Extract(raw string) (ParsedRequest, error) {
	parsed, err := LineScanExtractor{}.Extract(raw)
	if err != nil || len(parsed) == 0 {
		return parsed, err
	}
	return parsed[:len(parsed)-1], nil
}

func TestParser_ShortResultFallsThrough(t *testing.T) {
	p := NewParser(dropLastExtractor{}, LineScanExtractor{})
	parsed, err := p.Parse(joinBlocks(block("a", "b"), block("c", "d")))
	require.NoError(t, err)
	assert.Len(t, parsed, 2)
}

func TestParser_ShortResultIsAnError(t *testing.T) {
	p := NewParser(dropLastExtractor{})
	parsed, err := p.Parse(joinBlocks(block("a", "b"), block("c", "d")))
	require.Error(t, err)
	assert.Nil(t, parsed)
	assert.ErrorIs(t, err, ErrBlockCount)
	assert.Contains(t, err.Error(), "found 2 marker triples but extracted 1 blocks")
}

// ============================================================================
// Extractors
// ============================================================================

func TestExtractors_AgreeOnValidInput(t *testing.T) {
	raw := joinBlocks(
		block("def f():\n    return 1", "def f():\n    return 2"),
		block("", "new"),
		block("x\n\ny", ""),
	)

	fromRegex, err := RegexExtractor{}.Extract(raw)
	require.NoError(t, err)
	fromScan, err := LineScanExtractor{}.Extract(raw)
	require.NoError(t, err)

	assert.Equal(t, fromRegex, fromScan)
	assert.Len(t, fromScan, 3)
}

func TestExtractors_RejectEmbeddedSeparatorLine(t *testing.T) {
	// Only reachable when validation is bypassed; both strategies must refuse it.
	b := EditBlock{Search: "a\n  =======\nb", Replace: "c"}
	err := checkBlockText(1, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddedMarker)
}

func TestExtractors_AllowSeparatorInsideLine(t *testing.T) {
	parsed, err := Parse(block("title = '======='", "title = '---'"))
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "title = '======='", parsed[0].Search)
}

// emptyExtractor never finds anything, forcing the fallback path.
type emptyExtractor struct{}

func (emptyExtractor) Name() string                          { return "empty" }
func (emptyExtractor) Extract(string) (ParsedRequest, error) { return nil, nil }

func TestParser_FallsBackToLineScan(t *testing.T) {
	p := NewParser(emptyExtractor{}, LineScanExtractor{})
	parsed, err := p.Parse(block("a", "b"))
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, EditBlock{Search: "a", Replace: "b"}, parsed[0])
}

func TestParser_AllStrategiesEmpty(t *testing.T) {
	p := NewParser(emptyExtractor{})
	_, err := p.Parse(block("a", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBlocks)
}

func TestLineScanExtractor_OutOfOrder(t *testing.T) {
	_, err := LineScanExtractor{}.Extract(MarkerSeparator + "\n" + MarkerSearch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMarkerSequence)
}

func TestCountSearchMarkers(t *testing.T) {
	assert.Equal(t, 2, CountSearchMarkers(MarkerSearch+"\na\n  "+MarkerSearch+"\nb"))
	assert.Equal(t, 0, CountSearchMarkers("x <<<<<<< SEARCH"))
}
