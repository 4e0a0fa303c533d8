// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fuzzy explains why an exact search failed.
//
// It looks for a single region of the file that matches the search text once
// whitespace is normalized and reports it as a hint. It never edits anything.
package fuzzy

import (
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Default thresholds.
const (
	DefaultMinChars     = 20
	DefaultMaxChars     = 2000
	DefaultMinLines     = 2
	DefaultMaxLines     = 50
	DefaultThreshold    = 0.80
	DefaultAmbiguityGap = 0.05
	DefaultContextLines = 3
	DefaultMaxTolerance = 2
	DefaultMaxDuration  = 2 * time.Second
	scoreEpsilon        = 1e-9
)

// Options tunes the safeguards and matching thresholds.
type Options struct {
	// MinChars and MaxChars bound the normalized search text length.
	MinChars int
	MaxChars int

	// MinLines and MaxLines bound the non-empty line count of the search text.
	MinLines int
	MaxLines int

	// Threshold is the minimum similarity ratio a window needs to be a candidate.
	Threshold float64

	// AmbiguityGap is how far the best candidate must lead the runner-up.
	AmbiguityGap float64

	// ContextLines is the number of lines shown around the match.
	ContextLines int

	// MaxTolerance is the largest window size difference tried, in lines.
	MaxTolerance int

	// MaxDuration bounds one Find call. When it runs out no hint is given.
	MaxDuration time.Duration
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		MinChars:     DefaultMinChars,
		MaxChars:     DefaultMaxChars,
		MinLines:     DefaultMinLines,
		MaxLines:     DefaultMaxLines,
		Threshold:    DefaultThreshold,
		AmbiguityGap: DefaultAmbiguityGap,
		ContextLines: DefaultContextLines,
		MaxTolerance: DefaultMaxTolerance,
		MaxDuration:  DefaultMaxDuration,
	}
}

// =============================================================================
// FINDER
// =============================================================================

// Candidate is a window of file lines resembling the search text.
type Candidate struct {
	// Start is the 0-indexed first line of the window.
	Start int

	// End is the 0-indexed line after the window.
	End int

	// Score is the similarity ratio of the normalized window.
	Score float64
}

// overlaps reports whether two windows share a line.
func (c Candidate) overlaps(o Candidate) bool {
	return c.Start < o.End && o.Start < c.End
}

// Finder locates near matches for failed searches.
//
// Thread Safety: Safe for concurrent use; Options are read only.
type Finder struct {
	opts Options
	now  func() time.Time
}

// NewFinder creates a Finder. Zero-valued option fields fall back to defaults.
func NewFinder(opts Options) *Finder {
	def := DefaultOptions()
	if opts.MinChars <= 0 {
		opts.MinChars = def.MinChars
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = def.MaxChars
	}
	if opts.MinLines <= 0 {
		opts.MinLines = def.MinLines
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = def.MaxLines
	}
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.AmbiguityGap <= 0 {
		opts.AmbiguityGap = def.AmbiguityGap
	}
	if opts.ContextLines < 0 {
		opts.ContextLines = 0
	}
	if opts.MaxTolerance < 0 {
		opts.MaxTolerance = 0
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = def.MaxDuration
	}
	return &Finder{opts: opts, now: time.Now}
}

// Options returns the effective options.
func (f *Finder) Options() Options {
	return f.opts
}

// Eligible reports whether search passes the length and line-count safeguards.
func (f *Finder) Eligible(search string) bool {
	lines := normalizeLines(splitLines(search))
	return f.eligible(lines)
}

func (f *Finder) eligible(normLines []string) bool {
	text := joinLines(normLines)
	n := utf8.RuneCountInString(text)
	if n < f.opts.MinChars || n > f.opts.MaxChars {
		return false
	}
	nonEmpty := countNonEmpty(normLines)
	return nonEmpty >= f.opts.MinLines && nonEmpty <= f.opts.MaxLines
}

// Find returns the single best near match for search in content.
//
// Description:
//
//	Slides windows of the search's line count, then ±1 and ±2 lines, over
//	the file. Every window scoring at least Threshold is a candidate.
//	Overlapping candidates are pruned to the best of each cluster. When
//	several distinct regions remain, the best must lead the runner-up by
//	AmbiguityGap or nothing is returned.
//
//	Windows are filtered by length, then by rune multiset overlap, before
//	the Myers diff runs. The whole search stops at MaxDuration and then
//	reports no match, because a partial scan cannot rule out ambiguity.
//
// Inputs:
//
//	content - The current file content.
//	search - The search text that failed to match exactly.
//
// Outputs:
//
//	Candidate - The match, valid only when ok is true.
//	bool - False when safeguards reject the search or no unambiguous match exists.
func (f *Finder) Find(content, search string) (Candidate, bool) {
	searchLines := normalizeLines(splitLines(search))
	if !f.eligible(searchLines) {
		return Candidate{}, false
	}
	target := joinLines(searchLines)
	targetLen := utf8.RuneCountInString(target)

	fileLines := normalizeEach(splitLines(content))
	if len(fileLines) == 0 {
		return Candidate{}, false
	}

	sc := newScorer(target)
	deadline := f.now().Add(f.opts.MaxDuration)
	diffed := 0

	var candidates []Candidate
	seen := make(map[[2]int]bool)
	for _, size := range windowSizes(len(searchLines), f.opts.MaxTolerance) {
		if size < 1 || size > len(fileLines) {
			continue
		}
		for start := 0; start+size <= len(fileLines); start++ {
			key := [2]int{start, start + size}
			if seen[key] {
				continue
			}
			seen[key] = true

			now := f.now()
			if !now.Before(deadline) {
				slog.Debug("Fuzzy hint search ran out of time",
					slog.Duration("budget", f.opts.MaxDuration),
					slog.Int("file_lines", len(fileLines)),
					slog.Int("windows_diffed", diffed),
				)
				return Candidate{}, false
			}

			window := []rune(joinLines(trimBlank(fileLines[start : start+size])))
			if ratioUpperBound(targetLen, len(window)) < f.opts.Threshold {
				continue
			}
			if sc.quickRatio(window)+scoreEpsilon < f.opts.Threshold {
				continue
			}
			diffed++
			score := sc.ratio(window, deadline.Sub(now))
			if score+scoreEpsilon >= f.opts.Threshold {
				candidates = append(candidates, Candidate{Start: start, End: start + size, Score: score})
			}
		}
	}

	return f.pick(candidates, len(searchLines))
}

// pick prunes overlapping candidates and applies the ambiguity gap.
func (f *Finder) pick(candidates []Candidate, wantLines int) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		da, db := abs(a.End-a.Start-wantLines), abs(b.End-b.Start-wantLines)
		if da != db {
			return da < db
		}
		return a.Start < b.Start
	})

	var kept []Candidate
	for _, c := range candidates {
		clash := false
		for _, k := range kept {
			if c.overlaps(k) {
				clash = true
				break
			}
		}
		if !clash {
			kept = append(kept, c)
		}
	}

	if len(kept) > 1 && kept[0].Score-kept[1].Score+scoreEpsilon < f.opts.AmbiguityGap {
		return Candidate{}, false
	}
	return kept[0], true
}

// windowSizes returns n, n-1, n+1, n-2, n+2, ... up to the tolerance.
func windowSizes(n, tolerance int) []int {
	sizes := []int{n}
	for d := 1; d <= tolerance; d++ {
		sizes = append(sizes, n-d, n+d)
	}
	return sizes
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
