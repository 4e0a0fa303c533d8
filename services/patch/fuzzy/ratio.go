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
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffTimeout caps a single window diff.
const maxDiffTimeout = time.Second

// Ratio returns a similarity score in [0,1] for two strings.
//
// Description:
//
//	Computes 2*M/T where M is the number of runes in the common subsequence
//	found by a Myers diff and T is the total rune count of both strings.
//	Two empty strings are identical.
//
// Thread Safety: Safe for concurrent use.
func Ratio(a, b string) float64 {
	return newScorer(a).ratio([]rune(b), maxDiffTimeout)
}

// scorer compares many windows against one target. It keeps a single
// diffmatchpatch instance and the target's rune counts between windows.
//
// Thread Safety: Not safe for concurrent use; Find builds one per call.
type scorer struct {
	dmp    *diffmatchpatch.DiffMatchPatch
	target []rune
	counts map[rune]int
	avail  map[rune]int
}

func newScorer(target string) *scorer {
	s := &scorer{
		dmp:    diffmatchpatch.New(),
		target: []rune(target),
		counts: make(map[rune]int),
		avail:  make(map[rune]int),
	}
	for _, r := range s.target {
		s.counts[r]++
	}
	return s
}

// ratio is Ratio against the scorer's target. timeout bounds the diff; a
// diff cut short scores lower, never higher.
func (s *scorer) ratio(window []rune, timeout time.Duration) float64 {
	total := len(s.target) + len(window)
	if total == 0 {
		return 1.0
	}
	s.dmp.DiffTimeout = min(timeout, maxDiffTimeout)
	matched := 0
	for _, d := range s.dmp.DiffMainRunes(s.target, window, false) {
		if d.Type == diffmatchpatch.DiffEqual {
			matched += len([]rune(d.Text))
		}
	}
	return 2.0 * float64(matched) / float64(total)
}

// quickRatio bounds ratio from above using the multiset intersection of
// runes, ignoring order. It is linear in the window length.
func (s *scorer) quickRatio(window []rune) float64 {
	total := len(s.target) + len(window)
	if total == 0 {
		return 1.0
	}
	clear(s.avail)
	matches := 0
	for _, r := range window {
		have, ok := s.avail[r]
		if !ok {
			have = s.counts[r]
		}
		s.avail[r] = have - 1
		if have > 0 {
			matches++
		}
	}
	return 2.0 * float64(matches) / float64(total)
}

// ratioUpperBound is the best Ratio two strings of these rune lengths could
// reach. Windows below the threshold are skipped without diffing.
func ratioUpperBound(la, lb int) float64 {
	if la+lb == 0 {
		return 1.0
	}
	return 2.0 * float64(min(la, lb)) / float64(la+lb)
}
