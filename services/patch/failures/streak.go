// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package failures

import "sync"

// Streaks counts consecutive failures of one QA tool per file.
//
// Thread Safety: Safe for concurrent use.
type Streaks struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewStreaks creates an empty table.
func NewStreaks() *Streaks {
	return &Streaks{counts: make(map[string]int)}
}

// Fail increments the streak for path and returns the new value.
func (s *Streaks) Fail(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[path]++
	return s.counts[path]
}

// Reset sets the streak for path back to zero.
func (s *Streaks) Reset(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, path)
}

// Get returns the current streak for path.
func (s *Streaks) Get(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[path]
}
