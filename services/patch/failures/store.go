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

import (
	"sort"
	"sync"
	"time"
)

// Store holds failed attempts per file.
//
// Implementations must be safe for concurrent use. The tracker never holds
// state of its own, so swapping the store changes where history lives
// without touching the advisory logic.
type Store interface {
	// Get returns the attempts for path, oldest first.
	Get(path string) []FailedAttempt

	// Append records an attempt for its FilePath and returns the stored copy
	// with Sequence filled in.
	Append(a FailedAttempt) FailedAttempt

	// Clear forgets all attempts for path.
	Clear(path string)

	// GC drops attempts recorded before cutoff and returns the paths left
	// with no attempts at all, which are removed.
	GC(cutoff time.Time) []string

	// Paths returns every path with history, sorted.
	Paths() []string
}

// fileHistory is the per-file state in MemoryStore.
type fileHistory struct {
	ring *attemptRing
	seq  int
}

// MemoryStore is a process-local Store.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	limit int
	files map[string]*fileHistory
}

// NewMemoryStore creates a store keeping at most limit attempts per file.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryStore{
		limit: limit,
		files: make(map[string]*fileHistory),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(path string) []FailedAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.files[path]
	if !ok {
		return nil
	}
	return h.ring.slice()
}

// Append implements Store.
func (s *MemoryStore) Append(a FailedAttempt) FailedAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.files[a.FilePath]
	if !ok {
		h = &fileHistory{ring: newAttemptRing(s.limit)}
		s.files[a.FilePath] = h
	}
	h.seq++
	a.Sequence = h.seq
	h.ring.push(a)
	return a
}

// Clear implements Store.
func (s *MemoryStore) Clear(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
}

// GC implements Store.
func (s *MemoryStore) GC(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var emptied []string
	for path, h := range s.files {
		kept := h.ring.retain(func(a FailedAttempt) bool {
			return !a.Timestamp.Before(cutoff)
		})
		if kept == 0 {
			delete(s.files, path)
			emptied = append(emptied, path)
		}
	}
	sort.Strings(emptied)
	return emptied
}

// Paths implements Store.
func (s *MemoryStore) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
