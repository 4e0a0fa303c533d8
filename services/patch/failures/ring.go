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

// attemptRing keeps the newest attempts for one file.
//
// When full, the oldest attempt is overwritten.
//
// Thread Safety: NOT safe for concurrent use; MemoryStore synchronizes.
type attemptRing struct {
	data  []FailedAttempt
	head  int // next write position
	count int
}

func newAttemptRing(capacity int) *attemptRing {
	if capacity <= 0 {
		capacity = DefaultHistoryLimit
	}
	return &attemptRing{data: make([]FailedAttempt, capacity)}
}

// push appends an attempt, evicting the oldest when full.
func (r *attemptRing) push(a FailedAttempt) {
	r.data[r.head] = a
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// slice returns the attempts oldest first.
func (r *attemptRing) slice() []FailedAttempt {
	out := make([]FailedAttempt, 0, r.count)
	start := (r.head - r.count + len(r.data)) % len(r.data)
	for i := 0; i < r.count; i++ {
		out = append(out, r.data[(start+i)%len(r.data)])
	}
	return out
}

// retain keeps only attempts for which keep returns true, preserving order.
// It returns the number kept.
func (r *attemptRing) retain(keep func(FailedAttempt) bool) int {
	items := r.slice()
	r.head, r.count = 0, 0
	clear(r.data)
	for _, a := range items {
		if keep(a) {
			r.push(a)
		}
	}
	return r.count
}
