// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package failures tracks failed edit attempts per file and turns repeated
// failures into escalating advice for the caller.
package failures

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/patchmcp/services/patch/blocks"
)

// Defaults for the tracker.
const (
	DefaultHistoryLimit = 10
	DefaultTTL          = time.Hour

	// splitAdviceFrom is the attempt number from which multi-block requests
	// are told to split.
	splitAdviceFrom = 3
)

// Tracker records failures and composes advisories.
//
// Thread Safety: Safe for concurrent use; all state lives in the Store and
// Streaks, which synchronize themselves.
type Tracker struct {
	store   Store
	streaks *Streaks
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithStreaks shares a streak table so GC can clear it.
func WithStreaks(s *Streaks) Option {
	return func(t *Tracker) { t.streaks = s }
}

// WithTTL sets how long an attempt stays relevant.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker with an in-memory store of
// DefaultHistoryLimit attempts per file.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.store == nil {
		t.store = NewMemoryStore(DefaultHistoryLimit)
	}
	if t.streaks == nil {
		t.streaks = NewStreaks()
	}
	return t
}

// Streaks returns the streak table tied to this tracker.
func (t *Tracker) Streaks() *Streaks {
	return t.streaks
}

// Record appends a failed attempt for path.
//
// Description:
//
//	Fingerprints the request, stamps it with the current time and a fresh
//	ID, and appends it to the store. Only the newest attempts are kept.
//
// Inputs:
//
//	path - The target file.
//	raw - The raw patch content of the failed request.
//	stage - Where the request failed.
//	message - The error returned to the caller.
//
// Outputs:
//
//	FailedAttempt - The stored attempt, including its Sequence.
func (t *Tracker) Record(path, raw string, stage Stage, message string) FailedAttempt {
	a := t.store.Append(FailedAttempt{
		ID:           uuid.New(),
		Timestamp:    t.now(),
		FilePath:     path,
		BlockCount:   blocks.CountSearchMarkers(raw),
		Stage:        stage,
		ErrorMessage: message,
		Fingerprint:  Fingerprint(path, raw),
	})

	slog.Debug("Recorded failed edit attempt",
		slog.String("attempt_id", a.ID.String()),
		slog.String("file", path),
		slog.String("stage", string(stage)),
		slog.Int("sequence", a.Sequence),
		slog.Int("blocks", a.BlockCount),
	)
	return a
}

// Peek returns the advisory for the current run of failures on path, or ""
// on the first failure. It does not change any state.
//
// The count includes an attempt already recorded for this request, so the
// second consecutive failure reads "2nd". The splitting suggestion depends
// only on the block count of raw, not on earlier requests.
func (t *Tracker) Peek(path, raw string) string {
	history := t.store.Get(path)
	if len(history) == 0 {
		return ""
	}
	n := history[len(history)-1].Sequence
	return Advisory(n, blocks.CountSearchMarkers(raw))
}

// Clear forgets every attempt for path. Called after a successful edit.
func (t *Tracker) Clear(path string) {
	t.store.Clear(path)
}

// History returns the retained attempts for path, oldest first.
func (t *Tracker) History(path string) []FailedAttempt {
	return t.store.Get(path)
}

// GarbageCollect drops attempts older than the TTL. Files left with no
// attempts lose their entry and their QA failure streak. It returns the
// number of files dropped.
func (t *Tracker) GarbageCollect() int {
	dropped := t.store.GC(t.now().Add(-t.ttl))
	for _, p := range dropped {
		t.streaks.Reset(p)
	}
	if len(dropped) > 0 {
		slog.Debug("Garbage collected failed edit history",
			slog.Int("files", len(dropped)),
			slog.Int("tracked_files", len(t.TrackedFiles())),
		)
	}
	return len(dropped)
}

// TrackedFiles returns every file with failed attempts on record, sorted.
func (t *Tracker) TrackedFiles() []string {
	return t.store.Paths()
}

// Advisory composes the message for the n-th consecutive failure of a
// request with blockCount blocks.
func Advisory(n, blockCount int) string {
	if n < 2 {
		return ""
	}
	msg := fmt.Sprintf("Note: This is the %s consecutive failed edit attempt on this file.", Ordinal(n))
	if n >= splitAdviceFrom && blockCount > 1 {
		msg += " If you keep failing, consider splitting this edit into smaller patches (one block per call)."
	}
	return msg
}

// Ordinal renders n as "1st", "2nd", "3rd", "4th", "11th", "22nd" and so on.
func Ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

// Fingerprint identifies a request by its target and content.
func Fingerprint(path, raw string) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
