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
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	s/<path>            last sequence number (uint64, big endian)
//	a/<path>\x00<seq>   JSON FailedAttempt, seq big endian
const (
	seqPrefix     = "s/"
	attemptPrefix = "a/"
)

// BadgerStore is a Store persisted in BadgerDB, so consecutive-failure
// counts survive a server restart.
//
// Storage errors are logged and the store degrades to "no history"; the
// Store contract has no error returns because failure accounting must
// never block an edit.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db    *badger.DB
	limit int

	// mu serializes read-modify-write of the sequence key. Badger would
	// otherwise report a conflict for concurrent appends to one path.
	mu sync.Mutex
}

// NewBadgerStore creates a store keeping at most limit attempts per file.
func NewBadgerStore(db *badger.DB, limit int) *BadgerStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &BadgerStore{db: db, limit: limit}
}

func seqKey(path string) []byte {
	return []byte(seqPrefix + path)
}

func attemptsPrefix(path string) []byte {
	return []byte(attemptPrefix + path + "\x00")
}

func attemptKey(path string, seq uint64) []byte {
	k := attemptsPrefix(path)
	return binary.BigEndian.AppendUint64(k, seq)
}

// pathOfAttemptKey recovers the path from an attempt key.
func pathOfAttemptKey(k []byte) string {
	k = bytes.TrimPrefix(k, []byte(attemptPrefix))
	if len(k) < 9 {
		return string(k)
	}
	return string(k[:len(k)-9])
}

// Get implements Store.
func (s *BadgerStore) Get(path string) []FailedAttempt {
	var out []FailedAttempt
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = s.scan(txn, path)
		return err
	})
	if err != nil {
		slog.Warn("Failure history read failed", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	return out
}

func (s *BadgerStore) scan(txn *badger.Txn, path string) ([]FailedAttempt, error) {
	prefix := attemptsPrefix(path)
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
	defer it.Close()

	var out []FailedAttempt
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var a FailedAttempt
		if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Append implements Store.
func (s *BadgerStore) Append(a FailedAttempt) FailedAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		var seq uint64
		item, err := txn.Get(seqKey(a.FilePath))
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				if len(v) == 8 {
					seq = binary.BigEndian.Uint64(v)
				}
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		seq++
		a.Sequence = int(seq)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := txn.Set(attemptKey(a.FilePath, seq), data); err != nil {
			return err
		}
		if err := txn.Set(seqKey(a.FilePath), binary.BigEndian.AppendUint64(nil, seq)); err != nil {
			return err
		}
		if seq > uint64(s.limit) {
			return txn.Delete(attemptKey(a.FilePath, seq-uint64(s.limit)))
		}
		return nil
	})
	if err != nil {
		slog.Warn("Failure history write failed", slog.String("path", a.FilePath), slog.String("error", err.Error()))
	}
	return a
}

// Clear implements Store.
func (s *BadgerStore) Clear(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, attemptsPrefix(path)); err != nil {
			return err
		}
		return txn.Delete(seqKey(path))
	})
	if err != nil {
		slog.Warn("Failure history clear failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// GC implements Store.
func (s *BadgerStore) GC(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var emptied []string
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(attemptPrefix)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})

		var stale [][]byte
		remaining := map[string]int{}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			path := pathOfAttemptKey(item.Key())
			var a FailedAttempt
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
				it.Close()
				return err
			}
			if a.Timestamp.Before(cutoff) {
				stale = append(stale, item.KeyCopy(nil))
				if _, ok := remaining[path]; !ok {
					remaining[path] = 0
				}
			} else {
				remaining[path]++
			}
		}
		it.Close()

		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for path, n := range remaining {
			if n == 0 {
				if err := txn.Delete(seqKey(path)); err != nil {
					return err
				}
				emptied = append(emptied, path)
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("Failure history GC failed", slog.String("error", err.Error()))
		return nil
	}
	sort.Strings(emptied)
	return emptied
}

// Paths implements Store.
func (s *BadgerStore) Paths() []string {
	var paths []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(seqPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			paths = append(paths, string(bytes.TrimPrefix(it.Item().Key(), prefix)))
		}
		return nil
	})
	if err != nil {
		slog.Warn("Failure history listing failed", slog.String("error", err.Error()))
		return nil
	}
	sort.Strings(paths)
	return paths
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
