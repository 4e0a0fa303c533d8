// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filelock serializes read-modify-write cycles on a file.
//
// Two layers cooperate: an in-process gate per path, so goroutines of one
// server queue up without touching the filesystem, and an advisory lock on a
// sidecar file in a lock directory, so separate server processes editing
// the same tree do not interleave. Lock files never live next to the edited
// file and are never removed; removing them would let two processes lock
// different inodes for the same path.
package filelock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPollInterval is how often a blocked Acquire retries the OS lock.
const DefaultPollInterval = 25 * time.Millisecond

// LockInfo is written into the lock file while it is held.
type LockInfo struct {
	FilePath string    `json:"file_path"`
	PID      int       `json:"pid"`
	LockedAt time.Time `json:"locked_at"`
}

// Manager hands out exclusive per-path locks.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	lockDir string
	poll    time.Duration
	locker  fileLocker

	mu    sync.Mutex
	gates map[string]*gate
}

// gate is the in-process lock for one path. refs counts holders and
// waiters so idle gates can be dropped.
type gate struct {
	ch   chan struct{}
	refs int
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets the OS lock retry interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

// DefaultLockDir returns the per-user lock directory.
func DefaultLockDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "patchmcp", "locks")
	}
	return filepath.Join(os.TempDir(), "patchmcp-locks")
}

// NewManager creates a manager storing lock files under lockDir.
//
// # Inputs
//
//   - lockDir: Directory for lock files. Empty uses DefaultLockDir.
//
// # Outputs
//
//   - *Manager: Ready-to-use manager.
//   - error: Non-nil if the lock directory cannot be created.
func NewManager(lockDir string, opts ...Option) (*Manager, error) {
	if lockDir == "" {
		lockDir = DefaultLockDir()
	}
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", lockDir, err)
	}
	m := &Manager{
		lockDir: lockDir,
		poll:    DefaultPollInterval,
		locker:  newPlatformLocker(),
		gates:   make(map[string]*gate),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Lock is a held lock. Release it exactly once.
type Lock struct {
	m    *Manager
	path string
	file *os.File
	once sync.Once
}

// Path returns the locked path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire blocks until path is locked or ctx is done.
//
// # Description
//
// Takes the in-process gate first, then polls the OS lock. On failure
// everything taken so far is released.
//
// # Inputs
//
//   - ctx: Bounds the wait.
//   - path: Absolute path of the file to lock. The file need not exist.
//
// # Outputs
//
//   - *Lock: The held lock.
//   - error: ctx.Err() when the wait was abandoned, or an I/O error.
func (m *Manager) Acquire(ctx context.Context, path string) (*Lock, error) {
	g := m.ref(path)
	select {
	case g.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(path)
		return nil, ctx.Err()
	}

	f, err := m.lockOS(ctx, path)
	if err != nil {
		<-g.ch
		m.unref(path)
		return nil, err
	}

	slog.Debug("Acquired file lock", slog.String("path", path))
	return &Lock{m: m, path: path, file: f}, nil
}

// Release unlocks. Extra calls are no-ops.
func (l *Lock) Release() error {
	var err error
	l.once.Do(func() {
		if uerr := l.m.locker.Unlock(l.file); uerr != nil {
			err = fmt.Errorf("unlocking %s: %w", l.path, uerr)
		}
		if cerr := l.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		l.m.mu.Lock()
		g := l.m.gates[l.path]
		l.m.mu.Unlock()
		<-g.ch
		l.m.unref(l.path)
		slog.Debug("Released file lock", slog.String("path", l.path))
	})
	return err
}

// WithLock runs fn while holding the lock on path.
func (m *Manager) WithLock(ctx context.Context, path string, fn func() error) error {
	l, err := m.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil {
			slog.Warn("Failed to release file lock",
				slog.String("path", path),
				slog.String("error", rerr.Error()),
			)
		}
	}()
	return fn()
}

// lockOS opens the sidecar lock file and polls until it is locked.
func (m *Manager) lockOS(ctx context.Context, path string) (*os.File, error) {
	lockPath := m.lockPath(path)
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", lockPath, err)
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		err := m.locker.TryLock(f)
		if err == nil {
			break
		}
		if err != ErrWouldBlock {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	writeInfo(f, LockInfo{FilePath: path, PID: os.Getpid(), LockedAt: time.Now()})
	return f, nil
}

// writeInfo records the holder in the lock file. Failures only cost
// debuggability.
func writeInfo(f *os.File, info LockInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := f.Truncate(0); err != nil {
		return
	}
	_, _ = f.WriteAt(append(data, '\n'), 0)
}

// ReadInfo returns the last holder recorded for path.
func (m *Manager) ReadInfo(path string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(m.lockPath(path))
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

func (m *Manager) lockPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(m.lockDir, hex.EncodeToString(sum[:12])+".lock")
}

func (m *Manager) ref(path string) *gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[path]
	if !ok {
		g = &gate{ch: make(chan struct{}, 1)}
		m.gates[path] = g
	}
	g.refs++
	return g
}

func (m *Manager) unref(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.gates[path]
	g.refs--
	if g.refs == 0 {
		delete(m.gates, path)
	}
}
