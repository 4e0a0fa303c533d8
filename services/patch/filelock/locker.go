// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filelock

import (
	"errors"
	"os"
)

// ErrWouldBlock indicates another process holds the lock.
var ErrWouldBlock = errors.New("lock is held by another process")

// fileLocker abstracts platform file locking.
//
// # Description
//
// Unix uses flock(2), Windows uses LockFileEx. Both are non-blocking: the
// manager polls until its context expires.
//
// # Thread Safety
//
// Safe for concurrent use on different files.
type fileLocker interface {
	// TryLock acquires an exclusive lock or returns ErrWouldBlock.
	TryLock(f *os.File) error

	// Unlock releases the lock. Safe to call when not locked.
	Unlock(f *os.File) error
}
