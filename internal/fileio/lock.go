package fileio

/*
geoingest — parallel ingestion of geospatial record sets into PostGIS
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package fileio holds the filesystem primitives every cross-process coordination structure in
geoingest is built from: advisory flock(2) locks, atomic temp-file-and-rename writers and small
integer counter files.

All shared state (admission markers, ticket counters, chunk queues, progress counters) lives in
files guarded by one of these locks. Independent processes and goroutines of one process behave
the same way because each Lock opens its own file description.
*/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultLockPollInterval is how often a blocked Lock retries a non-blocking flock.
const DefaultLockPollInterval = 10 * time.Millisecond

// ErrNotLocked is returned by Unlock when the lock is not held.
var ErrNotLocked = errors.New("fileio: lock not held")

// Lock is an exclusive advisory lock on a file.
// A Lock value is not safe for concurrent use; every critical section should create its own.
type Lock struct {
	path         string
	pollInterval time.Duration
	file         *os.File
}

// NewLock returns a lock on path. The file is created on first use.
func NewLock(path string) *Lock {
	return &Lock{path: path, pollInterval: DefaultLockPollInterval}
}

// Lock blocks until the lock is held or ctx is done.
// flock is attempted non-blocking and polled so the wait honours cancellation.
func (l *Lock) Lock(ctx context.Context) error {
	if l.file != nil {
		return fmt.Errorf("fileio: lock %s already held", l.path)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("fileio: create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("fileio: open lock %s: %w", l.path, err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.file = f
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return fmt.Errorf("fileio: flock %s: %w", l.path, err)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return fmt.Errorf("fileio: waiting for lock %s: %w", l.path, ctx.Err())
		case <-time.After(l.pollInterval):
		}
	}
}

// TryLock acquires the lock without waiting. It reports false when another holder has it.
func (l *Lock) TryLock() (bool, error) {
	if l.file != nil {
		return false, fmt.Errorf("fileio: lock %s already held", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("fileio: open lock %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("fileio: flock %s: %w", l.path, err)
	}
	l.file = f
	return true, nil
}

// Unlock releases the lock. Closing the descriptor drops the flock even if LOCK_UN fails.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return ErrNotLocked
	}
	f := l.file
	l.file = nil
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("fileio: unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// WithLock runs fn while holding an exclusive lock on path.
func WithLock(ctx context.Context, path string, fn func() error) error {
	l := NewLock(path)
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}
