package admission

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

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/x-stp/geoingest/internal/fileio"
	"github.com/x-stp/geoingest/internal/metrics"
)

const semaphoreName = "semaphore"

// Semaphore is the unordered admission queue.
type Semaphore struct {
	cfg    Config
	layout layout
	opts   options
}

// NewSemaphore prepares the queue directory.
func NewSemaphore(cfg Config, opts ...Option) (*Semaphore, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	l, err := newLayout(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &Semaphore{cfg: cfg, layout: l, opts: buildOptions(semaphoreName, opts)}, nil
}

// Acquire waits for a free slot, at most AcquireTimeout.
func (s *Semaphore) Acquire(ctx context.Context) (*Slot, error) {
	started := s.opts.now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	wake, stop := watchReleases(s.layout.active)
	defer stop()

	mt := metrics.GetMetrics()
	for {
		slot, err := s.tryAcquire(ctx)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if slot != nil {
			mt.AdmissionWait.WithLabelValues(semaphoreName, "granted").Observe(time.Since(started).Seconds())
			s.opts.logger.Debug().Str("owner", slot.Owner.String()).Msg("slot acquired")
			return slot, nil
		}

		select {
		case <-ctx.Done():
			mt.AdmissionTimeouts.WithLabelValues(semaphoreName).Inc()
			mt.AdmissionWait.WithLabelValues(semaphoreName, "timeout").Observe(time.Since(started).Seconds())
			return nil, fmt.Errorf("%w after %s (max %d slots)", ErrAdmissionTimeout,
				time.Since(started).Round(time.Millisecond), s.cfg.MaxSlots)
		case <-wake:
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// tryAcquire makes one attempt under the coordination lock. It returns a nil slot when the
// queue is full.
func (s *Semaphore) tryAcquire(ctx context.Context) (*Slot, error) {
	var slot *Slot
	err := fileio.WithLock(ctx, s.layout.lock, func() error {
		if _, err := cleanStaleMarkers(ctx, s.layout.active, semaphoreName, s.opts.alive, s.opts.logger); err != nil {
			return err
		}
		n, err := countMarkers(s.layout.active)
		if err != nil {
			return err
		}
		if n >= s.cfg.MaxSlots {
			return nil
		}

		owner := newOwner()
		marker, err := createMarker(s.layout.active, owner)
		if err != nil {
			return err
		}
		// Re-count after creation; roll back if another acquirer slipped in.
		if n, err = countMarkers(s.layout.active); err != nil || n > s.cfg.MaxSlots {
			_ = removeMarker(marker)
			return err
		}
		metrics.GetMetrics().SlotsActive.WithLabelValues(semaphoreName).Set(float64(n))
		slot = &Slot{Owner: owner, Ticket: -1, AcquiredAt: s.opts.now(), marker: marker}
		return nil
	})
	return slot, err
}

// Release removes the slot marker. Releasing an already released slot is a no-op.
func (s *Semaphore) Release(slot *Slot) error {
	if slot == nil || slot.marker == "" {
		return ErrInvalidSlot
	}
	if err := removeMarker(slot.marker); err != nil {
		return err
	}
	if n, err := countMarkers(s.layout.active); err == nil {
		metrics.GetMetrics().SlotsActive.WithLabelValues(semaphoreName).Set(float64(n))
	}
	s.opts.logger.Debug().Str("owner", slot.Owner.String()).
		Dur("held", time.Since(slot.AcquiredAt)).Msg("slot released")
	return nil
}

// Active returns the number of live markers.
func (s *Semaphore) Active() (int, error) {
	return countMarkers(s.layout.active)
}

// watchReleases returns a channel signalled whenever a marker disappears from dir. When
// fsnotify is unavailable the channel never fires and callers fall back to polling.
func watchReleases(dir string) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return wake, func() {}
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return wake, func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wake, func() {
		close(done)
		_ = w.Close()
	}
}

// removeAll clears the queue state. Used by tests and the queue reset command.
func removeAll(l layout) error {
	for _, d := range []string{l.active, l.waiting} {
		if err := os.RemoveAll(d); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
