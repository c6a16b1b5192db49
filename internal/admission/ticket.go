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
	"fmt"
	"os"
	"time"

	"github.com/x-stp/geoingest/internal/fileio"
	"github.com/x-stp/geoingest/internal/metrics"
)

const ticketName = "ticket"

// TicketQueue grants slots in ticket order.
type TicketQueue struct {
	cfg    Config
	layout layout
	opts   options
}

// NewTicketQueue prepares the queue directory.
func NewTicketQueue(cfg Config, opts ...Option) (*TicketQueue, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	l, err := newLayout(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &TicketQueue{cfg: cfg, layout: l, opts: buildOptions(ticketName, opts)}, nil
}

// Acquire draws a ticket and waits for its turn.
func (q *TicketQueue) Acquire(ctx context.Context) (*Slot, error) {
	ticket, err := q.GetTicket(ctx)
	if err != nil {
		return nil, err
	}
	return q.WaitForTurn(ctx, ticket)
}

// Release gives the slot back.
func (q *TicketQueue) Release(slot *Slot) error {
	return q.ReleaseTicket(context.Background(), slot)
}

// GetTicket increments the ticket counter and returns the previous value.
func (q *TicketQueue) GetTicket(ctx context.Context) (int64, error) {
	var ticket int64
	err := fileio.WithLock(ctx, q.layout.lock, func() error {
		cur, err := fileio.ReadInt(q.layout.counter)
		if err != nil {
			return err
		}
		if err := fileio.WriteInt(q.layout.counter, cur+1); err != nil {
			return err
		}
		ticket = cur
		return registerWaiting(q.layout.waiting, ticket, os.Getpid())
	})
	if err != nil {
		return 0, fmt.Errorf("admission: get ticket: %w", err)
	}
	q.opts.logger.Debug().Int64("ticket", ticket).Msg("ticket issued")
	return ticket, nil
}

// timeout returns the wait bound for WaitForTurn.
func (q *TicketQueue) timeout() time.Duration {
	if q.cfg.ContinueOnExternalFailure {
		return q.cfg.ContinueOnFailureTimeout
	}
	return q.cfg.AcquireTimeout
}

// WaitForTurn polls until ticket may take a slot. A ticket is eligible when it is within
// MaxSlots of current_serving, fewer than MaxSlots markers are live and no lower ticket is
// still waiting.
func (q *TicketQueue) WaitForTurn(ctx context.Context, ticket int64) (*Slot, error) {
	started := q.opts.now()
	ctx, cancel := context.WithTimeout(ctx, q.timeout())
	defer cancel()

	mt := metrics.GetMetrics()
	for {
		slot, wait, err := q.tryTurn(ctx, ticket)
		if err != nil && ctx.Err() == nil {
			_ = withdrawWaiting(q.layout.waiting, ticket)
			return nil, err
		}
		if slot != nil {
			mt.AdmissionWait.WithLabelValues(ticketName, "granted").Observe(time.Since(started).Seconds())
			q.opts.logger.Debug().Int64("ticket", ticket).Str("owner", slot.Owner.String()).Msg("turn granted")
			return slot, nil
		}
		if wait <= 0 {
			wait = q.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			_ = withdrawWaiting(q.layout.waiting, ticket)
			mt.AdmissionTimeouts.WithLabelValues(ticketName).Inc()
			mt.AdmissionWait.WithLabelValues(ticketName, "timeout").Observe(time.Since(started).Seconds())
			return nil, fmt.Errorf("%w: ticket %d after %s", ErrAdmissionTimeout, ticket,
				time.Since(started).Round(time.Millisecond))
		case <-time.After(wait):
		}
	}
}

// tryTurn makes one attempt. It returns a slot, or how long to wait before the next attempt.
func (q *TicketQueue) tryTurn(ctx context.Context, ticket int64) (*Slot, time.Duration, error) {
	var (
		owner  Owner
		marker string
	)
	err := fileio.WithLock(ctx, q.layout.lock, func() error {
		if _, err := cleanStaleMarkers(ctx, q.layout.active, ticketName, q.opts.alive, q.opts.logger); err != nil {
			return err
		}
		counter, err := fileio.ReadInt(q.layout.counter)
		if err != nil {
			return err
		}
		serving, err := fileio.ReadInt(q.layout.serving)
		if err != nil {
			return err
		}
		active, err := countMarkers(q.layout.active)
		if err != nil {
			return err
		}

		if serving, err = q.heal(counter, serving, active); err != nil {
			return err
		}

		if ticket > serving+int64(q.cfg.MaxSlots) || active >= q.cfg.MaxSlots {
			return nil
		}
		waiting, err := listWaiting(ctx, q.layout.waiting, q.opts.alive, q.opts.logger)
		if err != nil {
			return err
		}
		if len(waiting) > 0 && waiting[0].ticket < ticket {
			return nil
		}

		owner = newOwner()
		if marker, err = createMarker(q.layout.active, owner); err != nil {
			return err
		}
		if n, err := countMarkers(q.layout.active); err != nil || n > q.cfg.MaxSlots {
			_ = removeMarker(marker)
			marker = ""
			return err
		}
		return nil
	})
	if err != nil || marker == "" {
		return nil, 0, err
	}

	// Advisory capacity check outside the lock. Only a definite "no slot, retry later"
	// answer rolls the marker back; errors fail open.
	if wait, ok := q.checkStatus(ctx); !ok {
		_ = removeMarker(marker)
		return nil, wait, nil
	}

	if err := withdrawWaiting(q.layout.waiting, ticket); err != nil {
		_ = removeMarker(marker)
		return nil, 0, err
	}
	if n, err := countMarkers(q.layout.active); err == nil {
		metrics.GetMetrics().SlotsActive.WithLabelValues(ticketName).Set(float64(n))
	}
	return &Slot{Owner: owner, Ticket: ticket, AcquiredAt: q.opts.now(), marker: marker}, 0, nil
}

// heal force-advances current_serving when tickets have been outstanding with no live holder
// for longer than the heal window. The start of the stuck period is kept in stuck_since so it
// outlives any single waiter. Callers hold the queue lock.
func (q *TicketQueue) heal(counter, serving int64, active int) (int64, error) {
	if active > 0 || counter <= serving {
		return serving, clearStuck(q.layout)
	}
	now := q.opts.now()
	since, err := fileio.ReadInt(q.layout.stuckSince)
	if err != nil {
		return serving, err
	}
	if since == 0 {
		return serving, fileio.WriteInt(q.layout.stuckSince, now.UnixNano())
	}
	stuckSince := time.Unix(0, since)

	window, label := q.cfg.HealWindow, "normal"
	if serving == 0 && counter-serving >= q.cfg.AggressiveWaitingThreshold {
		window, label = q.cfg.AggressiveHealWindow, "aggressive"
	}
	if now.Sub(stuckSince) < window {
		return serving, nil
	}

	if err := fileio.WriteInt(q.layout.serving, counter); err != nil {
		return serving, err
	}
	if err := clearStuck(q.layout); err != nil {
		return counter, err
	}
	metrics.GetMetrics().QueueHeals.WithLabelValues(label).Inc()
	q.opts.logger.Warn().
		Int64("from", serving).
		Int64("to", counter).
		Str("window", label).
		Msg("ticket queue stuck with no active slots, force-advancing current serving")
	return counter, nil
}

// checkStatus consults the external status endpoint. It reports false with a wait when the
// service said no slot is available.
func (q *TicketQueue) checkStatus(ctx context.Context) (time.Duration, bool) {
	if q.opts.status == nil {
		return 0, true
	}
	ctx, cancel := context.WithTimeout(ctx, q.cfg.StatusCheckTimeout)
	defer cancel()

	st, err := q.opts.status.Status(ctx)
	if err != nil {
		q.opts.logger.Debug().Err(err).Msg("status check failed, granting slot")
		return 0, true
	}
	if st.SlotsAvailable > 0 || st.RetryAfter <= 0 {
		return 0, true
	}
	wait := st.RetryAfter
	if wait > q.cfg.MaxStatusWait {
		wait = q.cfg.MaxStatusWait
	}
	q.opts.logger.Info().Dur("retry_after", st.RetryAfter).Msg("external service has no free slot")
	return wait, false
}

// ReleaseTicket removes the slot marker and advances current_serving to ticket+1 if that
// is larger than its current value.
func (q *TicketQueue) ReleaseTicket(ctx context.Context, slot *Slot) error {
	if slot == nil || slot.marker == "" || slot.Ticket < 0 {
		return ErrInvalidSlot
	}
	err := fileio.WithLock(ctx, q.layout.lock, func() error {
		if err := removeMarker(slot.marker); err != nil {
			return err
		}
		serving, err := fileio.ReadInt(q.layout.serving)
		if err != nil {
			return err
		}
		if next := slot.Ticket + 1; next > serving {
			if err := fileio.WriteInt(q.layout.serving, next); err != nil {
				return err
			}
			return clearStuck(q.layout)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("admission: release ticket %d: %w", slot.Ticket, err)
	}
	q.opts.logger.Debug().Int64("ticket", slot.Ticket).Dur("held", time.Since(slot.AcquiredAt)).Msg("ticket released")
	return nil
}

// clearStuck forgets the start of a stuck period. Callers hold the queue lock.
func clearStuck(l layout) error {
	if err := os.Remove(l.stuckSince); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("admission: clear %s: %w", l.stuckSince, err)
	}
	return nil
}

// Inspect returns a snapshot of the queue.
func (q *TicketQueue) Inspect(ctx context.Context) (State, error) {
	return inspect(ctx, q.layout, q.opts)
}

// Heal unconditionally advances current_serving to the ticket counter.
func (q *TicketQueue) Heal(ctx context.Context) (State, error) {
	err := fileio.WithLock(ctx, q.layout.lock, func() error {
		counter, err := fileio.ReadInt(q.layout.counter)
		if err != nil {
			return err
		}
		serving, err := fileio.ReadInt(q.layout.serving)
		if err != nil {
			return err
		}
		if counter > serving {
			q.opts.logger.Warn().Int64("from", serving).Int64("to", counter).Msg("manual heal")
			metrics.GetMetrics().QueueHeals.WithLabelValues("manual").Inc()
			if err := fileio.WriteInt(q.layout.serving, counter); err != nil {
				return err
			}
		}
		return clearStuck(q.layout)
	})
	if err != nil {
		return State{}, err
	}
	return q.Inspect(ctx)
}

// Reset removes every marker, waiting ticket and counter.
func (q *TicketQueue) Reset(ctx context.Context) error {
	return fileio.WithLock(ctx, q.layout.lock, func() error {
		if err := removeAll(q.layout); err != nil {
			return err
		}
		for _, f := range []string{q.layout.counter, q.layout.serving, q.layout.stuckSince} {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		_, err := newLayout(q.layout.dir)
		return err
	})
}

// Inspect returns a snapshot of the semaphore.
func (s *Semaphore) Inspect(ctx context.Context) (State, error) {
	return inspect(ctx, s.layout, s.opts)
}

func inspect(ctx context.Context, l layout, o options) (State, error) {
	var st State
	err := fileio.WithLock(ctx, l.lock, func() error {
		entries, err := os.ReadDir(l.active)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if owner, ok := parseOwner(e.Name()); ok {
				st.Active = append(st.Active, owner)
			}
		}
		waiting, err := listWaiting(ctx, l.waiting, o.alive, o.logger)
		if err != nil {
			return err
		}
		for _, w := range waiting {
			st.Waiting = append(st.Waiting, w.ticket)
		}
		if st.Counter, err = fileio.ReadInt(l.counter); err != nil {
			return err
		}
		st.Serving, err = fileio.ReadInt(l.serving)
		return err
	})
	return st, err
}
