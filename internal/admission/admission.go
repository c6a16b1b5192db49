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

/*
Package admission bounds the number of processes concurrently talking to an external
rate-limited service.

State lives under <scratch>/download_queue:

	active/           one marker directory per held slot, named <pid>.<seq>
	waiting/          one file per issued, not yet granted ticket (ticket queue only)
	ticket_counter    next ticket to hand out
	current_serving   lowest ticket not yet released
	stuck_since       when tickets began waiting with no live holder (ticket queue only)
	lock              flock(2) guarding every read-modify-write above

Two implementations share the Queue contract. Semaphore grants slots to whoever wins the race.
TicketQueue grants them in ticket order and self-heals when a holder crashed without releasing.
*/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/x-stp/geoingest/internal/logging"
)

var (
	// ErrAdmissionTimeout is returned when no slot became available in time.
	ErrAdmissionTimeout = errors.New("admission: timed out waiting for a slot")
	// ErrInvalidSlot is returned when releasing a slot this queue did not grant.
	ErrInvalidSlot = errors.New("admission: invalid slot")
)

// Queue is the acquire/release contract shared by both implementations.
type Queue interface {
	Acquire(ctx context.Context) (*Slot, error)
	Release(slot *Slot) error
}

// Owner identifies a slot holder. PID is what stale detection checks; Seq distinguishes
// holders inside one process.
type Owner struct {
	PID int
	Seq int64
}

// String returns the marker name.
func (o Owner) String() string {
	return strconv.Itoa(o.PID) + "." + strconv.FormatInt(o.Seq, 10)
}

// parseOwner parses a marker name. Bare PIDs are accepted for markers written by older tools.
func parseOwner(name string) (Owner, bool) {
	pidPart, seqPart, _ := strings.Cut(name, ".")
	pid, err := strconv.Atoi(pidPart)
	if err != nil || pid <= 0 {
		return Owner{}, false
	}
	var seq int64
	if seqPart != "" {
		if seq, err = strconv.ParseInt(seqPart, 10, 64); err != nil {
			return Owner{}, false
		}
	}
	return Owner{PID: pid, Seq: seq}, true
}

var ownerSeq atomic.Int64

// newOwner returns a fresh owner for the current process.
func newOwner() Owner {
	return Owner{PID: os.Getpid(), Seq: ownerSeq.Add(1)}
}

// Slot is a held capacity permit.
type Slot struct {
	Owner Owner
	// Ticket is the FIFO ticket, -1 for semaphore slots.
	Ticket     int64
	AcquiredAt time.Time
	marker     string
}

// Config configures both queue implementations.
type Config struct {
	// Dir is the queue directory, normally <scratch>/download_queue.
	Dir            string
	MaxSlots       int
	AcquireTimeout time.Duration
	PollInterval   time.Duration
	// HealWindow is how long the ticket queue tolerates no active slots while tickets wait.
	HealWindow time.Duration
	// AggressiveHealWindow replaces HealWindow when current_serving never moved and at least
	// AggressiveWaitingThreshold tickets are outstanding.
	AggressiveHealWindow       time.Duration
	AggressiveWaitingThreshold int64
	// ContinueOnExternalFailure shortens the ticket wait to ContinueOnFailureTimeout.
	ContinueOnExternalFailure bool
	ContinueOnFailureTimeout  time.Duration
	// StatusCheckTimeout bounds the advisory external status probe.
	StatusCheckTimeout time.Duration
	// MaxStatusWait caps how long a "retry in N seconds" answer may delay a waiter.
	MaxStatusWait time.Duration
}

// DefaultConfig returns defaults rooted at <scratch>/download_queue.
func DefaultConfig(scratch string) Config {
	return Config{
		Dir:                        filepath.Join(scratch, "download_queue"),
		MaxSlots:                   4,
		AcquireTimeout:             10 * time.Minute,
		PollInterval:               time.Second,
		HealWindow:                 10 * time.Minute,
		AggressiveHealWindow:       time.Minute,
		AggressiveWaitingThreshold: 10,
		ContinueOnFailureTimeout:   2 * time.Minute,
		StatusCheckTimeout:         5 * time.Second,
		MaxStatusWait:              30 * time.Second,
	}
}

func (c Config) withDefaults() (Config, error) {
	if c.Dir == "" {
		return c, errors.New("admission: queue directory is required")
	}
	d := DefaultConfig("")
	if c.MaxSlots <= 0 {
		c.MaxSlots = d.MaxSlots
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HealWindow <= 0 {
		c.HealWindow = d.HealWindow
	}
	if c.AggressiveHealWindow <= 0 {
		c.AggressiveHealWindow = d.AggressiveHealWindow
	}
	if c.AggressiveWaitingThreshold <= 0 {
		c.AggressiveWaitingThreshold = d.AggressiveWaitingThreshold
	}
	if c.ContinueOnFailureTimeout <= 0 {
		c.ContinueOnFailureTimeout = d.ContinueOnFailureTimeout
	}
	if c.StatusCheckTimeout <= 0 {
		c.StatusCheckTimeout = d.StatusCheckTimeout
	}
	if c.MaxStatusWait <= 0 {
		c.MaxStatusWait = d.MaxStatusWait
	}
	return c, nil
}

type layout struct {
	dir        string
	active     string
	waiting    string
	lock       string
	counter    string
	serving    string
	stuckSince string
}

func newLayout(dir string) (layout, error) {
	l := layout{
		dir:        dir,
		active:     filepath.Join(dir, "active"),
		waiting:    filepath.Join(dir, "waiting"),
		lock:       filepath.Join(dir, "lock"),
		counter:    filepath.Join(dir, "ticket_counter"),
		serving:    filepath.Join(dir, "current_serving"),
		stuckSince: filepath.Join(dir, "stuck_since"),
	}
	for _, d := range []string{l.active, l.waiting} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return l, fmt.Errorf("admission: create %s: %w", d, err)
		}
	}
	return l, nil
}

// options are shared by both queues.
type options struct {
	alive  PIDChecker
	status StatusChecker
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a queue.
type Option func(*options)

// WithPIDChecker replaces the process liveness check.
func WithPIDChecker(fn PIDChecker) Option {
	return func(o *options) { o.alive = fn }
}

// WithStatusChecker installs the advisory external capacity check used by TicketQueue.
func WithStatusChecker(s StatusChecker) Option {
	return func(o *options) { o.status = s }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(name string, opts []Option) options {
	o := options{
		alive:  ProcessAlive,
		logger: logging.Component("admission").With().Str("queue", name).Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// countMarkers returns the number of live slot markers.
func countMarkers(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("admission: read %s: %w", dir, err)
	}
	n := 0
	for _, e := range entries {
		if _, ok := parseOwner(e.Name()); ok {
			n++
		}
	}
	return n, nil
}

// createMarker atomically creates the marker for owner. It fails if the marker exists.
func createMarker(dir string, owner Owner) (string, error) {
	path := filepath.Join(dir, owner.String())
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", fmt.Errorf("admission: create marker %s: %w", path, err)
	}
	return path, nil
}

func removeMarker(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("admission: remove marker %s: %w", path, err)
	}
	return nil
}

// State is a snapshot of the queue directory.
type State struct {
	Active  []Owner
	Waiting []int64
	Counter int64
	Serving int64
}
