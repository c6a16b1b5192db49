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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/x-stp/geoingest/internal/metrics"
)

// PIDChecker reports whether a process is alive.
type PIDChecker func(ctx context.Context, pid int) bool

// ProcessAlive asks the OS whether pid exists. Errors count as alive so a failing probe
// never frees a slot that is still in use.
func ProcessAlive(ctx context.Context, pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return true
	}
	return ok
}

// cleanStaleMarkers removes active markers whose owner process is gone.
// Callers hold the queue lock.
func cleanStaleMarkers(ctx context.Context, dir, queue string, alive PIDChecker, logger zerolog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("admission: read %s: %w", dir, err)
	}
	removed := 0
	for _, e := range entries {
		owner, ok := parseOwner(e.Name())
		if !ok || alive(ctx, owner.PID) {
			continue
		}
		if err := removeMarker(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
		metrics.GetMetrics().StaleCleaned.WithLabelValues(queue, "active").Inc()
		logger.Warn().Int("pid", owner.PID).Str("marker", e.Name()).
			Msg("removed slot marker of dead process")
	}
	return removed, nil
}

// waitingEntry is a registered ticket and the PID waiting on it.
type waitingEntry struct {
	ticket int64
	pid    int
}

func waitingPath(dir string, ticket int64) string {
	return filepath.Join(dir, strconv.FormatInt(ticket, 10))
}

// registerWaiting records that pid waits on ticket.
func registerWaiting(dir string, ticket int64, pid int) error {
	f, err := os.OpenFile(waitingPath(dir, ticket), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("admission: register ticket %d: %w", ticket, err)
	}
	_, werr := f.WriteString(strconv.Itoa(pid) + "\n")
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

func withdrawWaiting(dir string, ticket int64) error {
	if err := os.Remove(waitingPath(dir, ticket)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("admission: withdraw ticket %d: %w", ticket, err)
	}
	return nil
}

// listWaiting returns registered tickets in ascending order, dropping and removing entries
// whose waiter died.
func listWaiting(ctx context.Context, dir string, alive PIDChecker, logger zerolog.Logger) ([]waitingEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("admission: read %s: %w", dir, err)
	}
	out := make([]waitingEntry, 0, len(entries))
	for _, e := range entries {
		ticket, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		pid, err := strconv.Atoi(string(bytes.TrimSpace(data)))
		if err != nil || !alive(ctx, pid) {
			_ = withdrawWaiting(dir, ticket)
			metrics.GetMetrics().StaleCleaned.WithLabelValues("ticket", "waiting").Inc()
			logger.Warn().Int64("ticket", ticket).Int("pid", pid).Msg("dropped ticket of dead waiter")
			continue
		}
		out = append(out, waitingEntry{ticket: ticket, pid: pid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ticket < out[j].ticket })
	return out, nil
}
