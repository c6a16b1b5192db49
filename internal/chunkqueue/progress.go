package chunkqueue

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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/x-stp/geoingest/internal/fileio"
)

// Progress is the shared completed-chunk counter.
type Progress struct {
	path string
	lock string
}

// NewProgress returns the counter stored at path.
func NewProgress(path string) *Progress {
	return &Progress{path: path, lock: path + ".lock"}
}

// Increment adds one completed chunk and returns the new count.
func (p *Progress) Increment(ctx context.Context) (int64, error) {
	return fileio.AddInt(ctx, p.lock, p.path, 1)
}

// Value returns the current count.
func (p *Progress) Value() (int64, error) {
	return fileio.ReadInt(p.path)
}

// WorkerResult is what one worker reports at exit.
type WorkerResult struct {
	WorkerID     int       `json:"worker_id"`
	PID          int       `json:"pid"`
	Affected     int64     `json:"affected"`
	Chunks       int       `json:"chunks"`
	FailedChunks int       `json:"failed_chunks"`
	Errors       []string  `json:"errors,omitempty"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
}

func resultPath(dir string, workerID int) string {
	return filepath.Join(dir, fmt.Sprintf("worker_%03d.json", workerID))
}

// WriteResult stores r in dir.
func WriteResult(dir string, r WorkerResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return fileio.WriteFileAtomic(resultPath(dir, r.WorkerID), data)
}

// ReadResults loads every worker result in dir, ordered by worker id.
func ReadResults(dir string) ([]WorkerResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]WorkerResult, 0, len(entries))
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "worker_") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var r WorkerResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("chunkqueue: parse %s: %w", e.Name(), err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// Estimate returns percent complete and the remaining time extrapolated from the average time
// per completed chunk. eta is zero until the first chunk completes.
func Estimate(done, total int64, elapsed time.Duration) (percent float64, eta time.Duration) {
	if total <= 0 {
		return 100, 0
	}
	percent = float64(done) * 100 / float64(total)
	if done <= 0 || done >= total {
		return percent, 0
	}
	perChunk := elapsed / time.Duration(done)
	return percent, perChunk * time.Duration(total-done)
}

// Monitor logs progress until every chunk completed or ctx is done.
type Monitor struct {
	progress *Progress
	queue    *Queue
	total    int64
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewMonitor returns a Monitor for total chunks.
func NewMonitor(p *Progress, total int64, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{progress: p, total: total, interval: interval, logger: logger, now: time.Now}
}

// WithQueue adds the number of chunks still queued to each progress line.
func (m *Monitor) WithQueue(q *Queue) *Monitor {
	m.queue = q
	return m
}

// Run polls the counter every interval. It returns the last observed count.
func (m *Monitor) Run(ctx context.Context) int64 {
	start := m.now()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var last int64
	for {
		done, err := m.progress.Value()
		if err != nil {
			m.logger.Debug().Err(err).Msg("progress unreadable")
		} else if done != last || done >= m.total {
			last = done
			pct, eta := Estimate(done, m.total, m.now().Sub(start))
			ev := m.logger.Info().
				Int64("done", done).
				Int64("total", m.total).
				Str("percent", fmt.Sprintf("%.1f", pct)).
				Dur("eta", eta.Round(time.Second))
			if m.queue != nil {
				if queued, err := m.queue.Remaining(ctx); err == nil {
					ev = ev.Int64("queued", queued)
				}
			}
			ev.Msg("progress")
		}
		if last >= m.total {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
		}
	}
}
