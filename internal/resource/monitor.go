package resource

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
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/metrics"
)

// ErrResourceTimeout is returned when WaitForResources gives up.
var ErrResourceTimeout = errors.New("resource: timed out waiting for resources")

// Sample is a point-in-time reading of host pressure. It is never persisted.
type Sample struct {
	MemoryUsedPercent float64
	LoadAverage       float64
	Timestamp         time.Time
	// Degraded is set when a probe failed. Missing readings count as zero, so a degraded
	// sample reads as "resources OK".
	Degraded bool
}

// ProbeFunc returns one reading.
type ProbeFunc func(ctx context.Context) (float64, error)

// Monitor samples the host and waits for pressure to drop.
type Monitor struct {
	thresholds Thresholds
	memory     ProbeFunc
	load       ProbeFunc
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbes replaces the host probes, mostly for tests.
func WithProbes(memory, load ProbeFunc) Option {
	return func(m *Monitor) {
		if memory != nil {
			m.memory = memory
		}
		if load != nil {
			m.load = load
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// NewMonitor returns a monitor reading memory and load through gopsutil.
func NewMonitor(t Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		thresholds: t.withDefaults(),
		memory:     hostMemory,
		load:       hostLoad,
		now:        time.Now,
		logger:     logging.Component("resource"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Thresholds returns the effective thresholds.
func (m *Monitor) Thresholds() Thresholds {
	return m.thresholds
}

func hostMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func hostLoad(ctx context.Context) (float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

// Sample reads memory and load. Probe failures degrade to zero readings.
func (m *Monitor) Sample(ctx context.Context) Sample {
	s := Sample{Timestamp: m.now()}

	if v, err := m.memory(ctx); err != nil {
		s.Degraded = true
		m.logger.Debug().Err(err).Msg("memory probe unavailable, assuming resources ok")
	} else {
		s.MemoryUsedPercent = v
	}
	if v, err := m.load(ctx); err != nil {
		s.Degraded = true
		m.logger.Debug().Err(err).Msg("load probe unavailable, assuming resources ok")
	} else {
		s.LoadAverage = v
	}

	mt := metrics.GetMetrics()
	mt.MemoryUsedPercent.Set(s.MemoryUsedPercent)
	mt.LoadAverage.Set(s.LoadAverage)
	return s
}

// Allocate samples the host and applies the allocation policy.
func (m *Monitor) Allocate(ctx context.Context, requested int, class WorkloadClass) Allocation {
	s := m.Sample(ctx)
	a := Allocate(s, requested, class, m.thresholds)

	metrics.GetMetrics().WorkersAllocated.WithLabelValues(class.String()).Set(float64(a.Workers))
	ev := m.logger.Info()
	if a.Workers < requested {
		ev = m.logger.Warn()
	}
	ev.Int("requested", requested).
		Int("workers", a.Workers).
		Str("class", class.String()).
		Str("reason", a.Reason).
		Float64("memory_pct", s.MemoryUsedPercent).
		Float64("load", s.LoadAverage).
		Dur("launch_delay", a.LaunchDelay).
		Msg("worker allocation")
	return a
}

// Healthy reports whether a sample is under the wait thresholds.
func (m *Monitor) Healthy(s Sample) bool {
	return s.MemoryUsedPercent < m.thresholds.MaxMemoryPercent && s.LoadAverage < m.thresholds.LoadCeiling
}

// WaitForResources polls until the host is healthy or maxWait elapses.
func (m *Monitor) WaitForResources(ctx context.Context, maxWait time.Duration) (Sample, error) {
	deadline := m.now().Add(maxWait)
	ticker := time.NewTicker(m.thresholds.PollInterval)
	defer ticker.Stop()

	for {
		s := m.Sample(ctx)
		if m.Healthy(s) {
			return s, nil
		}
		if !m.now().Before(deadline) {
			return s, fmt.Errorf("%w after %s (memory %.1f%%, load %.2f)",
				ErrResourceTimeout, maxWait, s.MemoryUsedPercent, s.LoadAverage)
		}
		m.logger.Info().
			Float64("memory_pct", s.MemoryUsedPercent).
			Float64("load", s.LoadAverage).
			Msg("waiting for resources")

		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}
