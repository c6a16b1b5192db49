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

/*
Package resource samples host memory and load and turns a requested worker count into a safe
one. Allocate is a pure function of a Sample so the policy can be tested without a host.
*/

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// WorkloadClass selects the thresholds used by Allocate.
type WorkloadClass int

const (
	// Generic work tolerates more memory pressure before backing off.
	Generic WorkloadClass = iota
	// LargeFile work (partitioned dumps) reserves headroom and backs off early.
	LargeFile
)

func (c WorkloadClass) String() string {
	switch c {
	case Generic:
		return "generic"
	case LargeFile:
		return "large-file"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ParseWorkloadClass accepts "generic" or "large-file".
func ParseWorkloadClass(s string) (WorkloadClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "generic":
		return Generic, nil
	case "large-file", "largefile", "large":
		return LargeFile, nil
	}
	return Generic, fmt.Errorf("resource: unknown workload class %q", s)
}

// Thresholds configures the allocator and WaitForResources.
type Thresholds struct {
	// LoadCeiling is the load average above which launches are slowed. Zero means NumCPU.
	LoadCeiling float64
	// BaseLaunchDelay is the pause between worker launches on an idle host.
	BaseLaunchDelay time.Duration
	// MaxLaunchDelay caps the load-scaled delay.
	MaxLaunchDelay time.Duration
	// MaxMemoryPercent is the memory level WaitForResources waits to drop below.
	MaxMemoryPercent float64
	// PollInterval is the WaitForResources sampling period.
	PollInterval time.Duration
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LoadCeiling:      float64(runtime.NumCPU()),
		BaseLaunchDelay:  500 * time.Millisecond,
		MaxLaunchDelay:   10 * time.Second,
		MaxMemoryPercent: 85,
		PollInterval:     5 * time.Second,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.LoadCeiling <= 0 {
		t.LoadCeiling = d.LoadCeiling
	}
	if t.MaxLaunchDelay <= 0 {
		t.MaxLaunchDelay = d.MaxLaunchDelay
	}
	if t.MaxMemoryPercent <= 0 {
		t.MaxMemoryPercent = d.MaxMemoryPercent
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	return t
}

// Allocation is the allocator decision.
type Allocation struct {
	Workers     int
	LaunchDelay time.Duration
	// Reason names the branch that decided the worker count.
	Reason string
}

// Allocate reduces requested according to memory pressure and derives the launch delay from
// load. It never returns fewer than one worker.
func Allocate(s Sample, requested int, class WorkloadClass, t Thresholds) Allocation {
	t = t.withDefaults()
	if requested < 1 {
		requested = 1
	}

	mem := s.MemoryUsedPercent
	workers := requested
	reason := "ok"

	switch class {
	case LargeFile:
		workers = requested - 2
		if workers < 1 {
			workers = 1
		}
		reason = "headroom"
		switch {
		case mem > 75:
			workers, reason = 1, "memory>75%"
		case mem > 65:
			workers, reason = workers/2, "memory>65%"
		case mem > 50:
			workers, reason = workers*2/3, "memory>50%"
		}
	default:
		switch {
		case mem > 85:
			workers, reason = workers/2, "memory>85%"
		case mem > 70:
			workers, reason = workers/2, "memory>70%"
		case mem > 50:
			workers, reason = workers*3/4, "memory>50%"
		}
	}
	if workers < 1 {
		workers = 1
	}

	return Allocation{
		Workers:     workers,
		LaunchDelay: launchDelay(s.LoadAverage, t),
		Reason:      reason,
	}
}

// launchDelay scales the base delay by load/ceiling once load exceeds the ceiling.
func launchDelay(load float64, t Thresholds) time.Duration {
	delay := t.BaseLaunchDelay
	if load > t.LoadCeiling && t.LoadCeiling > 0 {
		delay = time.Duration(float64(delay) * (load / t.LoadCeiling))
		if delay < t.BaseLaunchDelay {
			delay = t.BaseLaunchDelay
		}
	}
	if delay > t.MaxLaunchDelay {
		delay = t.MaxLaunchDelay
	}
	return delay
}
