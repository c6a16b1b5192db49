package retry

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
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/resource"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 1.5, MaxDelay: 5 * time.Millisecond}
}

func TestPolicyDelayIsNonDecreasing(t *testing.T) {
	for _, p := range []Policy{GenericPolicy(), NetworkPolicy(), DatabasePolicy()} {
		prev := time.Duration(0)
		for n := uint(0); n < 20; n++ {
			d := p.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
			assert.LessOrEqual(t, d, p.MaxDelay)
			prev = d
		}
	}
}

func TestPolicyDelayCurve(t *testing.T) {
	generic := Policy{BaseDelay: 2 * time.Second, Multiplier: 1.5, MaxDelay: time.Minute}
	assert.Equal(t, 2*time.Second, generic.Delay(0))
	assert.Equal(t, 3*time.Second, generic.Delay(1))
	assert.Equal(t, 4500*time.Millisecond, generic.Delay(2))

	network := Policy{BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}
	assert.Equal(t, 4*time.Second, network.Delay(1))
	assert.Equal(t, 8*time.Second, network.Delay(2))
	assert.Equal(t, 10*time.Second, network.Delay(3))
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	err := New().Do(context.Background(), func(context.Context) error {
		calls.Add(1)
		return boom
	}, Options{Policy: fastPolicy(4), Name: "test"})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(4), calls.Load())
	assert.Contains(t, err.Error(), "after 4 attempt(s)")
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	err := New().Do(context.Background(), func(context.Context) error {
		if calls.Add(1) < 3 {
			return Wrap(KindTransient, "op", errors.New("flaky"))
		}
		return nil
	}, Options{Policy: fastPolicy(5)})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoDoesNotRetryContractErrors(t *testing.T) {
	var calls atomic.Int32
	err := New().Do(context.Background(), func(context.Context) error {
		calls.Add(1)
		return Errorf(KindContract, "empty table name")
	}, Options{Policy: fastPolicy(5)})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, KindContract, KindOf(err))
}

func TestDoRetryIfNarrows(t *testing.T) {
	var calls atomic.Int32
	permanent := errors.New("permanent")
	err := New().Do(context.Background(), func(context.Context) error {
		calls.Add(1)
		return permanent
	}, Options{Policy: fastPolicy(5), RetryIf: func(err error) bool { return !errors.Is(err, permanent) }})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoRunsCleanupOnlyOnFailure(t *testing.T) {
	var cleaned atomic.Int32
	cleanup := func(context.Context) error { cleaned.Add(1); return nil }

	require.NoError(t, New().Do(context.Background(), func(context.Context) error { return nil },
		Options{Policy: fastPolicy(2), Cleanup: cleanup}))
	assert.Zero(t, cleaned.Load())

	require.Error(t, New().Do(context.Background(), func(context.Context) error { return errors.New("x") },
		Options{Policy: fastPolicy(2), Cleanup: cleanup}))
	assert.Equal(t, int32(1), cleaned.Load())
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	err := New().Do(ctx, func(context.Context) error {
		if calls.Add(1) == 1 {
			cancel()
		}
		return errors.New("fail")
	}, Options{Policy: Policy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

type countingQueue struct {
	acquired, released atomic.Int32
	err                error
}

func (q *countingQueue) Acquire(context.Context) (*admission.Slot, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.acquired.Add(1)
	return &admission.Slot{Ticket: -1}, nil
}

func (q *countingQueue) Release(*admission.Slot) error {
	q.released.Add(1)
	return nil
}

func TestDoSlotAwareReleasesOnEveryPath(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
	}{
		{"success", func(context.Context) error { return nil }},
		{"exhaustion", func(context.Context) error { return errors.New("down") }},
		{"unrecoverable", func(context.Context) error { return Errorf(KindContract, "bad") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &countingQueue{}
			_ = New(WithSignals()).Do(context.Background(), tt.op, Options{Policy: fastPolicy(3), Queue: q})
			assert.Equal(t, int32(1), q.acquired.Load(), "one slot for all attempts")
			assert.Equal(t, int32(1), q.released.Load())
		})
	}
}

func TestDoSlotAwareAdmissionTimeout(t *testing.T) {
	q := &countingQueue{err: fmt.Errorf("%w: test", admission.ErrAdmissionTimeout)}
	called := false
	err := New(WithSignals()).Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	}, Options{Policy: fastPolicy(3), Queue: q})
	assert.ErrorIs(t, err, admission.ErrAdmissionTimeout)
	assert.False(t, called)
	assert.Zero(t, q.released.Load())
	assert.Equal(t, ExitTimeout, ExitCode(err))
}

func TestDoSlotAwareWithRealSemaphore(t *testing.T) {
	cfg := admission.DefaultConfig(t.TempDir())
	cfg.MaxSlots = 1
	cfg.PollInterval = 5 * time.Millisecond
	sem, err := admission.NewSemaphore(cfg)
	require.NoError(t, err)

	err = New(WithSignals()).Do(context.Background(), func(context.Context) error {
		n, err := sem.Active()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}, Options{Policy: fastPolicy(1), Queue: sem})
	require.NoError(t, err)

	n, err := sem.Active()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKindOfAndExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		code int
	}{
		{"nil", nil, KindUnknown, ExitOK},
		{"plain", errors.New("x"), KindUnknown, ExitFailure},
		{"contract", Errorf(KindContract, "missing file"), KindContract, ExitInvalidArgument},
		{"dependency", Wrap(KindMissingDependency, "ogr2ogr", errors.New("not found")), KindMissingDependency, ExitMissingDependency},
		{"admission", fmt.Errorf("wrap: %w", admission.ErrAdmissionTimeout), KindAdmissionTimeout, ExitTimeout},
		{"resources", resource.ErrResourceTimeout, KindResource, ExitTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout, ExitTimeout},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, KindNetwork, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.code, ExitCode(tt.err))
		})
	}
}

func TestFailureMarkerSkipsNetworkErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed")

	wrote, err := WriteFailureMarker(path, &net.DNSError{Err: "no such host", Name: "example.invalid"})
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.NoFileExists(t, path)

	wrote, err = WriteFailureMarker(path, Errorf(KindCorruption, "part 3 unrepairable"))
	require.NoError(t, err)
	assert.True(t, wrote)

	m, err := ReadFailureMarker(path)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "corruption", m.Kind)
	assert.Equal(t, os.Getpid(), m.PID)

	require.NoError(t, ClearFailureMarker(path))
	m, err = ReadFailureMarker(path)
	require.NoError(t, err)
	assert.Nil(t, m)
}
