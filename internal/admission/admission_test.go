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
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/geoingest/internal/fileio"
)

func testConfig(t *testing.T, slots int) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxSlots = slots
	cfg.PollInterval = 5 * time.Millisecond
	cfg.AcquireTimeout = 10 * time.Second
	cfg.HealWindow = time.Hour
	cfg.AggressiveHealWindow = time.Hour
	return cfg
}

func onlySelfAlive(_ context.Context, pid int) bool { return pid == os.Getpid() }

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Owner
		ok   bool
	}{
		{"pid and seq", "1234.7", Owner{PID: 1234, Seq: 7}, true},
		{"bare pid", "1234", Owner{PID: 1234}, true},
		{"not a number", "lock", Owner{}, false},
		{"zero pid", "0.1", Owner{}, false},
		{"bad seq", "12.x", Owner{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseOwner(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	o := Owner{PID: 42, Seq: 3}
	back, ok := parseOwner(o.String())
	require.True(t, ok)
	assert.Equal(t, o, back)
}

// runBounded runs workers goroutines that start with a random delay, each hold a slot for a
// random time, and returns the highest number of simultaneous holders observed.
func runBounded(t *testing.T, q Queue, workers int) int64 {
	t.Helper()
	var (
		cur, peak atomic.Int64
		wg        sync.WaitGroup
		errs      = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(rand.N(10 * time.Millisecond))
			slot, err := q.Acquire(context.Background())
			if err != nil {
				errs <- err
				return
			}
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond + rand.N(25*time.Millisecond))
			cur.Add(-1)
			errs <- q.Release(slot)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	return peak.Load()
}

func TestSemaphoreBoundsConcurrentHolders(t *testing.T) {
	sem, err := NewSemaphore(testConfig(t, 3))
	require.NoError(t, err)

	peak := runBounded(t, sem, 12)
	assert.LessOrEqual(t, peak, int64(3))
	assert.Positive(t, peak)

	n, err := sem.Active()
	require.NoError(t, err)
	assert.Zero(t, n, "all markers released")
}

func TestTicketQueueBoundsConcurrentHolders(t *testing.T) {
	q, err := NewTicketQueue(testConfig(t, 2))
	require.NoError(t, err)

	peak := runBounded(t, q, 8)
	assert.LessOrEqual(t, peak, int64(2))

	st, err := q.Inspect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Active)
	assert.Empty(t, st.Waiting)
	assert.Equal(t, int64(8), st.Counter)
	assert.Equal(t, int64(8), st.Serving)
}

func TestSemaphoreReleaseIsIdempotent(t *testing.T) {
	sem, err := NewSemaphore(testConfig(t, 1))
	require.NoError(t, err)

	slot, err := sem.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), slot.Ticket)
	require.NoError(t, sem.Release(slot))
	require.NoError(t, sem.Release(slot))
	assert.ErrorIs(t, sem.Release(nil), ErrInvalidSlot)
}

func TestSemaphoreTimeout(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.AcquireTimeout = 50 * time.Millisecond
	sem, err := NewSemaphore(cfg)
	require.NoError(t, err)

	held, err := sem.Acquire(context.Background())
	require.NoError(t, err)
	defer sem.Release(held)

	start := time.Now()
	_, err = sem.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAdmissionTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSemaphoreWakesOnRelease(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.PollInterval = time.Minute
	sem, err := NewSemaphore(cfg)
	require.NoError(t, err)

	held, err := sem.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = sem.Release(held)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slot, err := sem.Acquire(ctx)
	require.NoError(t, err, "waiter should be woken by the marker removal")
	require.NoError(t, sem.Release(slot))
}

func TestStaleMarkersAreReclaimed(t *testing.T) {
	cfg := testConfig(t, 1)
	sem, err := NewSemaphore(cfg, WithPIDChecker(onlySelfAlive))
	require.NoError(t, err)

	dead := filepath.Join(cfg.Dir, "active", "999999.1")
	require.NoError(t, os.Mkdir(dead, 0o755))

	slot, err := sem.Acquire(context.Background())
	require.NoError(t, err)
	assert.NoDirExists(t, dead)
	require.NoError(t, sem.Release(slot))
}

func TestTicketQueueIsFIFO(t *testing.T) {
	q, err := NewTicketQueue(testConfig(t, 1))
	require.NoError(t, err)
	ctx := context.Background()

	const n = 6
	tickets := make([]int64, n)
	for i := range tickets {
		tickets[i], err = q.GetTicket(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), tickets[i])
	}

	var (
		mu    sync.Mutex
		order []int64
		wg    sync.WaitGroup
	)
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(ticket int64) {
			defer wg.Done()
			slot, err := q.WaitForTurn(ctx, ticket)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, slot.Ticket)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			assert.NoError(t, q.ReleaseTicket(ctx, slot))
		}(tickets[i])
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, tickets, order)
}

func TestTicketQueueSkipsDeadWaiters(t *testing.T) {
	cfg := testConfig(t, 1)
	q, err := NewTicketQueue(cfg, WithPIDChecker(onlySelfAlive))
	require.NoError(t, err)
	ctx := context.Background()

	// Ticket 0 belongs to a process that died while waiting.
	require.NoError(t, fileio.WriteInt(filepath.Join(cfg.Dir, "ticket_counter"), 1))
	require.NoError(t, registerWaiting(filepath.Join(cfg.Dir, "waiting"), 0, 999999))

	ticket, err := q.GetTicket(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), ticket)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	slot, err := q.WaitForTurn(wctx, ticket)
	require.NoError(t, err)
	require.NoError(t, q.ReleaseTicket(ctx, slot))
}

func TestTicketQueueAutoHealsStuckCounter(t *testing.T) {
	cfg := testConfig(t, 4)
	cfg.AggressiveHealWindow = 20 * time.Millisecond
	cfg.AggressiveWaitingThreshold = 10
	q, err := NewTicketQueue(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	// Fifty tickets were issued by processes that crashed before releasing anything.
	require.NoError(t, fileio.WriteInt(filepath.Join(cfg.Dir, "ticket_counter"), 50))
	require.NoError(t, fileio.WriteInt(filepath.Join(cfg.Dir, "current_serving"), 0))

	ticket, err := q.GetTicket(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(50), ticket)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	slot, err := q.WaitForTurn(wctx, ticket)
	require.NoError(t, err)

	st, err := q.Inspect(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Serving, int64(50))
	require.NoError(t, q.ReleaseTicket(ctx, slot))

	next, err := q.GetTicket(ctx)
	require.NoError(t, err)
	start := time.Now()
	slot, err = q.WaitForTurn(wctx, next)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "later tickets proceed without another heal")
	require.NoError(t, q.ReleaseTicket(ctx, slot))
}

func TestTicketQueueHealWindowSpansWaiters(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.HealWindow = 300 * time.Millisecond
	cfg.AcquireTimeout = 120 * time.Millisecond
	q, err := NewTicketQueue(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	// Tickets 100..104 belong to processes that died without releasing.
	require.NoError(t, fileio.WriteInt(filepath.Join(cfg.Dir, "ticket_counter"), 105))
	require.NoError(t, fileio.WriteInt(filepath.Join(cfg.Dir, "current_serving"), 100))

	deadline := time.Now().Add(5 * time.Second)
	timeouts := 0
	var slot *Slot
	for time.Now().Before(deadline) {
		slot, err = q.Acquire(ctx)
		if errors.Is(err, ErrAdmissionTimeout) {
			timeouts++
			continue
		}
		require.NoError(t, err)
		break
	}
	require.NotNil(t, slot, "the queue healed across successive waiters")
	assert.Positive(t, timeouts, "no single waiter lived through the heal window")

	st, err := q.Inspect(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Serving, int64(105))
	require.NoError(t, q.ReleaseTicket(ctx, slot))
	assert.NoFileExists(t, filepath.Join(cfg.Dir, "stuck_since"))
}

func TestTicketQueueTimeoutWithdrawsTicket(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.AcquireTimeout = 50 * time.Millisecond
	q, err := NewTicketQueue(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	held, err := q.Acquire(ctx)
	require.NoError(t, err)

	_, err = q.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAdmissionTimeout)

	st, err := q.Inspect(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Waiting)
	assert.Len(t, st.Active, 1)
	require.NoError(t, q.Release(held))
}

func TestTicketQueueHealAndReset(t *testing.T) {
	cfg := testConfig(t, 2)
	q, err := NewTicketQueue(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fileio.WriteInt(filepath.Join(cfg.Dir, "ticket_counter"), 7))
	st, err := q.Heal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.Serving)

	require.NoError(t, q.Reset(ctx))
	st, err = q.Inspect(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Counter)
	assert.Zero(t, st.Serving)
}

type fakeStatus struct {
	calls   atomic.Int32
	answers []Status
	err     error
}

func (f *fakeStatus) Status(context.Context) (Status, error) {
	n := int(f.calls.Add(1)) - 1
	if f.err != nil {
		return Status{}, f.err
	}
	if n >= len(f.answers) {
		n = len(f.answers) - 1
	}
	return f.answers[n], nil
}

func TestTicketQueueStatusFailsOpen(t *testing.T) {
	status := &fakeStatus{err: errors.New("connection refused")}
	q, err := NewTicketQueue(testConfig(t, 1), WithStatusChecker(status))
	require.NoError(t, err)

	slot, err := q.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), status.calls.Load())
	require.NoError(t, q.Release(slot))
}

func TestTicketQueueHonoursRetryAfter(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.MaxStatusWait = 30 * time.Millisecond
	status := &fakeStatus{answers: []Status{
		{SlotsAvailable: 0, RetryAfter: 10 * time.Second},
		{SlotsAvailable: 1},
	}}
	q, err := NewTicketQueue(cfg, WithStatusChecker(status))
	require.NoError(t, err)

	start := time.Now()
	slot, err := q.Acquire(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second, "wait is capped")
	assert.Equal(t, int32(2), status.calls.Load())
	require.NoError(t, q.Release(slot))
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Status
		wantErr bool
	}{
		{
			name: "slots free",
			body: "Connected as: 1\nRate limit: 2\n2 slots available now.\nCurrently running queries:\n",
			want: Status{SlotsAvailable: 2},
		},
		{
			name: "all busy",
			body: "Rate limit: 2\nSlot available after: 2025-01-01T00:00:07Z, in 7 seconds.\n" +
				"Slot available after: 2025-01-01T00:00:31Z, in 31 seconds.\n",
			want: Status{RetryAfter: 7 * time.Second},
		},
		{
			name: "colon form",
			body: "slots available now: 1\n",
			want: Status{SlotsAvailable: 1},
		},
		{name: "garbage", body: "<html>busy</html>", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStatus(tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrStatusUnparseable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusClientCachesProbe(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "geoingest-test", r.Header.Get("User-Agent"))
		fmt.Fprintln(w, "3 slots available now.")
	}))
	defer srv.Close()

	c := NewStatusClient(StatusClientConfig{URL: srv.URL, UserAgent: "geoingest-test", CacheTTL: time.Minute})
	for i := 0; i < 3; i++ {
		st, err := c.Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, st.SlotsAvailable)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestStatusClientReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewStatusClient(StatusClientConfig{URL: srv.URL})
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}
