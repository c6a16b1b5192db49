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

/*
Package retry runs operations with bounded attempts and exponential backoff.

Every specialisation (HTTP fetch, rate-limited API query, database statement) shares the
Executor skeleton: optional slot acquisition from an admission queue held across all attempts,
backoff of BaseDelay*Multiplier^n capped at MaxDelay, and a cleanup hook run once the
operation is given up on.
*/

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/metrics"
)

// Policy is an attempt bound and backoff curve.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// GenericPolicy is used for shell and file operations.
func GenericPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 1.5, MaxDelay: time.Minute}
}

// NetworkPolicy is used for HTTP downloads and API queries.
func NetworkPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 2 * time.Minute}
}

// DatabasePolicy is used for statements against PostgreSQL.
func DatabasePolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 1.5, MaxDelay: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delay returns the sleep after the n-th failed attempt, counting from zero.
// The sequence is non-decreasing.
func (p Policy) Delay(n uint) time.Duration {
	p = p.normalized()
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Operation is one attempt.
type Operation func(ctx context.Context) error

// Options configures one Do call.
type Options struct {
	Policy
	// Name labels logs and metrics, e.g. the endpoint or statement.
	Name string
	// Queue makes the call slot-aware: a slot is acquired before the first attempt and
	// released on every exit path, including SIGINT and SIGTERM.
	Queue admission.Queue
	// Cleanup runs once when the operation is given up on.
	Cleanup func(ctx context.Context) error
	// RetryIf narrows which errors are retried. Errors whose Kind is not retryable are never
	// retried regardless.
	RetryIf func(error) bool
}

// Executor runs operations under a retry policy.
type Executor struct {
	logger  zerolog.Logger
	signals []os.Signal
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithSignals overrides the signals that cancel slot-aware calls.
func WithSignals(sigs ...os.Signal) ExecutorOption {
	return func(e *Executor) { e.signals = sigs }
}

// New returns an Executor.
func New(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:  logging.Component("retry"),
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op until it succeeds, fails with a non-retryable error, exhausts MaxAttempts or ctx
// is done. The returned error wraps the last attempt's error.
func (e *Executor) Do(ctx context.Context, op Operation, o Options) (err error) {
	p := o.Policy.normalized()
	name := o.Name
	if name == "" {
		name = "operation"
	}
	logger := e.logger.With().Str("operation", name).Logger()
	mt := metrics.GetMetrics()

	if o.Queue != nil {
		if len(e.signals) > 0 {
			var stop context.CancelFunc
			ctx, stop = signal.NotifyContext(ctx, e.signals...)
			defer stop()
		}
		slot, aerr := o.Queue.Acquire(ctx)
		if aerr != nil {
			return fmt.Errorf("retry: %s: acquire slot: %w", name, aerr)
		}
		defer func() {
			if rerr := o.Queue.Release(slot); rerr != nil {
				logger.Warn().Err(rerr).Msg("failed to release admission slot")
			}
		}()
	}

	attempts := 0
	var last error
	err = retrygo.Do(
		func() error {
			attempts++
			aerr := op(ctx)
			if aerr == nil {
				return nil
			}
			last = aerr
			if !KindOf(aerr).Retryable() {
				return retrygo.Unrecoverable(aerr)
			}
			return aerr
		},
		retrygo.Context(ctx),
		retrygo.Attempts(uint(p.MaxAttempts)),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			return p.Delay(n)
		}),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(func(rerr error) bool {
			if !retrygo.IsRecoverable(rerr) {
				return false
			}
			return o.RetryIf == nil || o.RetryIf(rerr)
		}),
		retrygo.OnRetry(func(n uint, rerr error) {
			if int(n)+1 >= p.MaxAttempts {
				return
			}
			mt.RetryAttempts.WithLabelValues(name).Inc()
			logger.Warn().Err(rerr).
				Int("attempt", int(n)+1).
				Int("max_attempts", p.MaxAttempts).
				Dur("backoff", p.Delay(n)).
				Msg("attempt failed, retrying")
		}),
	)
	if err == nil {
		if attempts > 1 {
			logger.Info().Int("attempts", attempts).Msg("succeeded after retry")
		}
		return nil
	}

	if last != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && !errors.Is(last, err) {
		err = fmt.Errorf("%w (last error: %v)", err, last)
	}
	mt.RetryExhausted.WithLabelValues(name).Inc()
	logger.Error().Err(err).Int("attempts", attempts).Msg("giving up")

	if o.Cleanup != nil && attempts > 0 {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		if cerr := o.Cleanup(cctx); cerr != nil {
			logger.Warn().Err(cerr).Msg("cleanup after failure returned an error")
		}
		cancel()
	}
	return fmt.Errorf("retry: %s failed after %d attempt(s): %w", name, attempts, err)
}

// Do runs op with a default Executor.
func Do(ctx context.Context, op Operation, o Options) error {
	return New().Do(ctx, op, o)
}
