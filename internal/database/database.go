package database

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
Package database wraps a pgx connection pool with the retry executor.

Only errors PostgreSQL itself classifies as transient (connection exceptions, serialization
failures and deadlocks, insufficient resources, administrator shutdown) and client-side
failures that never reached the server are retried. Everything else fails on the first attempt.
*/

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/retry"
)

// Pool is the subset of *pgxpool.Pool the client uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Config configures Connect.
type Config struct {
	// DSN is a libpq connection string or URL.
	DSN             string
	MaxConns        int32
	ConnectTimeout  time.Duration
	ApplicationName string
	// StatementTimeout is sent as the statement_timeout run-time parameter when positive.
	StatementTimeout time.Duration
	Retry            retry.Policy
}

// DefaultConfig returns defaults for dsn.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxConns:        8,
		ConnectTimeout:  10 * time.Second,
		ApplicationName: "geoingest",
		Retry:           retry.DatabasePolicy(),
	}
}

// Client executes statements with retries.
type Client struct {
	pool   Pool
	policy retry.Policy
	exec   *retry.Executor
	logger zerolog.Logger
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.DSN == "" {
		return nil, retry.Errorf(retry.KindContract, "database: connection string is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, retry.Wrap(retry.KindContract, "database: parse connection string", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		pcfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	if cfg.StatementTimeout > 0 {
		pcfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.ConnectConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DatabasePolicy()
	}
	return NewClient(pool, policy), nil
}

// NewClient wraps an existing pool.
func NewClient(pool Pool, policy retry.Policy) *Client {
	logger := logging.Component("database")
	return &Client{
		pool:   pool,
		policy: policy,
		exec:   retry.New(retry.WithLogger(logger)),
		logger: logger,
	}
}

// Close closes the pool.
func (c *Client) Close() {
	c.pool.Close()
}

// Execute runs a statement and returns the number of affected rows.
func (c *Client) Execute(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	var affected int64
	err := c.exec.Do(ctx, func(ctx context.Context) error {
		tag, err := c.pool.Exec(ctx, sql, args...)
		if err != nil {
			return classify(err)
		}
		affected = tag.RowsAffected()
		return nil
	}, c.options("execute"))
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Query runs a query and returns every row as text. Reading stops at the first error.
func (c *Client) Query(ctx context.Context, sql string, args ...interface{}) ([][]string, error) {
	var out [][]string
	err := c.exec.Do(ctx, func(ctx context.Context) error {
		out = out[:0]
		rows, err := c.pool.Query(ctx, sql, args...)
		if err != nil {
			return classify(err)
		}
		defer rows.Close()
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return classify(err)
			}
			row := make([]string, len(vals))
			for i, v := range vals {
				if v != nil {
					row[i] = fmt.Sprint(v)
				}
			}
			out = append(out, row)
		}
		return classify(rows.Err())
	}, c.options("query"))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryInt runs a query returning a single integer, such as a MAX(id).
func (c *Client) QueryInt(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	var v int64
	err := c.exec.Do(ctx, func(ctx context.Context) error {
		return classify(c.pool.QueryRow(ctx, sql, args...).Scan(&v))
	}, c.options("query"))
	return v, err
}

func (c *Client) options(name string) retry.Options {
	return retry.Options{
		Policy:  c.policy,
		Name:    "db_" + name,
		RetryIf: IsTransient,
	}
}

// classify tags transient errors so they are reported with the right kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return retry.Wrap(retry.KindTransient, "database", err)
	}
	return err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgerrcode.QueryCanceled {
			return false
		}
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsTransactionRollback(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	return retry.IsNetworkError(err)
}
