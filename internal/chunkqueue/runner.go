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
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/retry"
)

// Spawner starts one worker for run and blocks until it exits.
type Spawner interface {
	Spawn(ctx context.Context, run *Run, workerID int) error
}

// InProcessSpawner runs workers as goroutines of the calling process.
type InProcessSpawner struct {
	Op      BatchOp
	Options []WorkerOption
}

// Spawn runs the worker.
func (s InProcessSpawner) Spawn(ctx context.Context, run *Run, workerID int) error {
	_, err := NewWorker(run, workerID, s.Op, s.Options...).Run(ctx)
	return err
}

// ProcessSpawner re-executes a binary once per worker. The child receives
// --run-dir <dir> --worker-id <n> after Args and is expected to run a Worker on that run.
type ProcessSpawner struct {
	Executable string
	Args       []string
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer
}

// Spawn starts the child and waits for it.
func (s ProcessSpawner) Spawn(ctx context.Context, run *Run, workerID int) error {
	exe := s.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return retry.Wrap(retry.KindMissingDependency, "chunkqueue: locate executable", err)
		}
	}
	args := append(append([]string(nil), s.Args...),
		"--run-dir", run.Dir, "--worker-id", strconv.Itoa(workerID))
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("chunkqueue: worker %d: %w", workerID, err)
	}
	return nil
}

// Config configures a Runner.
type Config struct {
	// ScratchDir holds run directories under chunkqueue/.
	ScratchDir       string
	Workers          int
	ChunkSize        int64
	SubBatchSize     int64
	MonitorInterval  time.Duration
	ReclaimAbandoned bool
	// KeepRunDir keeps the run directory after a successful run.
	KeepRunDir bool
}

// DefaultConfig returns defaults rooted at scratch.
func DefaultConfig(scratch string) Config {
	return Config{
		ScratchDir:      scratch,
		Workers:         4,
		ChunkSize:       100000,
		SubBatchSize:    10000,
		MonitorInterval: 10 * time.Second,
	}
}

// Summary describes a finished run.
type Summary struct {
	RunID        string
	Dir          string
	Chunks       int64
	Completed    int64
	// Total is the sum of rows affected across workers.
	Total        int64
	FailedChunks int
	Results      []WorkerResult
	Duration     time.Duration
}

// Runner distributes a batch operation over workers.
type Runner struct {
	cfg     Config
	spawner Spawner
	logger  zerolog.Logger
}

// NewRunner validates cfg.
func NewRunner(cfg Config, spawner Spawner) (*Runner, error) {
	if cfg.ScratchDir == "" {
		return nil, retry.Errorf(retry.KindContract, "chunkqueue: scratch directory is required")
	}
	if cfg.Workers < 1 {
		return nil, retry.Errorf(retry.KindContract, "chunkqueue: worker count must be >= 1, got %d", cfg.Workers)
	}
	if cfg.ChunkSize < 1 || cfg.SubBatchSize < 1 {
		return nil, retry.Errorf(retry.KindContract, "chunkqueue: chunk size %d and sub-batch size %d must be >= 1",
			cfg.ChunkSize, cfg.SubBatchSize)
	}
	if spawner == nil {
		return nil, retry.Errorf(retry.KindContract, "chunkqueue: spawner is required")
	}
	return &Runner{
		cfg:     cfg,
		spawner: spawner,
		logger:  logging.Component("chunkqueue"),
	}, nil
}

// Run covers [0, maxID] with chunks and drives workers until the queue is drained. The
// returned error aggregates worker failures, missing worker results and failed chunks; the
// summary is returned either way once the run directory exists.
func (r *Runner) Run(ctx context.Context, operation string, maxID int64) (*Summary, error) {
	started := time.Now()
	chunks, err := Split(maxID, r.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	workers := r.cfg.Workers
	if workers > len(chunks) {
		workers = len(chunks)
	}

	runID := uuid.NewString()
	run, err := createRun(filepath.Join(r.cfg.ScratchDir, "chunkqueue", runID), Plan{
		RunID:            runID,
		Operation:        operation,
		MaxID:            maxID,
		ChunkSize:        r.cfg.ChunkSize,
		SubBatchSize:     r.cfg.SubBatchSize,
		Chunks:           int64(len(chunks)),
		Workers:          workers,
		ReclaimAbandoned: r.cfg.ReclaimAbandoned,
		Created:          started.UTC(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := CreateQueue(run.queuePath(), chunks); err != nil {
		return nil, err
	}

	logger := r.logger.With().Str("run_id", runID).Str("operation", operation).Logger()
	logger.Info().
		Int64("max_id", maxID).
		Int("chunks", len(chunks)).
		Int("workers", workers).
		Int64("chunk_size", r.cfg.ChunkSize).
		Int64("sub_batch_size", r.cfg.SubBatchSize).
		Msg("starting chunked run")

	monCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		NewMonitor(run.Progress(), int64(len(chunks)), r.cfg.MonitorInterval, logger).
			WithQueue(run.Queue()).
			Run(monCtx)
	}()

	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	var g errgroup.Group
	for id := 0; id < workers; id++ {
		g.Go(func() error {
			if err := r.spawner.Spawn(ctx, run, id); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("worker %d: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	stopMonitor()
	<-monitorDone

	sum := &Summary{RunID: runID, Dir: run.Dir, Chunks: int64(len(chunks))}
	results, err := ReadResults(run.resultsDir())
	if err != nil {
		merr = multierror.Append(merr, fmt.Errorf("read worker results: %w", err))
	}
	reported := make(map[int]bool, len(results))
	for _, res := range results {
		reported[res.WorkerID] = true
		sum.Total += res.Affected
		sum.FailedChunks += res.FailedChunks
	}
	for id := 0; id < workers; id++ {
		if !reported[id] {
			merr = multierror.Append(merr, fmt.Errorf("worker %d left no result", id))
		}
	}
	sum.Results = results
	if sum.Completed, err = run.Progress().Value(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("read progress: %w", err))
	}
	if sum.FailedChunks > 0 {
		merr = multierror.Append(merr, fmt.Errorf("%d chunk(s) had failed sub-batches", sum.FailedChunks))
	}
	if sum.Completed < sum.Chunks {
		merr = multierror.Append(merr, fmt.Errorf("only %d of %d chunks completed", sum.Completed, sum.Chunks))
	}
	sum.Duration = time.Since(started)

	if err := merr.ErrorOrNil(); err != nil {
		logger.Error().Err(err).Str("run_dir", run.Dir).Msg("chunked run finished with errors")
		return sum, err
	}
	if !r.cfg.KeepRunDir {
		if err := os.RemoveAll(run.Dir); err != nil {
			logger.Warn().Err(err).Msg("could not remove run directory")
		}
	}
	logger.Info().
		Int64("affected", sum.Total).
		Int64("chunks", sum.Completed).
		Dur("duration", sum.Duration.Round(time.Millisecond)).
		Msg("chunked run complete")
	return sum, nil
}

// RunParallel runs op over [0, maxID] with workerCount in-process workers.
func RunParallel(ctx context.Context, scratch string, maxID, chunkSize, subBatchSize int64, workerCount int, op BatchOp) (*Summary, error) {
	cfg := DefaultConfig(scratch)
	cfg.ChunkSize = chunkSize
	cfg.SubBatchSize = subBatchSize
	cfg.Workers = workerCount
	r, err := NewRunner(cfg, InProcessSpawner{Op: op})
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, "batch", maxID)
}
