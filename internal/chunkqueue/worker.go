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
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/fileio"
	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/metrics"
	"github.com/x-stp/geoingest/internal/retry"
)

// BatchOp processes the id range [start, end) and returns the number of affected rows.
type BatchOp func(ctx context.Context, start, end int64) (int64, error)

// maxRecordedErrors bounds WorkerResult.Errors.
const maxRecordedErrors = 20

// Plan is the persisted description of a run.
type Plan struct {
	RunID            string    `yaml:"run_id"`
	Operation        string    `yaml:"operation"`
	MaxID            int64     `yaml:"max_id"`
	ChunkSize        int64     `yaml:"chunk_size"`
	SubBatchSize     int64     `yaml:"sub_batch_size"`
	Chunks           int64     `yaml:"chunks"`
	Workers          int       `yaml:"workers"`
	ReclaimAbandoned bool      `yaml:"reclaim_abandoned"`
	Created          time.Time `yaml:"created"`
}

// Run is a run directory.
type Run struct {
	Dir  string
	Plan Plan
}

func (r *Run) planPath() string     { return filepath.Join(r.Dir, "run.yaml") }
func (r *Run) queuePath() string    { return filepath.Join(r.Dir, "queue") }
func (r *Run) progressPath() string { return filepath.Join(r.Dir, "progress") }
func (r *Run) resultsDir() string   { return filepath.Join(r.Dir, "results") }
func (r *Run) leasesDir() string    { return filepath.Join(r.Dir, "leases") }

// createRun lays out dir and writes the plan.
func createRun(dir string, plan Plan) (*Run, error) {
	r := &Run{Dir: dir, Plan: plan}
	for _, d := range []string{r.resultsDir(), r.leasesDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("chunkqueue: create %s: %w", d, err)
		}
	}
	data, err := yaml.Marshal(plan)
	if err != nil {
		return nil, err
	}
	if err := fileio.WriteFileAtomic(r.planPath(), data); err != nil {
		return nil, fmt.Errorf("chunkqueue: write run plan: %w", err)
	}
	return r, nil
}

// OpenRun loads the run in dir.
func OpenRun(dir string) (*Run, error) {
	r := &Run{Dir: dir}
	data, err := os.ReadFile(r.planPath())
	if err != nil {
		return nil, retry.Wrap(retry.KindContract, "chunkqueue: open run", err)
	}
	if err := yaml.Unmarshal(data, &r.Plan); err != nil {
		return nil, fmt.Errorf("chunkqueue: parse run plan: %w", err)
	}
	return r, nil
}

// Queue returns the run's queue, with leases when the run reclaims abandoned chunks.
func (r *Run) Queue() *Queue {
	q := OpenQueue(r.queuePath())
	if r.Plan.ReclaimAbandoned {
		q = q.WithLeases(r.leasesDir())
	}
	return q
}

// Progress returns the run's progress counter.
func (r *Run) Progress() *Progress {
	return NewProgress(r.progressPath())
}

// Worker pops chunks until the queue is empty.
type Worker struct {
	run    *Run
	id     int
	op     BatchOp
	policy retry.Policy
	alive  admission.PIDChecker
	exec   *retry.Executor
	logger zerolog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerPolicy sets the retry policy for each sub-batch.
func WithWorkerPolicy(p retry.Policy) WorkerOption {
	return func(w *Worker) { w.policy = p }
}

// WithWorkerPIDChecker replaces the liveness check used when reclaiming leases.
func WithWorkerPIDChecker(fn admission.PIDChecker) WorkerOption {
	return func(w *Worker) { w.alive = fn }
}

// NewWorker returns worker id of run.
func NewWorker(run *Run, id int, op BatchOp, opts ...WorkerOption) *Worker {
	w := &Worker{
		run:    run,
		id:     id,
		op:     op,
		policy: retry.DatabasePolicy(),
		alive:  admission.ProcessAlive,
		logger: logging.Component("chunk-worker").With().Int("worker", id).Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.exec = retry.New(retry.WithLogger(w.logger))
	return w
}

// Run processes chunks and writes the worker's result file before returning.
func (w *Worker) Run(ctx context.Context) (res WorkerResult, err error) {
	pid := os.Getpid()
	res = WorkerResult{WorkerID: w.id, PID: pid, Started: time.Now().UTC()}
	defer func() {
		res.Finished = time.Now().UTC()
		if werr := WriteResult(w.run.resultsDir(), res); werr != nil && err == nil {
			err = fmt.Errorf("chunkqueue: write result: %w", werr)
		}
	}()

	q := w.run.Queue()
	progress := w.run.Progress()
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		c, ok, err := q.Pop(ctx, pid)
		if err != nil {
			res.addError(err)
			return res, err
		}
		if !ok {
			n, err := q.Reclaim(ctx, w.alive)
			if err != nil {
				w.logger.Warn().Err(err).Msg("lease reclaim failed")
			}
			if n > 0 {
				w.logger.Warn().Int("chunks", n).Msg("re-queued chunks abandoned by dead workers")
				continue
			}
			break
		}

		affected, failed := w.process(ctx, c, &res)
		res.Affected += affected
		res.Chunks++
		if failed {
			res.FailedChunks++
		}
		if err := q.Done(c); err != nil {
			w.logger.Warn().Err(err).Stringer("chunk", c).Msg("could not release lease")
		}
		if _, err := progress.Increment(ctx); err != nil {
			res.addError(err)
			return res, err
		}
	}
	w.logger.Info().Int("chunks", res.Chunks).Int64("affected", res.Affected).Msg("worker finished")
	return res, nil
}

// process runs the batch operation over each sub-range of c. A failed sub-range does not stop
// the remaining ones.
func (w *Worker) process(ctx context.Context, c Chunk, res *WorkerResult) (int64, bool) {
	name := w.run.Plan.Operation
	mt := metrics.GetMetrics()
	defer metrics.MeasureDuration(mt.ChunkDuration, map[string]string{"operation": name})()

	var (
		affected int64
		failed   bool
	)
	for _, sub := range c.SubRanges(w.run.Plan.SubBatchSize) {
		var n int64
		err := w.exec.Do(ctx, func(ctx context.Context) error {
			var err error
			n, err = w.op(ctx, sub.Start, sub.End)
			return err
		}, retry.Options{Policy: w.policy, Name: name})
		if err != nil {
			failed = true
			res.addError(fmt.Errorf("%s: %w", sub, err))
			w.logger.Error().Err(err).Stringer("range", sub).Msg("sub-batch failed")
			continue
		}
		affected += n
	}
	if failed {
		mt.ChunksFailed.WithLabelValues(name).Inc()
	} else {
		mt.ChunksCompleted.WithLabelValues(name).Inc()
	}
	mt.RowsAffected.WithLabelValues(name).Add(float64(affected))
	return affected, failed
}

func (r *WorkerResult) addError(err error) {
	if len(r.Errors) < maxRecordedErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

// RunWorker opens the run in dir and runs worker id. It is the entry point of worker processes.
func RunWorker(ctx context.Context, dir string, id int, op BatchOp, opts ...WorkerOption) (WorkerResult, error) {
	run, err := OpenRun(dir)
	if err != nil {
		return WorkerResult{}, err
	}
	return NewWorker(run, id, op, opts...).Run(ctx)
}
