package pipeline

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
Package pipeline drives one large record file through the ingestion data flow: wait for the
host to have headroom, decide how many workers it can take, partition the file into that many
record-aligned parts, then hand each part to a PartProcessor under the generic retry policy.
Part launches are paced by the allocator's launch delay.

Parts that were processed are deleted. Parts that failed are kept together with a manifest
listing only them, so the next Ingest of the same file picks up where this one stopped.
*/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/metrics"
	"github.com/x-stp/geoingest/internal/partition"
	"github.com/x-stp/geoingest/internal/resource"
	"github.com/x-stp/geoingest/internal/retry"
	"github.com/x-stp/geoingest/internal/util"
)

// PartProcessor consumes one part.
type PartProcessor interface {
	Process(ctx context.Context, part partition.Part) error
}

// ProcessorFunc adapts a function to PartProcessor.
type ProcessorFunc func(ctx context.Context, part partition.Part) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, part partition.Part) error {
	return f(ctx, part)
}

// Config configures a Runner.
type Config struct {
	// WorkDir receives parts and the manifest.
	WorkDir string
	// Workers is the requested parallelism before resource allocation.
	Workers  int
	MaxParts int
	// ResourceWait bounds the wait for memory and load to drop.
	ResourceWait time.Duration
	// ReuseParts picks up the parts of an earlier run of the same, unchanged file.
	ReuseParts bool
	// KeepParts keeps processed parts on disk.
	KeepParts bool
	Partition partition.Config
	Policy    retry.Policy
}

// DefaultConfig returns defaults writing into dir.
func DefaultConfig(dir string) Config {
	return Config{
		WorkDir:      dir,
		Workers:      4,
		MaxParts:     64,
		ResourceWait: 5 * time.Minute,
		ReuseParts:   true,
		Partition:    partition.DefaultConfig(dir, ""),
		Policy:       retry.GenericPolicy(),
	}
}

// Report summarises an Ingest call.
type Report struct {
	Source    string
	Workers   int
	Parts     int
	Processed int
	Failed    int
	// Discarded counts parts dropped by the partitioner because they could not be repaired.
	Discarded int
	// Records is the number of records handed to the processor. Lost counts complete input
	// records that ended up in no part.
	Records  int64
	Lost     int64
	Reused   bool
	Duration time.Duration
}

// Runner ingests files.
type Runner struct {
	cfg     Config
	monitor *resource.Monitor
	queue   admission.Queue
	exec    *retry.Executor
	logger  zerolog.Logger

	partition partitionFunc
}

type partitionFunc func(ctx context.Context, p *partition.Partitioner, file string, target, maxParts int) (*partition.Result, error)

func partitionFile(ctx context.Context, p *partition.Partitioner, file string, target, maxParts int) (*partition.Result, error) {
	return p.Partition(ctx, file, target, maxParts)
}

// Option configures a Runner.
type Option func(*Runner)

// WithMonitor replaces the resource monitor.
func WithMonitor(m *resource.Monitor) Option {
	return func(r *Runner) { r.monitor = m }
}

// WithQueue makes every part attempt hold an admission slot.
func WithQueue(q admission.Queue) Option {
	return func(r *Runner) { r.queue = q }
}

// WithExecutor replaces the retry executor.
func WithExecutor(e *retry.Executor) Option {
	return func(r *Runner) { r.exec = e }
}

// NewRunner validates cfg.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if cfg.WorkDir == "" {
		return nil, retry.Errorf(retry.KindContract, "pipeline: work directory is required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxParts < 1 {
		cfg.MaxParts = DefaultConfig("").MaxParts
	}
	cfg.Partition.OutputDir = cfg.WorkDir
	r := &Runner{
		cfg:       cfg,
		logger:    logging.Component("pipeline"),
		partition: partitionFile,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.monitor == nil {
		r.monitor = resource.NewMonitor(resource.DefaultThresholds())
	}
	if r.exec == nil {
		r.exec = retry.New(retry.WithLogger(r.logger))
	}
	return r, nil
}

// Ingest partitions file and processes every part. The returned error aggregates per-part
// failures; the report is returned whenever partitioning succeeded.
func (r *Runner) Ingest(ctx context.Context, file string, proc PartProcessor) (*Report, error) {
	if proc == nil {
		return nil, retry.Errorf(retry.KindContract, "pipeline: part processor is required")
	}
	started := time.Now()
	if _, err := r.monitor.WaitForResources(ctx, r.cfg.ResourceWait); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	alloc := r.monitor.Allocate(ctx, r.cfg.Workers, resource.LargeFile)

	pcfg := r.cfg.Partition
	if pcfg.Prefix == "" {
		pcfg.Prefix = util.PartPrefix(file)
	}
	p := partition.New(pcfg)

	rep := &Report{Source: file, Workers: alloc.Workers}
	set, err := r.parts(ctx, p, file, alloc.Workers)
	if err != nil {
		return nil, err
	}
	parts := set.parts
	rep.Parts = len(parts)
	rep.Reused = set.reused
	rep.Discarded = set.discarded
	for _, part := range parts {
		rep.Records += part.RecordCount
	}
	if set.records > rep.Records {
		rep.Lost = set.records - rep.Records
	}

	failed, perr := r.process(ctx, parts, proc, alloc)
	var merr *multierror.Error
	if rep.Discarded > 0 || rep.Lost > 0 {
		merr = multierror.Append(merr, retry.Errorf(retry.KindCorruption,
			"pipeline: %d part(s) discarded, %d record(s) of %s not ingested", rep.Discarded, rep.Lost, file))
	}
	if perr != nil {
		merr = multierror.Append(merr, perr)
	}
	err = merr.ErrorOrNil()
	rep.Failed = len(failed)
	rep.Processed = len(parts) - len(failed)
	rep.Duration = time.Since(started)

	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i].Index < failed[j].Index })
		m := partition.Manifest{Source: file, CreatedAt: time.Now().UTC(), Parts: failed}
		if werr := partition.WriteManifest(p.ManifestPath(), m); werr != nil {
			r.logger.Warn().Err(werr).Msg("could not record failed parts")
		}
	} else if !r.cfg.KeepParts {
		if rerr := os.Remove(p.ManifestPath()); rerr != nil && !os.IsNotExist(rerr) {
			r.logger.Warn().Err(rerr).Msg("could not remove manifest")
		}
	}

	ev := r.logger.Info()
	if err != nil {
		ev = r.logger.Error().Err(err)
	}
	ev.Str("file", file).
		Int("parts", rep.Parts).
		Int("processed", rep.Processed).
		Int("failed", rep.Failed).
		Int("discarded", rep.Discarded).
		Int64("lost_records", rep.Lost).
		Bool("reused", rep.Reused).
		Dur("took", rep.Duration.Round(time.Millisecond)).
		Msg("ingest finished")
	return rep, err
}

// partSet is the work of one Ingest call.
type partSet struct {
	parts  []partition.Part
	reused bool
	// discarded and records come from partitioning; both are zero for reused parts.
	discarded int
	records   int64
}

// parts returns the parts of file, from the manifest of an earlier run when allowed and still
// current, otherwise by partitioning.
func (r *Runner) parts(ctx context.Context, p *partition.Partitioner, file string, workers int) (partSet, error) {
	if r.cfg.ReuseParts {
		if parts, ok := r.reusable(p, file); ok {
			r.logger.Info().Str("file", file).Int("parts", len(parts)).Msg("reusing parts from manifest")
			return partSet{parts: parts, reused: true}, nil
		}
	}
	res, err := r.partition(ctx, p, file, workers, r.cfg.MaxParts)
	if err != nil {
		return partSet{}, fmt.Errorf("pipeline: %w", err)
	}
	if err := partition.WriteManifest(p.ManifestPath(), partition.NewManifest(res)); err != nil {
		r.logger.Warn().Err(err).Msg("could not write manifest")
	}
	return partSet{parts: res.Parts, discarded: res.Failed, records: res.Records}, nil
}

func (r *Runner) reusable(p *partition.Partitioner, file string) ([]partition.Part, bool) {
	m, err := partition.ReadManifest(p.ManifestPath())
	if err != nil || m.Source != file || len(m.Parts) == 0 {
		return nil, false
	}
	info, err := os.Stat(file)
	if err != nil || info.ModTime().After(m.CreatedAt) {
		return nil, false
	}
	return m.Parts, true
}

// process launches one task per part, paced by the launch delay and bounded by the allocated
// worker count. It returns the parts that failed.
func (r *Runner) process(ctx context.Context, parts []partition.Part, proc PartProcessor, alloc resource.Allocation) ([]partition.Part, error) {
	limit := rate.Inf
	if alloc.LaunchDelay > 0 {
		limit = rate.Every(alloc.LaunchDelay)
	}
	limiter := rate.NewLimiter(limit, 1)
	mt := metrics.GetMetrics()

	var (
		mu     sync.Mutex
		merr   *multierror.Error
		failed []partition.Part
	)
	fail := func(part partition.Part, err error) {
		mu.Lock()
		defer mu.Unlock()
		merr = multierror.Append(merr, fmt.Errorf("part %03d: %w", part.Index, err))
		failed = append(failed, part)
	}

	var g errgroup.Group
	g.SetLimit(alloc.Workers)
	for i, part := range parts {
		if err := limiter.Wait(ctx); err != nil {
			for _, rest := range parts[i:] {
				fail(rest, err)
			}
			break
		}
		g.Go(func() error {
			err := r.exec.Do(ctx, func(ctx context.Context) error {
				return proc.Process(ctx, part)
			}, retry.Options{
				Policy: r.cfg.Policy,
				Name:   fmt.Sprintf("part_%03d", part.Index),
				Queue:  r.queue,
			})
			if err != nil {
				mt.PartsProcessed.WithLabelValues("failed").Inc()
				fail(part, err)
				return nil
			}
			mt.PartsProcessed.WithLabelValues("ok").Inc()
			if !r.cfg.KeepParts {
				if rerr := os.Remove(part.Path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
					r.logger.Warn().Err(rerr).Str("part", part.Path).Msg("could not remove processed part")
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed, merr.ErrorOrNil()
}
