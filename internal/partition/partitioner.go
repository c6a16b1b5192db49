package partition

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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/x-stp/geoingest/internal/fileio"
	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/metrics"
)

// ErrNoRecords is returned when the input holds no complete record.
var ErrNoRecords = errors.New("partition: input contains no records")

// Algorithm selects how parts are extracted.
type Algorithm int

const (
	// AlgorithmAuto chooses by record count and file size.
	AlgorithmAuto Algorithm = iota
	// AlgorithmLineScan streams the file and writes one part at a time.
	AlgorithmLineScan
	// AlgorithmPosition indexes record offsets once and copies exact byte ranges per part.
	AlgorithmPosition
	// AlgorithmSinglePass opens every part at once and routes records by ordinal.
	AlgorithmSinglePass
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmAuto:
		return "auto"
	case AlgorithmLineScan:
		return "line-scan"
	case AlgorithmPosition:
		return "position"
	case AlgorithmSinglePass:
		return "single-pass"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// ParseAlgorithm accepts the names returned by Algorithm.String.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return AlgorithmAuto, nil
	case "line-scan", "linescan":
		return AlgorithmLineScan, nil
	case "position", "position-based":
		return AlgorithmPosition, nil
	case "single-pass", "singlepass":
		return AlgorithmSinglePass, nil
	}
	return AlgorithmAuto, fmt.Errorf("partition: unknown algorithm %q", s)
}

// Part is one record-aligned fragment of the input.
type Part struct {
	Index       int    `yaml:"index"`
	Path        string `yaml:"path"`
	RecordCount int64  `yaml:"records"`
	ByteSize    int64  `yaml:"bytes"`
	// Checksum is the xxh3 hash of the bytes between the part's header and footer.
	Checksum uint64 `yaml:"checksum"`
	Repaired bool   `yaml:"repaired,omitempty"`
}

// Result is the outcome of a Partition call.
type Result struct {
	Source    string
	Format    Format
	Algorithm Algorithm
	Records   int64
	Parts     []Part
	// Failed counts parts discarded because they could not be repaired.
	Failed int
}

// Config configures a Partitioner.
type Config struct {
	// OutputDir receives the parts.
	OutputDir string
	// Prefix names parts <Prefix>_part_NNN.xml.
	Prefix    string
	Algorithm Algorithm
	Policy    Policy
	// PositionThreshold is the record count above which the position algorithm is used.
	PositionThreshold int64
	// SinglePassThreshold is the file size above which single-pass distribution is used.
	SinglePassThreshold int64
	// CopyConcurrency bounds concurrent range copies in the position algorithm.
	CopyConcurrency int
}

// DefaultConfig returns production defaults writing into dir.
func DefaultConfig(dir, prefix string) Config {
	return Config{
		OutputDir:           dir,
		Prefix:              prefix,
		Algorithm:           AlgorithmAuto,
		Policy:              DefaultPolicy(),
		PositionThreshold:   500000,
		SinglePassThreshold: 100 * MB,
		CopyConcurrency:     4,
	}
}

// Partitioner splits record files.
type Partitioner struct {
	cfg    Config
	logger zerolog.Logger
}

// New returns a Partitioner. Zero config fields take defaults.
func New(cfg Config) *Partitioner {
	d := DefaultConfig(cfg.OutputDir, cfg.Prefix)
	if cfg.Prefix == "" {
		cfg.Prefix = "records"
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = d.Policy
	}
	if cfg.PositionThreshold <= 0 {
		cfg.PositionThreshold = d.PositionThreshold
	}
	if cfg.SinglePassThreshold <= 0 {
		cfg.SinglePassThreshold = d.SinglePassThreshold
	}
	if cfg.CopyConcurrency <= 0 {
		cfg.CopyConcurrency = d.CopyConcurrency
	}
	return &Partitioner{
		cfg:    cfg,
		logger: logging.Component("partition"),
	}
}

// PartPath returns the path of part index.
func (p *Partitioner) PartPath(index int) string {
	return filepath.Join(p.cfg.OutputDir, fmt.Sprintf("%s_part_%03d.xml", p.cfg.Prefix, index))
}

// Cleanup removes every part, backup and manifest carrying this partitioner's prefix.
func (p *Partitioner) Cleanup() error {
	patterns := []string{
		filepath.Join(p.cfg.OutputDir, p.cfg.Prefix+"_part_*.xml"),
		filepath.Join(p.cfg.OutputDir, p.cfg.Prefix+"_part_*.xml.bak"),
		filepath.Join(p.cfg.OutputDir, "."+p.cfg.Prefix+"_part_*.tmp-*"),
		p.ManifestPath(),
	}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("partition: glob %s: %w", pattern, err)
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("partition: remove stale %s: %w", m, err)
			}
		}
	}
	return nil
}

// ManifestPath returns where WriteManifest stores this partitioner's manifest.
func (p *Partitioner) ManifestPath() string {
	return filepath.Join(p.cfg.OutputDir, p.cfg.Prefix+"_manifest.yaml")
}

// job carries everything an algorithm needs.
type job struct {
	src     string
	format  Format
	ranges []recordRange
	spans  []span
}

// Partition splits file into record-aligned parts.
// Concatenating the parts' records in index order reproduces the input records exactly once.
func (p *Partitioner) Partition(ctx context.Context, file string, targetParts, maxParts int) (*Result, error) {
	if file == "" {
		return nil, errors.New("partition: empty input path")
	}
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("partition: create output dir: %w", err)
	}
	if err := p.Cleanup(); err != nil {
		return nil, err
	}
	started := time.Now()

	info, err := os.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("partition: stat input: %w", err)
	}
	format, err := DetectFormat(ctx, file)
	if err != nil {
		return nil, err
	}

	// Indexing pass: count records and remember where each starts.
	idx, err := p.index(ctx, file, format)
	if err != nil {
		return nil, err
	}
	if idx.res.Records == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, file)
	}

	plan := PlanParts(info.Size(), idx.res.Records, targetParts, maxParts, p.cfg.Policy)
	algo := p.choose(info.Size(), idx.res.Records)
	j := &job{
		src:     file,
		format:  format,
		ranges: splitRecords(idx.res.Records, plan.Parts),
		spans:  idx.spans,
	}

	p.logger.Info().
		Str("file", file).
		Str("format", format.Kind.String()).
		Str("algorithm", algo.String()).
		Int64("records", idx.res.Records).
		Int64("bytes", info.Size()).
		Int("parts", plan.Parts).
		Int64("records_per_part", plan.RecordsPerPart).
		Msg("partitioning")

	var parts []Part
	switch algo {
	case AlgorithmPosition:
		parts, err = p.positionBased(ctx, j)
	case AlgorithmSinglePass:
		parts, err = p.singlePass(ctx, j)
	default:
		parts, err = p.lineScan(ctx, j)
	}
	if err != nil {
		_ = p.Cleanup()
		return nil, err
	}

	res := &Result{Source: file, Format: format, Algorithm: algo, Records: idx.res.Records}
	res.Parts, res.Failed = p.verify(ctx, parts, format, algo)

	mt := metrics.GetMetrics()
	mt.PartitionDuration.WithLabelValues(algo.String()).Observe(time.Since(started).Seconds())
	mt.PartsWritten.WithLabelValues(algo.String()).Add(float64(len(res.Parts)))
	mt.RecordsPartitioned.WithLabelValues(format.Kind.String()).Add(float64(idx.res.Records))

	p.logger.Info().
		Int("parts", len(res.Parts)).
		Int("failed", res.Failed).
		Dur("took", time.Since(started)).
		Msg("partitioning complete")
	return res, nil
}

// span is the byte range [start,end) of one complete record in the input.
type span struct {
	start, end int64
}

type recordIndex struct {
	res   *scanResult
	spans []span
}

func (p *Partitioner) index(ctx context.Context, file string, format Format) (*recordIndex, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("partition: open %s: %w", file, err)
	}
	defer f.Close()

	idx := &recordIndex{}
	res, err := scanRecords(ctx, f, format.Root, func(rec []byte, _, start int64) error {
		idx.spans = append(idx.spans, span{start: start, end: start + int64(len(rec))})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("partition: index %s: %w", file, err)
	}
	if res.Anomalies > 0 {
		p.logger.Warn().Int("anomalies", res.Anomalies).Str("file", file).
			Msg("input has malformed records, only complete records are partitioned")
	}
	idx.res = res
	return idx, nil
}

func (p *Partitioner) choose(size, records int64) Algorithm {
	if p.cfg.Algorithm != AlgorithmAuto {
		return p.cfg.Algorithm
	}
	switch {
	case records > p.cfg.PositionThreshold:
		return AlgorithmPosition
	case size > p.cfg.SinglePassThreshold:
		return AlgorithmSinglePass
	default:
		return AlgorithmLineScan
	}
}

// verify validates every written part, repairing or discarding corrupt ones. A repair that
// loses complete records discards the part too.
func (p *Partitioner) verify(ctx context.Context, parts []Part, format Format, algo Algorithm) ([]Part, int) {
	accepted := make([]Part, 0, len(parts))
	failed := 0
	mt := metrics.GetMetrics()

	for _, part := range parts {
		rep, err := Validate(ctx, part.Path)
		if err == nil && rep.Valid() && rep.Records == part.RecordCount {
			accepted = append(accepted, part)
			continue
		}

		p.logger.Warn().Err(err).Str("part", part.Path).Msg("part failed validation, attempting repair")
		repaired, rerr := Repair(ctx, part.Path, format)
		if rerr == nil && repaired {
			rep, err = Validate(ctx, part.Path)
			switch {
			case err != nil || !rep.Valid():
				rerr = err
			case rep.Records != part.RecordCount:
				rerr = fmt.Errorf("partition: repair kept %d of %d records", rep.Records, part.RecordCount)
			default:
				mt.PartsRepaired.WithLabelValues(algo.String()).Inc()
				if st, serr := os.Stat(part.Path); serr == nil {
					part.ByteSize = st.Size()
				}
				part.Repaired = true
				accepted = append(accepted, part)
				continue
			}
		}

		p.logger.Error().Err(rerr).Str("part", part.Path).Msg("part could not be repaired, discarding")
		_ = os.Remove(part.Path)
		failed++
		mt.PartsFailed.WithLabelValues(algo.String()).Inc()
	}
	return accepted, failed
}

// partWriter writes one part: header, body, footer.
type partWriter struct {
	w      *fileio.AtomicWriter
	hash   *xxh3.Hasher
	part   Part
	footer []byte
	last   byte
}

func newPartWriter(path string, index int, format Format) (*partWriter, error) {
	w, err := fileio.CreateAtomic(path)
	if err != nil {
		return nil, err
	}
	pw, err := wrapPartWriter(w, index, format)
	if err != nil {
		w.Abort()
		return nil, err
	}
	return pw, nil
}

// wrapPartWriter writes the header into w and returns the part writer around it.
func wrapPartWriter(w *fileio.AtomicWriter, index int, format Format) (*partWriter, error) {
	pw := &partWriter{
		w:      w,
		hash:   xxh3.New(),
		part:   Part{Index: index, Path: w.Path()},
		footer: format.Footer(),
	}
	if _, err := w.Write(format.Header); err != nil {
		return nil, fmt.Errorf("partition: write header %s: %w", w.Path(), err)
	}
	if n := len(format.Header); n > 0 && format.Header[n-1] != '\n' {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return nil, err
		}
	}
	return pw, nil
}

// Write appends body bytes.
func (pw *partWriter) Write(b []byte) (int, error) {
	n, err := pw.w.Write(b)
	if n > 0 {
		_, _ = pw.hash.Write(b[:n])
		pw.last = b[n-1]
	}
	return n, err
}

func (pw *partWriter) writeRecord(rec []byte) error {
	if _, err := pw.Write(rec); err != nil {
		return fmt.Errorf("partition: write %s: %w", pw.part.Path, err)
	}
	pw.part.RecordCount++
	return nil
}

// finish writes the footer and fills in size and checksum without committing.
func (pw *partWriter) finish() error {
	if pw.last != 0 && pw.last != '\n' {
		if _, err := pw.w.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	if _, err := pw.w.Write(pw.footer); err != nil {
		return fmt.Errorf("partition: write footer %s: %w", pw.part.Path, err)
	}
	pw.part.ByteSize = pw.w.Written()
	pw.part.Checksum = pw.hash.Sum64()
	return nil
}

func (pw *partWriter) commit() (Part, error) {
	if err := pw.finish(); err != nil {
		pw.w.Abort()
		return Part{}, err
	}
	if err := pw.w.Commit(); err != nil {
		return Part{}, err
	}
	return pw.part, nil
}

func (pw *partWriter) abort() {
	pw.w.Abort()
}
