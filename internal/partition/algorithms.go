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
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/x-stp/geoingest/internal/fileio"
)

// lineScan streams the input once and keeps a single part open, moving to the next part
// when the current one has received its share of records.
func (p *Partitioner) lineScan(ctx context.Context, j *job) ([]Part, error) {
	f, err := os.Open(j.src)
	if err != nil {
		return nil, fmt.Errorf("partition: open %s: %w", j.src, err)
	}
	defer f.Close()

	parts := make([]Part, 0, len(j.ranges))
	cur := 0
	pw, err := newPartWriter(p.PartPath(cur), cur, j.format)
	if err != nil {
		return nil, err
	}

	_, err = scanRecords(ctx, f, j.format.Root, func(rec []byte, ordinal, _ int64) error {
		if ordinal >= j.ranges[cur].End && cur < len(j.ranges)-1 {
			part, err := pw.commit()
			if err != nil {
				return err
			}
			parts = append(parts, part)
			cur++
			if pw, err = newPartWriter(p.PartPath(cur), cur, j.format); err != nil {
				return err
			}
		}
		return pw.writeRecord(rec)
	})
	if err != nil {
		if pw != nil {
			pw.abort()
		}
		return nil, fmt.Errorf("partition: line scan: %w", err)
	}

	part, err := pw.commit()
	if err != nil {
		return nil, err
	}
	return append(parts, part), nil
}

// positionBased uses the record spans gathered by the indexing pass and copies each record's
// exact byte range, so no part re-scans the input. Bytes between complete records, such as an
// unterminated record, are never copied.
func (p *Partitioner) positionBased(ctx context.Context, j *job) ([]Part, error) {
	f, err := os.Open(j.src)
	if err != nil {
		return nil, fmt.Errorf("partition: open %s: %w", j.src, err)
	}
	defer f.Close()

	parts := make([]Part, len(j.ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.CopyConcurrency)

	for i, r := range j.ranges {
		i, r := i, r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pw, err := newPartWriter(p.PartPath(i), i, j.format)
			if err != nil {
				return err
			}
			for _, sp := range coalesce(j.spans[r.Start:r.End]) {
				section := io.NewSectionReader(f, sp.start, sp.end-sp.start)
				if _, err := io.Copy(pw, section); err != nil {
					pw.abort()
					return fmt.Errorf("partition: copy range %d-%d: %w", sp.start, sp.end, err)
				}
			}
			pw.part.RecordCount = r.End - r.Start
			part, err := pw.commit()
			if err != nil {
				return err
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

// coalesce merges adjacent record spans into contiguous copy ranges.
func coalesce(spans []span) []span {
	out := make([]span, 0, 1)
	for _, sp := range spans {
		if n := len(out); n > 0 && out[n-1].end == sp.start {
			out[n-1].end = sp.end
			continue
		}
		out = append(out, sp)
	}
	return out
}

// singlePass opens every part up front and routes each record to the part whose ordinal
// range contains it, in one streaming pass.
func (p *Partitioner) singlePass(ctx context.Context, j *job) ([]Part, error) {
	f, err := os.Open(j.src)
	if err != nil {
		return nil, fmt.Errorf("partition: open %s: %w", j.src, err)
	}
	defer f.Close()

	set := fileio.NewWriterSet()
	writers := make([]*partWriter, len(j.ranges))
	for i := range j.ranges {
		w, err := set.Open(i, p.PartPath(i))
		if err != nil {
			set.AbortAll()
			return nil, err
		}
		if writers[i], err = wrapPartWriter(w, i, j.format); err != nil {
			set.AbortAll()
			return nil, err
		}
	}

	_, err = scanRecords(ctx, f, j.format.Root, func(rec []byte, ordinal, _ int64) error {
		idx := rangeFor(j.ranges, ordinal)
		if idx >= len(writers) {
			return fmt.Errorf("record %d outside planned ranges", ordinal)
		}
		return writers[idx].writeRecord(rec)
	})
	if err != nil {
		set.AbortAll()
		return nil, fmt.Errorf("partition: single pass: %w", err)
	}

	parts := make([]Part, 0, len(writers))
	for _, pw := range writers {
		if err := pw.finish(); err != nil {
			set.AbortAll()
			return nil, err
		}
		parts = append(parts, pw.part)
	}
	if err := set.CommitAll(); err != nil {
		return nil, fmt.Errorf("partition: single pass commit: %w", err)
	}
	return parts, nil
}

// Records streams the records of path in order. It is used to verify partition output and by
// consumers that want records without an XML parser.
func Records(ctx context.Context, path string, fn func(rec []byte) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("partition: open %s: %w", path, err)
	}
	defer f.Close()

	res, err := scanRecords(ctx, f, "", func(rec []byte, _, _ int64) error { return fn(rec) })
	if err != nil {
		return 0, err
	}
	return res.Records, nil
}
