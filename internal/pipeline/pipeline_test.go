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

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/partition"
	"github.com/x-stp/geoingest/internal/resource"
	"github.com/x-stp/geoingest/internal/retry"
)

func fixed(v float64) resource.ProbeFunc {
	return func(context.Context) (float64, error) { return v, nil }
}

func idleMonitor() *resource.Monitor {
	return resource.NewMonitor(resource.Thresholds{LoadCeiling: 4, PollInterval: 10 * time.Millisecond},
		resource.WithProbes(fixed(10), fixed(0)))
}

func writeNotes(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<osm-notes>\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "<note id=\"%d\" lat=\"1.5\" lon=\"2.5\">\n  <comment>note %d</comment>\n</note>\n", i, i)
	}
	b.WriteString("</osm-notes>\n")
	path := filepath.Join(t.TempDir(), "planet-notes.xml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig(t.TempDir())
	cfg.Workers = 6
	cfg.Policy = retry.Policy{MaxAttempts: 1}
	return cfg
}

// recordCounter counts the records of every part it sees.
type recordCounter struct {
	mu      sync.Mutex
	records int64
	parts   []int
}

func (c *recordCounter) Process(ctx context.Context, part partition.Part) error {
	n, err := partition.Records(ctx, part.Path, func([]byte) error { return nil })
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records += n
	c.parts = append(c.parts, part.Index)
	return nil
}

func TestIngestProcessesEveryPartOnce(t *testing.T) {
	cfg := testConfig(t)
	r, err := NewRunner(cfg, WithMonitor(idleMonitor()))
	require.NoError(t, err)

	var c recordCounter
	rep, err := r.Ingest(context.Background(), writeNotes(t, 20), &c)
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Workers, "large-file allocation keeps two workers of headroom")
	assert.Equal(t, 4, rep.Parts)
	assert.Equal(t, 4, rep.Processed)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, int64(20), c.records)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, c.parts)

	left, err := filepath.Glob(filepath.Join(cfg.WorkDir, "*"))
	require.NoError(t, err)
	assert.Empty(t, left, "processed parts and manifest are removed")
}

func TestIngestKeepsFailedPartsForResume(t *testing.T) {
	cfg := testConfig(t)
	r, err := NewRunner(cfg, WithMonitor(idleMonitor()))
	require.NoError(t, err)
	src := writeNotes(t, 20)

	failing := ProcessorFunc(func(_ context.Context, part partition.Part) error {
		if part.Index == 1 {
			return retry.Errorf(retry.KindCorruption, "bad geometry")
		}
		return nil
	})
	rep, err := r.Ingest(context.Background(), src, failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "part 001")
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 3, rep.Processed)

	m, err := partition.ReadManifest(filepath.Join(cfg.WorkDir, "planet-notes_manifest.yaml"))
	require.NoError(t, err)
	require.Len(t, m.Parts, 1)
	assert.Equal(t, 1, m.Parts[0].Index)
	assert.FileExists(t, m.Parts[0].Path)

	var c recordCounter
	rep, err = r.Ingest(context.Background(), src, &c)
	require.NoError(t, err)
	assert.True(t, rep.Reused)
	assert.Equal(t, 1, rep.Parts)
	assert.Equal(t, []int{1}, c.parts)
	assert.Equal(t, m.Parts[0].RecordCount, c.records)
}

func TestIngestWaitsForResources(t *testing.T) {
	cfg := testConfig(t)
	cfg.ResourceWait = 0
	busy := resource.NewMonitor(resource.Thresholds{LoadCeiling: 4, PollInterval: 10 * time.Millisecond},
		resource.WithProbes(fixed(99), fixed(0)))
	r, err := NewRunner(cfg, WithMonitor(busy))
	require.NoError(t, err)

	_, err = r.Ingest(context.Background(), writeNotes(t, 5), &recordCounter{})
	assert.ErrorIs(t, err, resource.ErrResourceTimeout)
	assert.Equal(t, retry.ExitTimeout, retry.ExitCode(err))
}

func TestIngestHoldsAdmissionSlotPerPart(t *testing.T) {
	qcfg := admission.DefaultConfig(t.TempDir())
	qcfg.MaxSlots = 1
	qcfg.PollInterval = 5 * time.Millisecond
	sem, err := admission.NewSemaphore(qcfg)
	require.NoError(t, err)

	r, err := NewRunner(testConfig(t), WithMonitor(idleMonitor()), WithQueue(sem))
	require.NoError(t, err)

	var cur, peak atomic.Int32
	proc := ProcessorFunc(func(context.Context, partition.Part) error {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	_, err = r.Ingest(context.Background(), writeNotes(t, 20), proc)
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())

	active, err := sem.Active()
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestCommandProcessor(t *testing.T) {
	_, err := NewCommandProcessor("cat")
	assert.Equal(t, retry.KindContract, retry.KindOf(err))

	_, err = NewCommandProcessor("geoingest-no-such-tool {part}")
	assert.Equal(t, retry.KindMissingDependency, retry.KindOf(err))

	if _, err := exec.LookPath("test"); err != nil {
		t.Skip("test(1) not available")
	}
	p, err := NewCommandProcessor("test -s {part}")
	require.NoError(t, err)

	dir := t.TempDir()
	full := filepath.Join(dir, "full.xml")
	empty := filepath.Join(dir, "empty.xml")
	require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	args := p.Args(partition.Part{Index: 7, Path: full})
	assert.Equal(t, []string{"-s", full}, args[1:])
	assert.NoError(t, p.Process(context.Background(), partition.Part{Path: full}))
	assert.Error(t, p.Process(context.Background(), partition.Part{Path: empty}))
}

type fakeImporter struct {
	files  []string
	tables []string
}

func (f *fakeImporter) Import(_ context.Context, file, table string) error {
	f.files = append(f.files, file)
	f.tables = append(f.tables, table)
	return nil
}

func TestImportProcessor(t *testing.T) {
	im := &fakeImporter{}
	p := ImportProcessor{Importer: im, Table: "countries"}
	require.NoError(t, p.Process(context.Background(), partition.Part{Path: "/tmp/a.xml"}))
	assert.Equal(t, []string{"/tmp/a.xml"}, im.files)
	assert.Equal(t, []string{"countries"}, im.tables)
}

func TestIngestReportsDiscardedParts(t *testing.T) {
	cfg := testConfig(t)
	r, err := NewRunner(cfg, WithMonitor(idleMonitor()))
	require.NoError(t, err)

	var dropped partition.Part
	r.partition = func(ctx context.Context, p *partition.Partitioner, file string, target, maxParts int) (*partition.Result, error) {
		res, err := p.Partition(ctx, file, target, maxParts)
		if err != nil {
			return nil, err
		}
		// The partitioner could not repair part 0 and deleted it.
		dropped = res.Parts[0]
		require.NoError(t, os.Remove(dropped.Path))
		res.Parts = res.Parts[1:]
		res.Failed = 1
		return res, nil
	}

	var c recordCounter
	rep, err := r.Ingest(context.Background(), writeNotes(t, 20), &c)
	require.Error(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, retry.KindCorruption, retry.KindOf(err))
	assert.Contains(t, err.Error(), "1 part(s) discarded")

	assert.Equal(t, 1, rep.Discarded)
	assert.Equal(t, dropped.RecordCount, rep.Lost)
	assert.Equal(t, 3, rep.Processed)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, 20-dropped.RecordCount, c.records)
	assert.Equal(t, retry.ExitFailure, retry.ExitCode(err))
}
