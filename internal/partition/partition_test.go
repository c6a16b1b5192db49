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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// planetRecord renders one multi-line note; every fifth note is self-closing.
func planetRecord(i int) string {
	if i%5 == 4 {
		return fmt.Sprintf("<note id=\"%d\" lat=\"1.5\" lon=\"2.5\" created_at=\"2024-01-01T00:00:00Z\"/>\n", i)
	}
	return fmt.Sprintf("<note id=\"%d\" lat=\"%d.25\" lon=\"-%d.75\" created_at=\"2024-01-01T00:00:00Z\">\n"+
		"  <comment action=\"opened\" timestamp=\"2024-01-01T00:00:00Z\" uid=\"%d\" user=\"mapper\">note %d</comment>\n"+
		"</note>\n", i, i%90, i%180, i, i)
}

func writePlanet(t *testing.T, dir string, n int) (string, []string) {
	t.Helper()
	var b strings.Builder
	b.WriteString(xmlDecl + "\n<osm-notes>\n")
	records := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rec := planetRecord(i)
		records = append(records, rec)
		b.WriteString(rec)
		if i%7 == 0 {
			b.WriteString("\n")
		}
	}
	b.WriteString("</osm-notes>\n")
	path := filepath.Join(dir, "planet.xml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path, records
}

func collect(t *testing.T, parts []Part) []string {
	t.Helper()
	var got []string
	for _, p := range parts {
		n, err := Records(context.Background(), p.Path, func(rec []byte) error {
			got = append(got, string(rec))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, p.RecordCount, n, "part %d record count", p.Index)
	}
	return got
}

func TestPartitionCompletenessAllAlgorithms(t *testing.T) {
	for _, algo := range []Algorithm{AlgorithmLineScan, AlgorithmPosition, AlgorithmSinglePass} {
		t.Run(algo.String(), func(t *testing.T) {
			dir := t.TempDir()
			src, records := writePlanet(t, dir, 103)

			cfg := DefaultConfig(filepath.Join(dir, "parts"), "planet")
			cfg.Algorithm = algo
			res, err := New(cfg).Partition(context.Background(), src, 4, 10)
			require.NoError(t, err)

			assert.Equal(t, algo, res.Algorithm)
			assert.Equal(t, FormatPlanet, res.Format.Kind)
			assert.Equal(t, int64(103), res.Records)
			assert.Zero(t, res.Failed)
			require.Len(t, res.Parts, 4)

			assert.Equal(t, records, collect(t, res.Parts))

			for i, p := range res.Parts {
				assert.Equal(t, i, p.Index)
				assert.FileExists(t, p.Path)
				rep, err := Validate(context.Background(), p.Path)
				require.NoError(t, err)
				assert.True(t, rep.Valid(), "part %d must be well-formed: %+v", i, rep)
				assert.NotZero(t, p.Checksum)
				assert.Positive(t, p.ByteSize)
			}
		})
	}
}

func TestPartitionAutoSelectsAlgorithm(t *testing.T) {
	dir := t.TempDir()
	src, _ := writePlanet(t, dir, 40)

	cfg := DefaultConfig(dir, "auto")
	res, err := New(cfg).Partition(context.Background(), src, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmLineScan, res.Algorithm)

	cfg.PositionThreshold = 10
	res, err = New(cfg).Partition(context.Background(), src, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmPosition, res.Algorithm)

	cfg.PositionThreshold = 1000
	cfg.SinglePassThreshold = 10
	res, err = New(cfg).Partition(context.Background(), src, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmSinglePass, res.Algorithm)
}

func TestPartitionAPIEnvelope(t *testing.T) {
	dir := t.TempDir()
	body := xmlDecl + "\n<osm version=\"0.6\" generator=\"OpenStreetMap server\">\n" +
		"<note lon=\"1\" lat=\"2\">\n  <id>1</id>\n</note>\n" +
		"<note lon=\"3\" lat=\"4\">\n  <id>2</id>\n</note>\n" +
		"<note lon=\"5\" lat=\"6\">\n  <id>3</id>\n</note>\n" +
		"</osm>\n"
	src := filepath.Join(dir, "api.xml")
	require.NoError(t, os.WriteFile(src, []byte(body), 0o644))

	res, err := New(DefaultConfig(dir, "api")).Partition(context.Background(), src, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, FormatAPI, res.Format.Kind)
	require.Len(t, res.Parts, 2)

	data, err := os.ReadFile(res.Parts[1].Path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), xmlDecl+"\n<osm version=\"0.6\""))
	assert.True(t, strings.HasSuffix(string(data), "</osm>\n"))
}

func TestPartitionUnknownEnvelopeFailsFast(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "parts")
	require.NoError(t, os.MkdirAll(out, 0o755))
	stale := filepath.Join(out, "gpx_part_007.xml")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	src := filepath.Join(dir, "track.gpx")
	require.NoError(t, os.WriteFile(src, []byte(xmlDecl+"\n<gpx>\n<note id=\"1\"/>\n</gpx>\n"), 0o644))

	_, err := New(DefaultConfig(out, "gpx")).Partition(context.Background(), src, 2, 0)
	require.ErrorIs(t, err, ErrUnknownFormat)

	matches, err := filepath.Glob(filepath.Join(out, "gpx_part_*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "no parts may remain after a failed run")
}

func TestPartitionNoRecords(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "empty.xml")
	require.NoError(t, os.WriteFile(src, []byte(xmlDecl+"\n<osm-notes>\n</osm-notes>\n"), 0o644))

	_, err := New(DefaultConfig(dir, "empty")).Partition(context.Background(), src, 2, 0)
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestPartitionNeverMorePartsThanRecords(t *testing.T) {
	dir := t.TempDir()
	src, records := writePlanet(t, dir, 3)

	res, err := New(DefaultConfig(dir, "tiny")).Partition(context.Background(), src, 8, 0)
	require.NoError(t, err)
	require.Len(t, res.Parts, 3)
	assert.Equal(t, records, collect(t, res.Parts))
}

func TestPlanParts(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name               string
		size, records      int64
		target, max, parts int
	}{
		{"huge file capped at ceiling", 6 * GB, 10_000_000, 8, 0, 50},
		{"medium file within window", 200 * MB, 100_000, 4, 0, 4},
		{"small file pulled up to target", 1 * MB, 1000, 4, 0, 4},
		{"never more parts than records", 1 * MB, 3, 8, 0, 3},
		{"target above ceiling", 1 * MB, 10_000, 60, 0, 50},
		{"max parts bound", 2 * GB, 2_000_000, 4, 10, 10},
		{"records window grows part count", 200 * MB, 1_000_000, 2, 0, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := PlanParts(tt.size, tt.records, tt.target, tt.max, p)
			assert.Equal(t, tt.parts, plan.Parts)
			assert.Positive(t, plan.RecordsPerPart)
		})
	}

	assert.Equal(t, 100*MB, TargetPartSize(6*GB, 4))
	assert.Equal(t, 75*MB, TargetPartSize(2*GB, 4))
	assert.Equal(t, 50*MB, TargetPartSize(200*MB, 4))
	assert.Equal(t, 10*MB, TargetPartSize(40*MB, 4))
}

func TestSplitRecordsCoversEveryOrdinal(t *testing.T) {
	ranges := splitRecords(103, 4)
	require.Len(t, ranges, 4)
	assert.Equal(t, int64(0), ranges[0].Start)
	assert.Equal(t, int64(103), ranges[3].End)
	for i := 1; i < len(ranges); i++ {
		assert.Equal(t, ranges[i-1].End, ranges[i].Start)
		assert.Less(t, ranges[i].Start, ranges[i].End)
	}
	for ord := int64(0); ord < 103; ord++ {
		idx := rangeFor(ranges, ord)
		assert.True(t, ranges[idx].Start <= ord && ord < ranges[idx].End)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src, _ := writePlanet(t, dir, 20)
	p := New(DefaultConfig(dir, "m"))
	res, err := p.Partition(context.Background(), src, 2, 0)
	require.NoError(t, err)

	require.NoError(t, WriteManifest(p.ManifestPath(), NewManifest(res)))
	m, err := ReadManifest(p.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, "planet", m.Format)
	assert.Equal(t, res.Parts, m.Parts)

	require.NoError(t, os.Remove(res.Parts[0].Path))
	_, err = ReadManifest(p.ManifestPath())
	assert.Error(t, err)
}

func TestPartitionSkipsMalformedRecordAllAlgorithms(t *testing.T) {
	for _, algo := range []Algorithm{AlgorithmLineScan, AlgorithmPosition, AlgorithmSinglePass} {
		t.Run(algo.String(), func(t *testing.T) {
			dir := t.TempDir()
			var b strings.Builder
			b.WriteString(xmlDecl + "\n<osm-notes>\n")
			var want []string
			for i := 0; i < 20; i++ {
				rec := planetRecord(i)
				if i == 3 {
					// Drop the closing tag so record 3 never completes.
					b.WriteString(strings.TrimSuffix(rec, "</note>\n"))
					continue
				}
				want = append(want, rec)
				b.WriteString(rec)
			}
			b.WriteString("</osm-notes>\n")
			src := filepath.Join(dir, "broken.xml")
			require.NoError(t, os.WriteFile(src, []byte(b.String()), 0o644))

			cfg := DefaultConfig(filepath.Join(dir, "parts"), "broken")
			cfg.Algorithm = algo
			res, err := New(cfg).Partition(context.Background(), src, 2, 10)
			require.NoError(t, err)

			assert.Equal(t, int64(19), res.Records)
			assert.Zero(t, res.Failed)
			require.Len(t, res.Parts, 2)

			var total int64
			for _, p := range res.Parts {
				total += p.RecordCount
				assert.False(t, p.Repaired, "part %d", p.Index)
			}
			assert.Equal(t, int64(19), total)
			assert.Equal(t, want, collect(t, res.Parts))
		})
	}
}

func TestVerifyDiscardsPartsThatLoseRecordsInRepair(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lossy_part_000.xml")
	body := planetHeader + noteA + "<note id=\"9\" lat=\"9\">\n  <comment>open\n" + noteB + "</osm-notes>\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	p := New(DefaultConfig(dir, "lossy"))
	accepted, failed := p.verify(context.Background(),
		[]Part{{Index: 0, Path: path, RecordCount: 2}}, planetFormat(t), AlgorithmPosition)

	assert.Empty(t, accepted)
	assert.Equal(t, 1, failed)
	assert.NoFileExists(t, path)
}
