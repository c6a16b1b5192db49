package config

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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/partition"
	"github.com/x-stp/geoingest/internal/retry"
)

func TestLoadDefaults(t *testing.T) {
	scratch := t.TempDir()
	t.Setenv("GEOINGEST_SCRATCH_DIR", scratch)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, scratch, cfg.ScratchDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ModeTicket, cfg.Admission.Mode)
	assert.Equal(t, 4, cfg.Admission.MaxSlots)
	assert.Equal(t, 10*time.Minute, cfg.Admission.AcquireTimeout)
	assert.Equal(t, int64(100000), cfg.ChunkQueue.ChunkSize)
	assert.Equal(t, "notes", cfg.Countries.Notes)
	assert.Equal(t, 4326, cfg.Countries.SRID)
	assert.True(t, cfg.Pipeline.ReuseParts)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geoingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scratch_dir: `+dir+`
admission:
  mode: semaphore
  max_slots: 2
chunk_queue:
  chunk_size: 5000
countries:
  notes_table: notes_api
partition:
  algorithm: position
`), 0o644))
	t.Setenv("GEOINGEST_MAX_SLOTS", "7")
	t.Setenv("GEOINGEST_NOTES_TABLE", "notes_sync")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeSemaphore, cfg.Admission.Mode)
	assert.Equal(t, 7, cfg.Admission.MaxSlots, "environment wins over the file")
	assert.Equal(t, int64(5000), cfg.ChunkQueue.ChunkSize)
	assert.Equal(t, "notes_sync", cfg.Countries.Notes)
	assert.Equal(t, partition.AlgorithmPosition, cfg.Partition.Config(dir, "x").Algorithm)

	q, err := cfg.Queue()
	require.NoError(t, err)
	assert.IsType(t, &admission.Semaphore{}, q)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, retry.ExitInvalidArgument, retry.ExitCode(err))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Setenv("GEOINGEST_SCRATCH_DIR", t.TempDir())
	t.Setenv("GEOINGEST_ADMISSION_MODE", "lottery")
	t.Setenv("GEOINGEST_CHUNK_SIZE", "0")
	t.Setenv("GEOINGEST_LOG_FORMAT", "xml")

	_, err := Load("")
	require.Error(t, err)
	assert.Equal(t, retry.KindContract, retry.KindOf(err))
	assert.Contains(t, err.Error(), "admission.mode")
	assert.Contains(t, err.Error(), "chunk_queue.chunk_size")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestConversions(t *testing.T) {
	t.Setenv("GEOINGEST_SCRATCH_DIR", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	_, err = cfg.DatabaseConfig()
	assert.ErrorIs(t, err, ErrNoDatabase)

	cfg.Database.DSN = "postgres://localhost/notes"
	dbc, err := cfg.DatabaseConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, dbc.Retry.MaxAttempts)
	assert.Equal(t, "PG:postgres://localhost/notes", cfg.ImportConfig().PGDSN)

	assert.Equal(t, 5, cfg.Retry.Network().MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Generic().BaseDelay)

	qc := cfg.Admission.Config(cfg.ScratchDir)
	assert.Equal(t, filepath.Join(cfg.ScratchDir, "download_queue"), qc.Dir)

	pc := cfg.PipelineConfig()
	assert.Equal(t, cfg.PartsDir(), pc.WorkDir)
	assert.Equal(t, cfg.PartsDir(), pc.Partition.OutputDir)

	cq := cfg.ChunkQueue.Config(cfg.ScratchDir)
	assert.Equal(t, int64(10000), cq.SubBatchSize)

	assert.Contains(t, Usage(), "GEOINGEST_SCRATCH_DIR")
}
