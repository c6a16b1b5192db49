package geoimport

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

// Package geoimport loads geometry files into PostGIS tables through ogr2ogr.
import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/retry"
)

// ErrMissingDependency is returned when the import tool is not installed.
var ErrMissingDependency = errors.New("geoimport: import tool not found on PATH")

// Config configures an Importer.
type Config struct {
	// Tool is the ogr2ogr binary name or path.
	Tool string
	// PGDSN is the OGR PostgreSQL data source, e.g. "PG:dbname=notes".
	PGDSN string
	// TargetSRS is passed as -t_srs when set.
	TargetSRS string
	Overwrite bool
}

// Importer runs the import tool.
type Importer struct {
	cfg    Config
	path   string
	logger zerolog.Logger
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New resolves the tool on PATH.
func New(cfg Config) (*Importer, error) {
	if cfg.Tool == "" {
		cfg.Tool = "ogr2ogr"
	}
	if cfg.PGDSN == "" {
		return nil, retry.Errorf(retry.KindContract, "geoimport: database data source is required")
	}
	path, err := exec.LookPath(cfg.Tool)
	if err != nil {
		return nil, retry.Wrap(retry.KindMissingDependency, cfg.Tool, fmt.Errorf("%w: %v", ErrMissingDependency, err))
	}
	return &Importer{
		cfg:    cfg,
		path:   path,
		logger: logging.Component("geoimport"),
		run:    combinedOutput,
	}, nil
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// Args returns the tool arguments for importing file into table.
func (im *Importer) Args(file, table string) []string {
	args := []string{"-f", "PostgreSQL", im.cfg.PGDSN, file, "-nln", table, "-lco", "GEOMETRY_NAME=geom"}
	if im.cfg.TargetSRS != "" {
		args = append(args, "-t_srs", im.cfg.TargetSRS)
	}
	if im.cfg.Overwrite {
		args = append(args, "-overwrite")
	} else {
		args = append(args, "-append")
	}
	return args
}

// Import loads file into table.
func (im *Importer) Import(ctx context.Context, file, table string) error {
	if file == "" || table == "" {
		return retry.Errorf(retry.KindContract, "geoimport: file and table are required")
	}
	if _, err := os.Stat(file); err != nil {
		return retry.Wrap(retry.KindContract, "geoimport", err)
	}
	out, err := im.run(ctx, im.path, im.Args(file, table)...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("geoimport: import %s into %s: %w: %s", file, table, err, msg)
	}
	im.logger.Info().Str("file", file).Str("table", table).Msg("imported")
	return nil
}
