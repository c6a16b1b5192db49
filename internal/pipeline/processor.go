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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/x-stp/geoingest/internal/partition"
	"github.com/x-stp/geoingest/internal/retry"
)

const (
	// PartPlaceholder is replaced by the part path in command templates.
	PartPlaceholder = "{part}"
	// IndexPlaceholder is replaced by the zero-padded part index.
	IndexPlaceholder = "{index}"
)

// CommandProcessor runs an external command per part.
type CommandProcessor struct {
	argv []string
	env  []string
}

// NewCommandProcessor parses a whitespace-separated command template. The template must
// reference {part} and its program must be on PATH.
func NewCommandProcessor(template string, env ...string) (*CommandProcessor, error) {
	argv := strings.Fields(template)
	if len(argv) == 0 || !strings.Contains(template, PartPlaceholder) {
		return nil, retry.Errorf(retry.KindContract, "pipeline: command template %q must reference %s", template, PartPlaceholder)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, retry.Wrap(retry.KindMissingDependency, "pipeline: "+argv[0], err)
	}
	argv[0] = path
	return &CommandProcessor{argv: argv, env: env}, nil
}

// Args returns the expanded command line for part.
func (c *CommandProcessor) Args(part partition.Part) []string {
	r := strings.NewReplacer(PartPlaceholder, part.Path, IndexPlaceholder, fmt.Sprintf("%03d", part.Index))
	out := make([]string, len(c.argv))
	for i, a := range c.argv {
		out[i] = r.Replace(a)
	}
	return out
}

// Process runs the command and reports its output tail on failure.
func (c *CommandProcessor) Process(ctx context.Context, part partition.Part) error {
	args := c.Args(part)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(cmd.Environ(), c.env...)
	cmd.Env = append(cmd.Env,
		"GEOINGEST_PART="+part.Path,
		"GEOINGEST_PART_INDEX="+strconv.Itoa(part.Index),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("pipeline: %s: %w: %s", strings.Join(args, " "), err, msg)
	}
	return nil
}

// Importer loads one file into a table.
type Importer interface {
	Import(ctx context.Context, file, table string) error
}

// ImportProcessor loads every part into Table.
type ImportProcessor struct {
	Importer Importer
	Table    string
}

// Process imports part.
func (p ImportProcessor) Process(ctx context.Context, part partition.Part) error {
	return p.Importer.Import(ctx, part.Path, p.Table)
}
