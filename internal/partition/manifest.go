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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/x-stp/geoingest/internal/fileio"
)

// Manifest records a finished partition run so a later run can reuse its parts.
type Manifest struct {
	Source    string    `yaml:"source"`
	Format    string    `yaml:"format"`
	Algorithm string    `yaml:"algorithm"`
	Records   int64     `yaml:"records"`
	Failed    int       `yaml:"failed"`
	CreatedAt time.Time `yaml:"created_at"`
	Parts     []Part    `yaml:"parts"`
}

// NewManifest builds a manifest from a result.
func NewManifest(res *Result) Manifest {
	return Manifest{
		Source:    res.Source,
		Format:    res.Format.Kind.String(),
		Algorithm: res.Algorithm.String(),
		Records:   res.Records,
		Failed:    res.Failed,
		CreatedAt: time.Now().UTC(),
		Parts:     res.Parts,
	}
}

// WriteManifest stores m as YAML at path.
func WriteManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("partition: encode manifest: %w", err)
	}
	return fileio.WriteFileAtomic(path, data)
}

// ReadManifest loads a manifest and checks that every listed part still exists.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("partition: read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("partition: decode manifest %s: %w", path, err)
	}
	for _, p := range m.Parts {
		if _, err := os.Stat(p.Path); err != nil {
			return m, fmt.Errorf("partition: manifest part %d: %w", p.Index, err)
		}
	}
	return m, nil
}
