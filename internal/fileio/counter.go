package fileio

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
	"os"
	"strconv"
)

// ReadInt reads a decimal integer file. A missing or empty file reads as 0.
// Callers hold the lock guarding the file.
func ReadInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("fileio: read counter %s: %w", path, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fileio: parse counter %s: %w", path, err)
	}
	return v, nil
}

// WriteInt atomically replaces a decimal integer file.
func WriteInt(path string, v int64) error {
	return WriteFileAtomic(path, []byte(strconv.FormatInt(v, 10)+"\n"))
}

// AddInt adds delta to the counter file while holding the lock at lockPath and returns
// the new value.
func AddInt(ctx context.Context, lockPath, path string, delta int64) (int64, error) {
	var v int64
	err := WithLock(ctx, lockPath, func() error {
		cur, err := ReadInt(path)
		if err != nil {
			return err
		}
		v = cur + delta
		return WriteInt(path, v)
	})
	return v, err
}
