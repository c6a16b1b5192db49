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
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/x-stp/geoingest/internal/fileio"
)

// ErrUnrepairable is returned when a file holds no complete record to keep.
var ErrUnrepairable = errors.New("partition: file cannot be repaired")

// BackupSuffix is appended to the original file before Repair rewrites it.
const BackupSuffix = ".bak"

// Report describes the structure of a record file.
type Report struct {
	Kind FormatKind
	// HeaderPresent is set when an XML declaration and a known root element precede the records.
	HeaderPresent   bool
	FooterPresent   bool
	Records         int64
	Opens           int64
	Closes          int64
	TrailingContent bool
	Anomalies       int
}

// Valid reports whether the file is independently well-formed.
func (r Report) Valid() bool {
	return r.HeaderPresent && r.FooterPresent && r.Opens == r.Closes &&
		!r.TrailingContent && r.Anomalies == 0
}

func reportFrom(res *scanResult) Report {
	kind, _ := detectRoot(res.Header)
	return Report{
		Kind:            kind,
		HeaderPresent:   kind != FormatUnknown && hasXMLDecl(res.Header),
		FooterPresent:   res.FooterFound,
		Records:         res.Records,
		Opens:           res.Opens,
		Closes:          res.Closes,
		TrailingContent: res.TrailingContent,
		Anomalies:       res.Anomalies,
	}
}

func scanFile(ctx context.Context, path string) (*scanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("partition: open %s: %w", path, err)
	}
	defer f.Close()
	return scanRecords(ctx, f, "", nil)
}

// Validate checks the envelope and record balance of path.
func Validate(ctx context.Context, path string) (Report, error) {
	res, err := scanFile(ctx, path)
	if err != nil {
		return Report{}, err
	}
	return reportFrom(res), nil
}

// Repair rewrites a corrupt record file so it is well-formed again. The original is copied
// to path+BackupSuffix first. The file is truncated to the last complete record before the
// first anomaly, a missing header is prepended from format and the closing root tag is
// appended. A valid file is left untouched and Repair reports false.
func Repair(ctx context.Context, path string, format Format) (bool, error) {
	res, err := scanFile(ctx, path)
	if err != nil {
		return false, err
	}
	rep := reportFrom(res)
	if rep.Valid() {
		return false, nil
	}
	if res.FirstRecordStart < 0 || res.CleanEnd <= res.FirstRecordStart {
		return false, fmt.Errorf("%w: %s has no complete leading record", ErrUnrepairable, path)
	}

	header := res.Header
	root := format.Root
	if rep.HeaderPresent {
		_, root = detectRoot(res.Header)
	} else {
		if format.Kind == FormatUnknown {
			return false, fmt.Errorf("%w: header missing and no format given", ErrUnknownFormat)
		}
		canonical, err := DefaultFormat(format.Kind)
		if err != nil {
			return false, err
		}
		header = canonical.Header
		root = canonical.Root
	}

	if err := fileio.CopyFile(path, path+BackupSuffix); err != nil {
		return false, fmt.Errorf("partition: backup before repair: %w", err)
	}

	if err := rewrite(path, header, res.FirstRecordStart, res.CleanEnd, root); err != nil {
		return false, err
	}

	after, err := Validate(ctx, path)
	if err != nil {
		return false, err
	}
	if !after.Valid() {
		return false, fmt.Errorf("%w: %s still malformed after repair", ErrUnrepairable, path)
	}

	log.Warn().
		Str("file", path).
		Int64("records_before", res.Records).
		Int64("records_after", after.Records).
		Bool("header_added", !rep.HeaderPresent).
		Bool("footer_added", !rep.FooterPresent).
		Msg("repaired malformed record file")
	return true, nil
}

// rewrite replaces path with header, the byte range [from,to) of the old content and the
// closing root tag.
func rewrite(path string, header []byte, from, to int64, root string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("partition: open %s: %w", path, err)
	}
	defer src.Close()

	w, err := fileio.CreateAtomic(path)
	if err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		w.Abort()
		return err
	}
	if n := len(header); n > 0 && header[n-1] != '\n' {
		_, _ = w.Write([]byte{'\n'})
	}
	if _, err := io.Copy(w, io.NewSectionReader(src, from, to-from)); err != nil {
		w.Abort()
		return fmt.Errorf("partition: copy records of %s: %w", path, err)
	}

	last := make([]byte, 1)
	if _, err := src.ReadAt(last, to-1); err == nil && last[0] != '\n' {
		_, _ = w.Write([]byte{'\n'})
	}
	if _, err := w.Write([]byte("</" + root + ">\n")); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}
