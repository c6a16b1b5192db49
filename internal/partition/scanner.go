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
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
)

const (
	recordTag    = "note"
	scanBufSize  = 1 << 20
	ctxCheckMask = 1<<12 - 1
)

var (
	recordClose = []byte("</" + recordTag + ">")
	errStopScan = errors.New("stop scan")
)

// recordFunc receives each complete record. rec is only valid during the call.
type recordFunc func(rec []byte, ordinal, start int64) error

// scanResult describes one pass over a record file.
type scanResult struct {
	// Header is every byte before the first record start.
	Header []byte
	// Records counts complete records.
	Records int64
	Opens   int64
	Closes  int64
	// FirstRecordStart is the offset of the first complete record, -1 when there is none.
	FirstRecordStart int64
	LastRecordEnd    int64
	// CleanEnd is the end of the last complete record preceding the first anomaly.
	CleanEnd        int64
	FooterFound     bool
	TrailingContent bool
	// Anomalies counts unterminated records, stray closing tags and content after the footer.
	Anomalies int
	Size      int64
}

type scanner struct {
	root string
	fn   recordFunc
	res  *scanResult

	header     bytes.Buffer
	headerDone bool
	inRecord   bool
	record     []byte
	recStart   int64
	broken     bool
}

// scanRecords streams r line by line and reports every complete record to fn.
// root is the expected root element; an empty root accepts any osm* footer.
func scanRecords(ctx context.Context, r io.Reader, root string, fn recordFunc) (*scanResult, error) {
	s := &scanner{
		root: root,
		fn:   fn,
		res:  &scanResult{FirstRecordStart: -1},
	}
	br := bufio.NewReaderSize(r, scanBufSize)

	var (
		off   int64
		lines int
		line  []byte
	)
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(line) > 0 {
			if perr := s.line(line, off); perr != nil {
				s.finish()
				return s.res, perr
			}
			off += int64(len(line))
			line = line[:0]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return s.res, err
		}

		lines++
		if lines&ctxCheckMask == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return s.res, cerr
			}
		}
	}
	s.res.Size = off
	s.finish()
	return s.res, nil
}

func (s *scanner) finish() {
	if !s.headerDone {
		s.headerDone = true
		s.res.Header = append([]byte(nil), s.header.Bytes()...)
	}
	if s.inRecord {
		s.inRecord = false
		s.anomaly()
	}
}

func (s *scanner) anomaly() {
	s.res.Anomalies++
	s.broken = true
}

func (s *scanner) line(line []byte, start int64) error {
	t := bytes.TrimSpace(line)

	switch {
	case s.inRecord:
		if isRecordStart(t) {
			// The previous record was never closed.
			s.anomaly()
			return s.open(line, t, start)
		}
		s.record = append(s.record, line...)
		if bytes.Contains(t, recordClose) {
			s.res.Closes++
			return s.complete(start + int64(len(line)))
		}
		return nil

	case isRecordStart(t):
		if !s.headerDone {
			s.headerDone = true
			s.res.Header = append([]byte(nil), s.header.Bytes()...)
		}
		if s.res.FooterFound {
			s.res.TrailingContent = true
			s.anomaly()
		}
		return s.open(line, t, start)

	case !s.headerDone:
		if s.isFooter(t) {
			s.headerDone = true
			s.res.Header = append([]byte(nil), s.header.Bytes()...)
			s.res.FooterFound = true
			return nil
		}
		s.header.Write(line)
		return nil

	case s.isFooter(t):
		if s.res.FooterFound {
			s.res.TrailingContent = true
			s.anomaly()
		}
		s.res.FooterFound = true
		return nil

	case len(t) == 0:
		return nil

	default:
		if bytes.Contains(t, recordClose) {
			s.res.Closes++
			s.anomaly()
		}
		if s.res.FooterFound {
			s.res.TrailingContent = true
			s.anomaly()
		}
		return nil
	}
}

func (s *scanner) open(line, t []byte, start int64) error {
	s.res.Opens++
	s.inRecord = true
	s.recStart = start
	s.record = append(s.record[:0], line...)

	if bytes.Contains(t, recordClose) {
		s.res.Closes++
		return s.complete(start + int64(len(line)))
	}
	if bytes.HasSuffix(t, []byte("/>")) {
		s.res.Closes++
		return s.complete(start + int64(len(line)))
	}
	return nil
}

func (s *scanner) complete(end int64) error {
	s.inRecord = false
	if s.fn != nil {
		if err := s.fn(s.record, s.res.Records, s.recStart); err != nil {
			return err
		}
	}
	s.res.Records++
	if s.res.FirstRecordStart < 0 {
		s.res.FirstRecordStart = s.recStart
	}
	s.res.LastRecordEnd = end
	if !s.broken {
		s.res.CleanEnd = end
	}
	return nil
}

func (s *scanner) isFooter(t []byte) bool {
	if !bytes.HasPrefix(t, []byte("</")) {
		return false
	}
	if s.root != "" {
		return bytes.Equal(t, []byte("</"+s.root+">"))
	}
	return bytes.Equal(t, []byte("</"+rootPlanet+">")) || bytes.Equal(t, []byte("</"+rootAPI+">"))
}

// isRecordStart reports whether a trimmed line opens a <note> element.
func isRecordStart(t []byte) bool {
	return hasElementPrefix(t, recordTag)
}
