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

/*
Package partition splits OSM notes dumps into record-aligned, independently well-formed parts.

Both supported envelopes wrap a sequence of <note> records:

	<?xml version="1.0" encoding="UTF-8"?>
	<osm-notes>                       (Planet dump)
	<osm version="0.6" ...>           (API feed)
	  <note ...> ... </note>
	</osm-notes> | </osm>

Records must start on their own line. The envelope is detected once (DetectFormat) and the
resulting Format is threaded through every algorithm, validation and repair call.
*/

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnknownFormat is returned when the record envelope is not recognised.
var ErrUnknownFormat = errors.New("partition: unrecognised record envelope")

// FormatKind enumerates the known envelopes.
type FormatKind int

const (
	FormatUnknown FormatKind = iota
	// FormatPlanet is the full historical dump, root element <osm-notes>.
	FormatPlanet
	// FormatAPI is the incremental API feed, root element <osm>.
	FormatAPI
)

const (
	rootPlanet = "osm-notes"
	rootAPI    = "osm"
	xmlDecl    = `<?xml version="1.0" encoding="UTF-8"?>`
)

func (k FormatKind) String() string {
	switch k {
	case FormatPlanet:
		return "planet"
	case FormatAPI:
		return "api"
	default:
		return "unknown"
	}
}

// ParseFormatKind accepts the names returned by FormatKind.String.
func ParseFormatKind(s string) (FormatKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "planet":
		return FormatPlanet, nil
	case "api":
		return FormatAPI, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Format is the envelope of a record file.
type Format struct {
	Kind FormatKind
	// Root is the root element name.
	Root string
	// Header is every byte preceding the first record, reused verbatim as the prologue of
	// each part.
	Header []byte
}

// Footer returns the closing root tag line.
func (f Format) Footer() []byte {
	return []byte("</" + f.Root + ">\n")
}

// DefaultFormat returns the canonical envelope for kind, used when repairing a file whose
// header is missing.
func DefaultFormat(kind FormatKind) (Format, error) {
	switch kind {
	case FormatPlanet:
		return Format{Kind: kind, Root: rootPlanet, Header: []byte(xmlDecl + "\n<" + rootPlanet + ">\n")}, nil
	case FormatAPI:
		return Format{Kind: kind, Root: rootAPI,
			Header: []byte(xmlDecl + "\n<" + rootAPI + ` version="0.6" generator="OpenStreetMap server">` + "\n")}, nil
	}
	return Format{}, ErrUnknownFormat
}

// DetectFormat reads the prologue of path and resolves its envelope.
func DetectFormat(ctx context.Context, path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, fmt.Errorf("partition: open %s: %w", path, err)
	}
	defer f.Close()

	res, err := scanRecords(ctx, f, "", func([]byte, int64, int64) error { return errStopScan })
	if err != nil && !errors.Is(err, errStopScan) {
		return Format{}, err
	}
	kind, root := detectRoot(res.Header)
	if kind == FormatUnknown {
		return Format{}, fmt.Errorf("%w in %s", ErrUnknownFormat, path)
	}
	return Format{Kind: kind, Root: root, Header: res.Header}, nil
}

// detectRoot finds the root element in a prologue.
func detectRoot(header []byte) (FormatKind, string) {
	for _, line := range bytes.Split(header, []byte("\n")) {
		t := bytes.TrimSpace(line)
		switch {
		case hasElementPrefix(t, rootPlanet):
			return FormatPlanet, rootPlanet
		case hasElementPrefix(t, rootAPI):
			return FormatAPI, rootAPI
		}
	}
	return FormatUnknown, ""
}

// hasElementPrefix reports whether t opens element name.
func hasElementPrefix(t []byte, name string) bool {
	if len(t) < len(name)+1 || t[0] != '<' || !bytes.HasPrefix(t[1:], []byte(name)) {
		return false
	}
	if len(t) == len(name)+1 {
		return true
	}
	switch t[len(name)+1] {
	case ' ', '\t', '>', '/':
		return true
	}
	return false
}

func hasXMLDecl(header []byte) bool {
	return bytes.Contains(header, []byte("<?xml"))
}
