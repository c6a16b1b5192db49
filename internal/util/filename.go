package util

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
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// maxNameLength keeps derived names well under common filesystem limits.
const maxNameLength = 100

// compressionExts are stripped before the record extension when deriving prefixes.
var compressionExts = []string{".bz2", ".gz", ".xz", ".zst"}

// SanitizeFilename maps characters that are unsafe in file names to underscores and
// truncates the result.
func SanitizeFilename(input string) string {
	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, input)
	if len(replaced) > maxNameLength {
		return replaced[:maxNameLength]
	}
	return replaced
}

// PartPrefix derives the part file prefix from an input path:
// "/data/planet-notes-latest.osn.bz2" becomes "planet-notes-latest".
func PartPrefix(file string) string {
	base := filepath.Base(file)
	for _, ext := range compressionExts {
		base = strings.TrimSuffix(base, ext)
	}
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	base = SanitizeFilename(base)
	if base == "" || base == "." {
		return "records"
	}
	return base
}

// DownloadName returns the local file name for rawURL: the last path element when there is
// one, otherwise the sanitized host and path.
func DownloadName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return SanitizeFilename(rawURL)
	}
	if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
		return SanitizeFilename(name)
	}
	return SanitizeFilename(strings.Trim(u.Host+u.Path, "/"))
}
