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

import "sort"

// Size tiers.
const (
	MB = int64(1) << 20
	GB = int64(1) << 30

	hugeFileSize   = 5 * GB
	largeFileSize  = 1 * GB
	mediumFileSize = 100 * MB

	hugePartSize   = 100 * MB
	largePartSize  = 75 * MB
	mediumPartSize = 50 * MB
)

// Policy bounds part sizing.
type Policy struct {
	MinRecordsPerPart int64
	MaxRecordsPerPart int64
	// PartsCeiling is the hard upper bound on the part count.
	PartsCeiling int
}

// DefaultPolicy returns the production sizing bounds.
func DefaultPolicy() Policy {
	return Policy{
		MinRecordsPerPart: 25000,
		MaxRecordsPerPart: 50000,
		PartsCeiling:      50,
	}
}

// Plan is the outcome of sizing.
type Plan struct {
	Parts          int
	PartSizeBytes  int64
	RecordsPerPart int64
}

// TargetPartSize returns the tiered target part size for a file.
func TargetPartSize(fileSize int64, targetParts int) int64 {
	switch {
	case fileSize > hugeFileSize:
		return hugePartSize
	case fileSize > largeFileSize:
		return largePartSize
	case fileSize > mediumFileSize:
		return mediumPartSize
	}
	if targetParts < 1 {
		targetParts = 1
	}
	size := fileSize / int64(targetParts)
	if size < 1 {
		size = 1
	}
	return size
}

// PlanParts sizes a partition run. The part count starts from the tiered part size, is
// pulled towards the records-per-part window, then clamped to
// [targetParts, min(maxParts, PartsCeiling)] and never exceeds the record count.
func PlanParts(fileSize, records int64, targetParts, maxParts int, p Policy) Plan {
	if targetParts < 1 {
		targetParts = 1
	}
	hi := p.PartsCeiling
	if hi <= 0 {
		hi = DefaultPolicy().PartsCeiling
	}
	if maxParts > 0 && maxParts < hi {
		hi = maxParts
	}
	lo := targetParts
	if lo > hi {
		lo = hi
	}

	partSize := TargetPartSize(fileSize, targetParts)
	parts := int(ceilDiv(fileSize, partSize))
	if parts < 1 {
		parts = 1
	}

	if records > 0 {
		per := ceilDiv(records, int64(parts))
		switch {
		case p.MinRecordsPerPart > 0 && per < p.MinRecordsPerPart:
			parts = int(records / p.MinRecordsPerPart)
		case p.MaxRecordsPerPart > 0 && per > p.MaxRecordsPerPart:
			parts = int(ceilDiv(records, p.MaxRecordsPerPart))
		}
	}

	if parts < lo {
		parts = lo
	}
	if parts > hi {
		parts = hi
	}
	if records > 0 && int64(parts) > records {
		parts = int(records)
	}
	if parts < 1 {
		parts = 1
	}

	plan := Plan{Parts: parts, PartSizeBytes: partSize}
	if records > 0 {
		plan.RecordsPerPart = ceilDiv(records, int64(parts))
	}
	return plan
}

// recordRange is a half-open range of record ordinals.
type recordRange struct {
	Start, End int64
}

// splitRecords divides records into parts balanced ranges. Every range is non-empty when
// parts <= records.
func splitRecords(records int64, parts int) []recordRange {
	out := make([]recordRange, parts)
	n := int64(parts)
	for i := int64(0); i < n; i++ {
		out[i] = recordRange{Start: i * records / n, End: (i + 1) * records / n}
	}
	return out
}

// rangeFor returns the index of the range containing ordinal.
func rangeFor(ranges []recordRange, ordinal int64) int {
	return sort.Search(len(ranges), func(i int) bool { return ranges[i].End > ordinal })
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
