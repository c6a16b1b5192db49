package chunkqueue

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
Package chunkqueue spreads a database pass over an id range across independent workers.

A run lives under <scratch>/chunkqueue/<run id>:

	run.yaml            run parameters, read by worker processes
	queue               16-byte header (magic, head index) then 16-byte [start, end) records
	queue.lock          flock(2) guarding queue and leases/
	progress            completed chunk count
	progress.lock       flock(2) guarding progress
	results/            one worker_NNN.json per worker, summed by the parent
	leases/             chunks popped but not finished, only with ReclaimAbandoned

Pop hands every chunk to exactly one worker. Without leases a worker that dies mid-chunk loses
that chunk; with leases the chunk is re-queued once the queue drains and its owner is gone.
*/

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/fileio"
	"github.com/x-stp/geoingest/internal/retry"
)

const (
	queueMagic = uint64(0x67656f6368756e6b) // "geochunk"
	headerSize = 16
	recordSize = 16
)

// ErrQueueCorrupt is returned when the queue file does not have the expected layout.
var ErrQueueCorrupt = errors.New("chunkqueue: queue file corrupt")

// Chunk is a half-open id range [Start, End).
type Chunk struct {
	Start int64 `json:"start" yaml:"start"`
	End   int64 `json:"end" yaml:"end"`
}

func (c Chunk) String() string {
	return fmt.Sprintf("[%d,%d)", c.Start, c.End)
}

// Split covers [0, maxID] with chunks of chunkSize. The last chunk ends at maxID+1.
func Split(maxID, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, retry.Errorf(retry.KindContract, "chunkqueue: chunk size must be positive, got %d", chunkSize)
	}
	if maxID < 0 {
		return nil, retry.Errorf(retry.KindContract, "chunkqueue: max id must not be negative, got %d", maxID)
	}
	end := maxID + 1
	chunks := make([]Chunk, 0, (end+chunkSize-1)/chunkSize)
	for start := int64(0); start < end; start += chunkSize {
		chunks = append(chunks, Chunk{Start: start, End: min(start+chunkSize, end)})
	}
	return chunks, nil
}

// SubRanges splits c into ranges of at most size ids.
func (c Chunk) SubRanges(size int64) []Chunk {
	if size <= 0 || size >= c.End-c.Start {
		return []Chunk{c}
	}
	out := make([]Chunk, 0, (c.End-c.Start+size-1)/size)
	for s := c.Start; s < c.End; s += size {
		out = append(out, Chunk{Start: s, End: min(s+size, c.End)})
	}
	return out
}

// Queue is the shared chunk queue file.
type Queue struct {
	path   string
	lock   string
	leases string
}

// CreateQueue writes chunks to path, replacing any previous queue.
func CreateQueue(path string, chunks []Chunk) (*Queue, error) {
	buf := make([]byte, headerSize+len(chunks)*recordSize)
	binary.BigEndian.PutUint64(buf[0:8], queueMagic)
	for i, c := range chunks {
		putChunk(buf[headerSize+i*recordSize:], c)
	}
	if err := fileio.WriteFileAtomic(path, buf); err != nil {
		return nil, fmt.Errorf("chunkqueue: create queue: %w", err)
	}
	return OpenQueue(path), nil
}

// OpenQueue returns a handle on an existing queue file.
func OpenQueue(path string) *Queue {
	return &Queue{path: path, lock: path + ".lock"}
}

// WithLeases records every popped chunk under dir until Done is called.
func (q *Queue) WithLeases(dir string) *Queue {
	cp := *q
	cp.leases = dir
	return &cp
}

func putChunk(b []byte, c Chunk) {
	binary.BigEndian.PutUint64(b[0:8], uint64(c.Start))
	binary.BigEndian.PutUint64(b[8:16], uint64(c.End))
}

func getChunk(b []byte) Chunk {
	return Chunk{Start: int64(binary.BigEndian.Uint64(b[0:8])), End: int64(binary.BigEndian.Uint64(b[8:16]))}
}

// readHeader returns the head index and record count. f must be open for reading.
func readHeader(f *os.File) (head, count int64, err error) {
	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, 0, ErrQueueCorrupt
		}
		return 0, 0, err
	}
	if binary.BigEndian.Uint64(hdr[0:8]) != queueMagic {
		return 0, 0, fmt.Errorf("%w: bad magic", ErrQueueCorrupt)
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	body := fi.Size() - headerSize
	if body%recordSize != 0 {
		return 0, 0, fmt.Errorf("%w: %d trailing bytes", ErrQueueCorrupt, body%recordSize)
	}
	head = int64(binary.BigEndian.Uint64(hdr[8:16]))
	count = body / recordSize
	if head > count {
		return 0, 0, fmt.Errorf("%w: head %d beyond %d records", ErrQueueCorrupt, head, count)
	}
	return head, count, nil
}

// Pop removes the first remaining chunk. ok is false once the queue is empty.
func (q *Queue) Pop(ctx context.Context, owner int) (c Chunk, ok bool, err error) {
	err = fileio.WithLock(ctx, q.lock, func() error {
		f, err := os.OpenFile(q.path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer f.Close()

		head, count, err := readHeader(f)
		if err != nil {
			return err
		}
		if head >= count {
			return nil
		}
		var rec [recordSize]byte
		if _, err := f.ReadAt(rec[:], headerSize+head*recordSize); err != nil {
			return err
		}
		c = getChunk(rec[:])

		if q.leases != "" {
			if err := writeLease(q.leases, c, owner); err != nil {
				return err
			}
		}
		var next [8]byte
		binary.BigEndian.PutUint64(next[:], uint64(head+1))
		if _, err := f.WriteAt(next[:], 8); err != nil {
			if q.leases != "" {
				_ = removeLease(q.leases, c)
			}
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return Chunk{}, false, fmt.Errorf("chunkqueue: pop: %w", err)
	}
	return c, ok, nil
}

// Done releases the lease on c. It is a no-op without leases.
func (q *Queue) Done(c Chunk) error {
	if q.leases == "" {
		return nil
	}
	return removeLease(q.leases, c)
}

// Remaining returns the number of chunks not yet popped.
func (q *Queue) Remaining(ctx context.Context) (int64, error) {
	var n int64
	err := fileio.WithLock(ctx, q.lock, func() error {
		f, err := os.Open(q.path)
		if err != nil {
			return err
		}
		defer f.Close()
		head, count, err := readHeader(f)
		n = count - head
		return err
	})
	return n, err
}

// Reclaim re-queues leased chunks whose owner is no longer alive and returns how many were
// re-queued.
func (q *Queue) Reclaim(ctx context.Context, alive admission.PIDChecker) (int, error) {
	if q.leases == "" {
		return 0, nil
	}
	reclaimed := 0
	err := fileio.WithLock(ctx, q.lock, func() error {
		leases, err := listLeases(q.leases)
		if err != nil {
			return err
		}
		var dead []lease
		for _, l := range leases {
			if !alive(ctx, l.owner) {
				dead = append(dead, l)
			}
		}
		if len(dead) == 0 {
			return nil
		}
		f, err := os.OpenFile(q.path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return err
		}
		buf := make([]byte, len(dead)*recordSize)
		for i, l := range dead {
			putChunk(buf[i*recordSize:], l.chunk)
		}
		if _, err := f.Write(buf); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		for _, l := range dead {
			if err := removeLease(q.leases, l.chunk); err != nil {
				return err
			}
		}
		reclaimed = len(dead)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chunkqueue: reclaim: %w", err)
	}
	return reclaimed, nil
}

type lease struct {
	chunk Chunk
	owner int
}

func leasePath(dir string, c Chunk) string {
	return filepath.Join(dir, strconv.FormatInt(c.Start, 10)+"-"+strconv.FormatInt(c.End, 10))
}

func writeLease(dir string, c Chunk, owner int) error {
	return os.WriteFile(leasePath(dir, c), []byte(strconv.Itoa(owner)+"\n"), 0o644)
}

func removeLease(dir string, c Chunk) error {
	if err := os.Remove(leasePath(dir, c)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func listLeases(dir string) ([]lease, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]lease, 0, len(entries))
	for _, e := range entries {
		startStr, endStr, found := strings.Cut(e.Name(), "-")
		if !found {
			continue
		}
		start, err1 := strconv.ParseInt(startStr, 10, 64)
		end, err2 := strconv.ParseInt(endStr, 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		owner, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		out = append(out, lease{chunk: Chunk{Start: start, End: end}, owner: owner})
	}
	return out, nil
}
