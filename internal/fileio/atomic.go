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
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// DefaultBufferSize is the bufio buffer used by AtomicWriter.
const DefaultBufferSize = 256 * 1024

// bufferPool recycles bufio.Writers between part files.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return bufio.NewWriterSize(io.Discard, DefaultBufferSize)
	},
}

// AtomicWriter writes into a temporary file next to its destination and renames it into
// place on Commit, so readers never observe a half-written file.
type AtomicWriter struct {
	path    string
	tmp     *os.File
	buf     *bufio.Writer
	written int64
	done    bool
}

// CreateAtomic opens a temporary file in the destination directory.
func CreateAtomic(path string) (*AtomicWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fileio: create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("fileio: create temp for %s: %w", path, err)
	}
	buf := bufferPool.Get().(*bufio.Writer)
	buf.Reset(tmp)
	return &AtomicWriter{path: path, tmp: tmp, buf: buf}, nil
}

// Path returns the destination path.
func (w *AtomicWriter) Path() string {
	return w.path
}

// Written returns the number of bytes written so far.
func (w *AtomicWriter) Written() int64 {
	return w.written
}

// Write implements io.Writer.
func (w *AtomicWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	n, err := w.buf.Write(p)
	w.written += int64(n)
	return n, err
}

// Commit flushes, syncs and renames the temporary file to the destination.
func (w *AtomicWriter) Commit() error {
	if w.done {
		return os.ErrClosed
	}
	w.done = true
	defer w.release()

	if err := w.buf.Flush(); err != nil {
		w.discard()
		return fmt.Errorf("fileio: flush %s: %w", w.path, err)
	}
	if err := w.tmp.Sync(); err != nil {
		w.discard()
		return fmt.Errorf("fileio: sync %s: %w", w.path, err)
	}
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(w.tmp.Name())
		return fmt.Errorf("fileio: close %s: %w", w.path, err)
	}
	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		_ = os.Remove(w.tmp.Name())
		return fmt.Errorf("fileio: rename into %s: %w", w.path, err)
	}
	return nil
}

// Abort discards the temporary file. Calling Abort after Commit is a no-op.
func (w *AtomicWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.discard()
	w.release()
}

func (w *AtomicWriter) discard() {
	_ = w.tmp.Close()
	_ = os.Remove(w.tmp.Name())
}

func (w *AtomicWriter) release() {
	if w.buf == nil {
		return
	}
	w.buf.Reset(io.Discard)
	bufferPool.Put(w.buf)
	w.buf = nil
}

// WriteFileAtomic replaces path with data.
func WriteFileAtomic(path string, data []byte) error {
	w, err := CreateAtomic(path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return fmt.Errorf("fileio: write %s: %w", path, err)
	}
	return w.Commit()
}

// WriterSet keeps many AtomicWriters open at once, keyed by an index.
// It is used when a single streaming pass fans records out to every output file.
type WriterSet struct {
	writers map[int]*AtomicWriter
}

// NewWriterSet returns an empty set.
func NewWriterSet() *WriterSet {
	return &WriterSet{writers: make(map[int]*AtomicWriter)}
}

// Open creates the writer for index.
func (s *WriterSet) Open(index int, path string) (*AtomicWriter, error) {
	if _, ok := s.writers[index]; ok {
		return nil, fmt.Errorf("fileio: writer %d already open", index)
	}
	w, err := CreateAtomic(path)
	if err != nil {
		return nil, err
	}
	s.writers[index] = w
	return w, nil
}

// CommitAll commits every writer in index order. Writers after a failure are aborted.
func (s *WriterSet) CommitAll() error {
	var result *multierror.Error
	for _, idx := range s.indexes() {
		w := s.writers[idx]
		if result != nil {
			w.Abort()
			continue
		}
		if err := w.Commit(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.writers = make(map[int]*AtomicWriter)
	return result.ErrorOrNil()
}

// AbortAll discards every open writer.
func (s *WriterSet) AbortAll() {
	for _, w := range s.writers {
		w.Abort()
	}
	s.writers = make(map[int]*AtomicWriter)
}

func (s *WriterSet) indexes() []int {
	idx := make([]int, 0, len(s.writers))
	for i := range s.writers {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// CopyFile copies src to dst atomically.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("fileio: open %s: %w", src, err)
	}
	defer in.Close()

	w, err := CreateAtomic(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Abort()
		return fmt.Errorf("fileio: copy %s: %w", src, err)
	}
	return w.Commit()
}
