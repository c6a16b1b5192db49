package retry

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
	"net"
	"net/url"
	"os"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/fileio"
	"github.com/x-stp/geoingest/internal/partition"
	"github.com/x-stp/geoingest/internal/resource"
)

// Kind classifies a failure for retry and exit-status decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindResource is memory or load pressure. Recoverable by waiting.
	KindResource
	// KindAdmissionTimeout means no slot became available in time.
	KindAdmissionTimeout
	// KindTransient is a transient I/O or database failure.
	KindTransient
	// KindNetwork is a transient connectivity failure. It never produces a failure marker.
	KindNetwork
	// KindCorruption is a structurally broken input or part.
	KindCorruption
	// KindStale is leftover coordination state from an abnormal exit.
	KindStale
	// KindContract is a caller error such as an empty required argument.
	KindContract
	// KindMissingDependency means a required external tool is not installed.
	KindMissingDependency
	// KindTimeout is an expired deadline other than admission.
	KindTimeout
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	KindResource:          "resource",
	KindAdmissionTimeout:  "admission_timeout",
	KindTransient:         "transient",
	KindNetwork:           "network",
	KindCorruption:        "corruption",
	KindStale:             "stale",
	KindContract:          "contract",
	KindMissingDependency: "missing_dependency",
	KindTimeout:           "timeout",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Retryable reports whether the executor should try again after an error of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindCorruption, KindContract, KindMissingDependency:
		return false
	}
	return true
}

// Error attaches a Kind to an error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err. It returns nil for a nil err.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf formats a new classified error.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err. Explicit Error wrappers win; well-known sentinels
// and network errors are recognised otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, admission.ErrAdmissionTimeout):
		return KindAdmissionTimeout
	case errors.Is(err, resource.ErrResourceTimeout):
		return KindResource
	case errors.Is(err, partition.ErrUnrepairable), errors.Is(err, partition.ErrUnknownFormat):
		return KindCorruption
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case IsNetworkError(err):
		return KindNetwork
	}
	return KindUnknown
}

// IsNetworkError reports whether err is a connectivity problem: dial, DNS, reset or
// timed-out connections, and truncated responses.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == KindNetwork {
		return true
	}
	var (
		netErr net.Error
		opErr  *net.OpError
		dnsErr *net.DNSError
		urlErr *url.Error
	)
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr), errors.As(err, &urlErr):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return false
	case errors.As(err, &netErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.EPIPE):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}

// Process exit statuses.
const (
	ExitOK                = 0
	ExitFailure           = 1
	ExitInvalidArgument   = 2
	ExitMissingDependency = 3
	ExitTimeout           = 4
)

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindContract:
		return ExitInvalidArgument
	case KindMissingDependency:
		return ExitMissingDependency
	case KindTimeout, KindAdmissionTimeout:
		return ExitTimeout
	}
	if errors.Is(err, resource.ErrResourceTimeout) {
		return ExitTimeout
	}
	return ExitFailure
}

// FailureMarker is the content of a "do not retry this run" marker file.
type FailureMarker struct {
	Time  time.Time `yaml:"time"`
	Kind  string    `yaml:"kind"`
	Error string    `yaml:"error"`
	PID   int       `yaml:"pid"`
}

// WriteFailureMarker records err at path so later runs stop early. Network errors are not
// recorded; it reports whether a marker was written.
func WriteFailureMarker(path string, err error) (bool, error) {
	if err == nil || IsNetworkError(err) {
		return false, nil
	}
	data, merr := yaml.Marshal(FailureMarker{
		Time:  time.Now().UTC(),
		Kind:  KindOf(err).String(),
		Error: err.Error(),
		PID:   os.Getpid(),
	})
	if merr != nil {
		return false, merr
	}
	if werr := fileio.WriteFileAtomic(path, data); werr != nil {
		return false, fmt.Errorf("retry: write failure marker: %w", werr)
	}
	return true, nil
}

// ReadFailureMarker returns the marker at path, or nil if there is none.
func ReadFailureMarker(path string) (*FailureMarker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m FailureMarker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("retry: parse failure marker %s: %w", path, err)
	}
	return &m, nil
}

// ClearFailureMarker removes the marker at path if present.
func ClearFailureMarker(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
