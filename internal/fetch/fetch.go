package fetch

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
Package fetch downloads upstream data with the network retry policy.

Fetcher performs conditional GETs: the ETag and Last-Modified of the previous download are
kept in a <output>.meta sidecar and a 304 answer reuses the file already on disk. APIClient
posts queries to a rate-limited API, optionally holding an admission slot for all attempts.
Both write through a temporary file renamed into place, so a failed download never replaces
a good one.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/x-stp/geoingest/internal/client"
	"github.com/x-stp/geoingest/internal/fileio"
	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/metrics"
	"github.com/x-stp/geoingest/internal/retry"
)

// MetaSuffix is appended to the output path for the cache validator sidecar.
const MetaSuffix = ".meta"

// StatusError is a non-2xx response.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s returned %s", e.URL, e.Status)
}

// Retryable reports whether the status is worth retrying: 408, 429 and 5xx other than 501.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code == http.StatusNotImplemented:
		return false
	case e.Code >= 500:
		return true
	}
	return false
}

// statusError classifies resp. Retryable statuses are reported as network errors so they never
// produce a failure marker.
func statusError(rawURL string, resp *http.Response) error {
	se := &StatusError{URL: rawURL, Code: resp.StatusCode, Status: resp.Status}
	if se.Retryable() {
		return retry.Wrap(retry.KindNetwork, "fetch", se)
	}
	return se
}

// retryable is the RetryIf of both clients.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// Meta is the sidecar kept next to a downloaded file.
type Meta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
	Size         int64     `json:"size"`
}

// ReadMeta loads the sidecar for output. A missing sidecar returns nil.
func ReadMeta(output string) (*Meta, error) {
	data, err := os.ReadFile(output + MetaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("fetch: parse %s%s: %w", output, MetaSuffix, err)
	}
	return &m, nil
}

func writeMeta(output string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fileio.WriteFileAtomic(output+MetaSuffix, data)
}

// Result describes a completed download.
type Result struct {
	Path        string
	NotModified bool
	Bytes       int64
}

type options struct {
	httpClient *http.Client
	policy     retry.Policy
	logger     zerolog.Logger
}

// Option configures a Fetcher or APIClient.
type Option func(*options)

// WithHTTPClient replaces the shared HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithPolicy replaces the network retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

func buildOptions(component string, opts []Option) options {
	o := options{
		policy: retry.NetworkPolicy(),
		logger: logging.Component(component),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = client.GetHTTPClient()
	}
	return o
}

// Fetcher downloads files with conditional requests.
type Fetcher struct {
	opts options
	exec *retry.Executor
}

// NewFetcher returns a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	o := buildOptions("fetch", opts)
	return &Fetcher{opts: o, exec: retry.New(retry.WithLogger(o.logger))}
}

// Fetch downloads rawURL into output. Each attempt is bounded by timeout when positive.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, output string, timeout time.Duration) (*Result, error) {
	if rawURL == "" || output == "" {
		return nil, retry.Errorf(retry.KindContract, "fetch: url and output are required")
	}
	endpoint := endpointLabel(rawURL)

	var res *Result
	err := f.exec.Do(ctx, func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		r, err := f.fetchOnce(ctx, rawURL, output, endpoint)
		if err != nil {
			return err
		}
		res = r
		return nil
	}, retry.Options{Policy: f.opts.policy, Name: "fetch_" + endpoint, RetryIf: retryable})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL, output, endpoint string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Wrap(retry.KindContract, "fetch", err)
	}

	meta, err := ReadMeta(output)
	if err != nil {
		f.opts.logger.Warn().Err(err).Str("output", output).Msg("ignoring unreadable cache metadata")
		meta = nil
	}
	if meta != nil && meta.URL == rawURL && fileExists(output) {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	mt := metrics.GetMetrics()
	done := metrics.MeasureDuration(mt.NetworkRequestDuration, map[string]string{"endpoint": endpoint})
	resp, err := f.opts.httpClient.Do(req)
	done()
	if err != nil {
		mt.NetworkRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, retry.Wrap(retry.KindNetwork, "fetch "+rawURL, err)
	}
	defer resp.Body.Close()
	mt.NetworkRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		_, _ = io.Copy(io.Discard, resp.Body)
		f.opts.logger.Info().Str("url", rawURL).Str("output", output).Msg("not modified, reusing cached file")
		size := int64(0)
		if fi, err := os.Stat(output); err == nil {
			size = fi.Size()
		}
		return &Result{Path: output, NotModified: true, Bytes: size}, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusError(rawURL, resp)
	}

	n, err := writeBody(output, resp.Body)
	if err != nil {
		return nil, err
	}
	if err := writeMeta(output, Meta{
		URL:          rawURL,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    time.Now().UTC(),
		Size:         n,
	}); err != nil {
		f.opts.logger.Warn().Err(err).Msg("could not write cache metadata")
	}
	f.opts.logger.Info().Str("url", rawURL).Str("output", output).Int64("bytes", n).Msg("downloaded")
	return &Result{Path: output, Bytes: n}, nil
}

// writeBody streams body into output through a temporary file.
func writeBody(output string, body io.Reader) (int64, error) {
	w, err := fileio.CreateAtomic(output)
	if err != nil {
		return 0, err
	}
	n, err := copyBody(w, body)
	if err != nil {
		w.Abort()
		return 0, err
	}
	if err := w.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// copyBody copies body into w. Only failures reading body are network errors; a failing
// local write is returned as is.
func copyBody(w io.Writer, body io.Reader) (int64, error) {
	br := &bodyReader{r: body}
	n, err := io.Copy(w, br)
	switch {
	case err == nil:
		return n, nil
	case br.err != nil:
		return n, retry.Wrap(retry.KindNetwork, "fetch: read body", br.err)
	default:
		return n, fmt.Errorf("fetch: write body: %w", err)
	}
}

// bodyReader records the error of the last failed Read.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func endpointLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
