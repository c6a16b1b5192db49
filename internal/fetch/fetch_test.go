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

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
}

func TestFetchUsesConditionalRequests(t *testing.T) {
	var hits, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		_, _ = w.Write([]byte("<osm-notes></osm-notes>\n"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "notes.xml")
	f := NewFetcher(WithHTTPClient(srv.Client()), WithPolicy(fastPolicy()))

	res, err := f.Fetch(context.Background(), srv.URL, out, time.Second)
	require.NoError(t, err)
	assert.False(t, res.NotModified)
	assert.Equal(t, int64(24), res.Bytes)

	meta, err := ReadMeta(out)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, `"v1"`, meta.ETag)
	assert.Equal(t, srv.URL, meta.URL)

	res, err = f.Fetch(context.Background(), srv.URL, out, time.Second)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Equal(t, int64(24), res.Bytes)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(1), notModified.Load())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "<osm-notes></osm-notes>\n", string(data))
}

func TestFetchSkipsValidatorsWhenOutputMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"v2"`)
		_, _ = w.Write([]byte("body"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "x")
	f := NewFetcher(WithHTTPClient(srv.Client()), WithPolicy(fastPolicy()))
	_, err := f.Fetch(context.Background(), srv.URL, out, 0)
	require.NoError(t, err)
	require.NoError(t, os.Remove(out))

	res, err := f.Fetch(context.Background(), srv.URL, out, 0)
	require.NoError(t, err)
	assert.False(t, res.NotModified)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "out")
	res, err := NewFetcher(WithHTTPClient(srv.Client()), WithPolicy(fastPolicy())).
		Fetch(context.Background(), srv.URL, out, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Bytes)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchExhaustedServerErrorsAreNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusBadGateway)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "out")
	_, err := NewFetcher(WithHTTPClient(srv.Client()), WithPolicy(fastPolicy())).
		Fetch(context.Background(), srv.URL, out, 0)
	require.Error(t, err)
	assert.True(t, retry.IsNetworkError(err))
	assert.NoFileExists(t, out)

	wrote, err := retry.WriteFailureMarker(filepath.Join(t.TempDir(), "failed"), err)
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewFetcher(WithHTTPClient(srv.Client()), WithPolicy(fastPolicy())).
		Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "out"), 0)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, int32(1), hits.Load())
	assert.False(t, retry.IsNetworkError(err))
}

func TestFetchRequiresArguments(t *testing.T) {
	_, err := NewFetcher().Fetch(context.Background(), "", "out", 0)
	assert.Equal(t, retry.ExitInvalidArgument, retry.ExitCode(err))
}

func TestStatusErrorRetryable(t *testing.T) {
	for code, want := range map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusRequestTimeout:      true,
		http.StatusInternalServerError: true,
		http.StatusGatewayTimeout:      true,
		http.StatusNotImplemented:      false,
		http.StatusBadRequest:          false,
		http.StatusForbidden:           false,
	} {
		assert.Equal(t, want, (&StatusError{Code: code}).Retryable(), "status %d", code)
	}
}

func TestAPIClientHoldsSlotAcrossRetries(t *testing.T) {
	cfg := admission.DefaultConfig(t.TempDir())
	cfg.MaxSlots = 1
	cfg.PollInterval = 5 * time.Millisecond
	sem, err := admission.NewSemaphore(cfg)
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := sem.Active()
		assert.NoError(t, err)
		assert.Equal(t, 1, n, "request runs while holding the slot")
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "[out:xml];node(1);out;", r.PostForm.Get("data"))
		if hits.Add(1) == 1 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("<osm/>"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "api.xml")
	api := NewAPIClient(srv.URL, sem, time.Second, WithHTTPClient(srv.Client()), WithPolicy(fastPolicy()))
	res, err := api.Query(context.Background(), "[out:xml];node(1);out;", out)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Bytes)
	assert.Equal(t, int32(2), hits.Load())

	n, err := sem.Active()
	require.NoError(t, err)
	assert.Zero(t, n, "slot released after the query")
}

func TestAPIClientRejectsEmptyQuery(t *testing.T) {
	api := NewAPIClient("http://127.0.0.1:0", nil, 0)
	_, err := api.Query(context.Background(), "  ", "out")
	assert.Equal(t, retry.ExitInvalidArgument, retry.ExitCode(err))
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("no space left on device") }

func TestCopyBodyClassifiesReadAndWriteFailures(t *testing.T) {
	reset := io.MultiReader(strings.NewReader("<osm>"), failingReader{errors.New("connection reset by peer")})
	_, err := copyBody(io.Discard, reset)
	require.Error(t, err)
	assert.Equal(t, retry.KindNetwork, retry.KindOf(err))

	_, err = copyBody(brokenWriter{}, strings.NewReader("<osm></osm>"))
	require.Error(t, err)
	assert.NotEqual(t, retry.KindNetwork, retry.KindOf(err))
	assert.Contains(t, err.Error(), "no space left on device")

	n, err := copyBody(io.Discard, strings.NewReader("<osm></osm>"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }
