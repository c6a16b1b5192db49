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
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/metrics"
	"github.com/x-stp/geoingest/internal/retry"
)

// APIClient posts queries to a rate-limited API.
type APIClient struct {
	endpoint string
	queue    admission.Queue
	timeout  time.Duration
	opts     options
	exec     *retry.Executor
}

// NewAPIClient returns a client for endpoint. A non-nil queue makes every Query slot-aware.
// timeout bounds each attempt when positive.
func NewAPIClient(endpoint string, queue admission.Queue, timeout time.Duration, opts ...Option) *APIClient {
	o := buildOptions("api", opts)
	return &APIClient{
		endpoint: endpoint,
		queue:    queue,
		timeout:  timeout,
		opts:     o,
		exec:     retry.New(retry.WithLogger(o.logger)),
	}
}

// Query posts query as the form field "data" and stores the response body in output.
func (a *APIClient) Query(ctx context.Context, query, output string) (*Result, error) {
	if strings.TrimSpace(query) == "" || output == "" {
		return nil, retry.Errorf(retry.KindContract, "fetch: query and output are required")
	}
	endpoint := endpointLabel(a.endpoint)
	form := url.Values{"data": {query}}.Encode()

	var res *Result
	err := a.exec.Do(ctx, func(ctx context.Context) error {
		if a.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(form))
		if err != nil {
			return retry.Wrap(retry.KindContract, "fetch", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		mt := metrics.GetMetrics()
		done := metrics.MeasureDuration(mt.NetworkRequestDuration, map[string]string{"endpoint": endpoint})
		resp, err := a.opts.httpClient.Do(req)
		done()
		if err != nil {
			mt.NetworkRequestsTotal.WithLabelValues(endpoint, "error").Inc()
			return retry.Wrap(retry.KindNetwork, "query "+a.endpoint, err)
		}
		defer resp.Body.Close()
		mt.NetworkRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return statusError(a.endpoint, resp)
		}
		n, err := writeBody(output, resp.Body)
		if err != nil {
			return err
		}
		res = &Result{Path: output, Bytes: n}
		return nil
	}, retry.Options{
		Policy:  a.opts.policy,
		Name:    "api_" + endpoint,
		Queue:   a.queue,
		RetryIf: retryable,
	})
	if err != nil {
		return nil, err
	}
	a.opts.logger.Info().Str("output", output).Int64("bytes", res.Bytes).Msg("query complete")
	return res, nil
}
