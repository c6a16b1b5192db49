package admission

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
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	gocache "github.com/patrickmn/go-cache"

	"github.com/x-stp/geoingest/internal/client"
	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/metrics"
)

// ErrStatusUnparseable is returned when the status body carries no slot information.
var ErrStatusUnparseable = errors.New("admission: unrecognised status response")

// Status is the external service's view of our capacity.
type Status struct {
	SlotsAvailable int
	// RetryAfter is the shortest announced wait until a slot frees up, 0 if none was announced.
	RetryAfter time.Duration
}

// StatusChecker reports external capacity. It is advisory: callers fail open on error.
type StatusChecker interface {
	Status(ctx context.Context) (Status, error)
}

var (
	slotsNowRe   = regexp.MustCompile(`(\d+)\s+slots?\s+available\s+now`)
	slotsColonRe = regexp.MustCompile(`slots\s+available\s+now:\s*(\d+)`)
	retryInRe    = regexp.MustCompile(`in\s+(\d+)\s+seconds?`)
)

// ParseStatus extracts slot availability from a status body such as
//
//	2 slots available now.
//	Slot available after: 2025-01-01T00:00:07Z, in 7 seconds.
func ParseStatus(body string) (Status, error) {
	var (
		st    Status
		found bool
	)
	for _, re := range []*regexp.Regexp{slotsNowRe, slotsColonRe} {
		if m := re.FindStringSubmatch(body); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return Status{}, fmt.Errorf("%w: %v", ErrStatusUnparseable, err)
			}
			st.SlotsAvailable, found = n, true
			break
		}
	}
	for _, m := range retryInRe.FindAllStringSubmatch(body, -1) {
		secs, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		d := time.Duration(secs) * time.Second
		if !found || st.RetryAfter == 0 || d < st.RetryAfter {
			st.RetryAfter = d
		}
		found = true
	}
	if !found {
		return Status{}, ErrStatusUnparseable
	}
	return st, nil
}

// StatusClient polls a status endpoint over HTTP. Results are cached for CacheTTL so that
// waiters in one process share a probe.
type StatusClient struct {
	url   string
	ua    string
	http  *retryablehttp.Client
	cache *gocache.Cache
}

// StatusClientConfig configures NewStatusClient.
type StatusClientConfig struct {
	URL        string
	UserAgent  string
	RetryMax   int
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

const statusCacheKey = "status"

// NewStatusClient returns a client for cfg.URL.
func NewStatusClient(cfg StatusClientConfig) *StatusClient {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.Logger = logging.NewRetryableHTTPLogger(logging.Component("admission-status"))
	if cfg.HTTPClient != nil {
		hc.HTTPClient = cfg.HTTPClient
	} else {
		hc.HTTPClient = client.GetHTTPClient()
	}
	return &StatusClient{
		url:   cfg.URL,
		ua:    cfg.UserAgent,
		http:  hc,
		cache: gocache.New(cfg.CacheTTL, 4*cfg.CacheTTL),
	}
}

// Status implements StatusChecker.
func (c *StatusClient) Status(ctx context.Context) (Status, error) {
	if v, ok := c.cache.Get(statusCacheKey); ok {
		return v.(Status), nil
	}
	st, err := c.fetch(ctx)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.GetMetrics().StatusProbes.WithLabelValues(result).Inc()
	if err != nil {
		return Status{}, err
	}
	c.cache.Set(statusCacheKey, st, gocache.DefaultExpiration)
	return st, nil
}

func (c *StatusClient) fetch(ctx context.Context) (Status, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Status{}, fmt.Errorf("admission: status request: %w", err)
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("admission: status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Status{}, fmt.Errorf("admission: status endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Status{}, fmt.Errorf("admission: read status: %w", err)
	}
	return ParseStatus(string(body))
}
