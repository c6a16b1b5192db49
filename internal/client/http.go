package client

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
Package client provides the shared HTTP client used for downloads, status probes and API queries.

The client is configured once and then retrieved by every component that talks to the network,
so TCP connections are reused and every request carries the same identification header.
*/

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTP client-specific constants.
const (
	// DialTimeout is the maximum amount of time a dial will wait for a connect to complete.
	DialTimeout = 5 * time.Second
	// KeepAliveTimeout is the interval between keep-alive probes for active network connections.
	KeepAliveTimeout = 60 * time.Second
	// RequestTimeout bounds a whole request including reading the body. Large dump downloads
	// pass their own per-request context deadline instead.
	RequestTimeout = 15 * time.Minute
	// MaxIdleConnsPerHost is the maximum number of idle (keep-alive) connections to keep per-host.
	MaxIdleConnsPerHost = 16
	// DefaultUserAgent identifies geoingest to upstream services.
	DefaultUserAgent = "geoingest/1.0 (+https://github.com/x-stp/geoingest)"
)

var (
	defaultIdleConnTimeout = 90 * time.Second
	defaultMaxIdleConns    = 64
	defaultMaxConnsPerHost = 32

	// sharedClient is the global HTTP client instance used by the application.
	sharedClient *http.Client
	// sharedClientLock protects access to sharedClient and clientInitialized.
	sharedClientLock sync.RWMutex
	// clientInitialized indicates whether the sharedClient has been initialized.
	clientInitialized bool
)

// Config holds configuration parameters for the HTTP client.
// A zero-value Config results in default settings being used.
type Config struct {
	// DialTimeout is the maximum duration for establishing a new connection.
	DialTimeout time.Duration
	// KeepAliveTimeout specifies the keep-alive period for an active network connection.
	KeepAliveTimeout time.Duration
	// IdleConnTimeout is how long an idle keep-alive connection stays open.
	IdleConnTimeout time.Duration
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts.
	MaxIdleConns int
	// MaxIdleConnsPerHost is the maximum number of idle (keep-alive) connections to keep per host.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost limits dialing, active and idle connections per host. Dials block on violation.
	MaxConnsPerHost int
	// RequestTimeout is the timeout for the entire HTTP request.
	RequestTimeout time.Duration
	// UserAgent is set on every request that does not carry one.
	UserAgent string
}

// DefaultConfig returns a new Config populated with default settings.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:         DialTimeout,
		KeepAliveTimeout:    KeepAliveTimeout,
		IdleConnTimeout:     defaultIdleConnTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		RequestTimeout:      RequestTimeout,
		UserAgent:           DefaultUserAgent,
	}
}

// userAgentTransport sets the User-Agent header on requests that lack one.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// InitHTTPClient initializes or reconfigures the shared HTTP client. A nil config uses
// DefaultConfig. This function is thread-safe.
func InitHTTPClient(config *Config) {
	sharedClientLock.Lock()
	defer sharedClientLock.Unlock()

	if config == nil {
		config = DefaultConfig()
	}
	d := DefaultConfig()
	if config.DialTimeout == 0 {
		config.DialTimeout = d.DialTimeout
	}
	if config.KeepAliveTimeout == 0 {
		config.KeepAliveTimeout = d.KeepAliveTimeout
	}
	if config.IdleConnTimeout == 0 {
		config.IdleConnTimeout = d.IdleConnTimeout
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = d.MaxIdleConns
	}
	if config.MaxIdleConnsPerHost == 0 {
		config.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if config.MaxConnsPerHost == 0 {
		config.MaxConnsPerHost = d.MaxConnsPerHost
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = d.RequestTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = d.UserAgent
	}

	// Close idle connections on the old transport so reconfiguring does not leak them.
	if sharedClient != nil {
		if old, ok := sharedClient.Transport.(*userAgentTransport); ok {
			if tr, ok := old.base.(*http.Transport); ok {
				tr.CloseIdleConnections()
			}
		}
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAliveTimeout,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    false,
		ForceAttemptHTTP2:     true,
	}

	sharedClient = &http.Client{
		Transport: &userAgentTransport{base: transport, ua: config.UserAgent},
		Timeout:   config.RequestTimeout,
	}
	clientInitialized = true
}

// GetHTTPClient returns the shared HTTP client, initializing it with defaults on first use.
func GetHTTPClient() *http.Client {
	sharedClientLock.RLock()
	if !clientInitialized {
		sharedClientLock.RUnlock()
		InitHTTPClient(nil)
		sharedClientLock.RLock()
	}
	client := sharedClient
	sharedClientLock.RUnlock()
	return client
}

// ConfigureHTTPClient is equivalent to InitHTTPClient.
func ConfigureHTTPClient(config *Config) {
	InitHTTPClient(config)
}

// ConfigureRateLimitedMode tunes the shared client for a service that admits only a few
// concurrent requests per client: few connections per host, long keep-alive so admitted
// slots reuse their connection, and long response header waits for slow queries.
func ConfigureRateLimitedMode(userAgent string, maxConnsPerHost int) {
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = 4
	}
	ConfigureHTTPClient(&Config{
		DialTimeout:         10 * time.Second,
		KeepAliveTimeout:    120 * time.Second,
		IdleConnTimeout:     120 * time.Second,
		MaxIdleConns:        maxConnsPerHost * 2,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		RequestTimeout:      RequestTimeout,
		UserAgent:           userAgent,
	})
}

// Transport returns the underlying *http.Transport of c, if any.
func Transport(c *http.Client) (*http.Transport, bool) {
	switch tr := c.Transport.(type) {
	case *http.Transport:
		return tr, true
	case *userAgentTransport:
		t, ok := tr.base.(*http.Transport)
		return t, ok
	}
	return nil, false
}
