package metrics

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
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the application
type Metrics struct {
	// Resource metrics
	MemoryUsedPercent prometheus.Gauge
	LoadAverage       prometheus.Gauge
	WorkersAllocated  *prometheus.GaugeVec

	// Partition metrics
	PartitionDuration  *prometheus.HistogramVec
	PartsWritten       *prometheus.CounterVec
	PartsRepaired      *prometheus.CounterVec
	PartsFailed        *prometheus.CounterVec
	RecordsPartitioned *prometheus.CounterVec

	// Admission metrics
	SlotsActive       *prometheus.GaugeVec
	AdmissionWait     *prometheus.HistogramVec
	AdmissionTimeouts *prometheus.CounterVec
	StaleCleaned      *prometheus.CounterVec
	QueueHeals        *prometheus.CounterVec
	StatusProbes      *prometheus.CounterVec

	// Retry metrics
	RetryAttempts  *prometheus.CounterVec
	RetryExhausted *prometheus.CounterVec

	// Network metrics
	NetworkRequestDuration *prometheus.HistogramVec
	NetworkRequestsTotal   *prometheus.CounterVec

	// Chunk queue metrics
	ChunksCompleted *prometheus.CounterVec
	ChunksFailed    *prometheus.CounterVec
	ChunkDuration   *prometheus.HistogramVec
	RowsAffected    *prometheus.CounterVec

	// Pipeline metrics
	PartsProcessed *prometheus.CounterVec
}

// Global instance of metrics
var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables metrics collection
func EnableMetrics() {
	metricsEnabled = true
}

// IsMetricsEnabled returns whether metrics collection is enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// Registry exposes the registry for tests and custom exporters.
func Registry() *prometheus.Registry {
	return registry
}

// newMetrics creates and registers all metrics
func newMetrics() *Metrics {
	buckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900}

	m := &Metrics{
		MemoryUsedPercent: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
			Name: "geoingest_memory_used_percent",
			Help: "Host memory used percent at the last resource sample",
		}),
		LoadAverage: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
			Name: "geoingest_load_average",
			Help: "One minute load average at the last resource sample",
		}),
		WorkersAllocated: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "geoingest_workers_allocated",
				Help: "Worker count returned by the last allocation",
			},
			[]string{"class"},
		),

		PartitionDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geoingest_partition_duration_seconds",
				Help:    "Time spent partitioning an input file",
				Buckets: buckets,
			},
			[]string{"algorithm"},
		),
		PartsWritten: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_parts_written_total",
				Help: "Parts accepted after validation",
			},
			[]string{"algorithm"},
		),
		PartsRepaired: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_parts_repaired_total",
				Help: "Parts that needed structural repair",
			},
			[]string{"algorithm"},
		),
		PartsFailed: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_parts_failed_total",
				Help: "Parts discarded because repair failed",
			},
			[]string{"algorithm"},
		),
		RecordsPartitioned: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_records_partitioned_total",
				Help: "Records written into parts",
			},
			[]string{"format"},
		),

		SlotsActive: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "geoingest_admission_slots_active",
				Help: "Live slot markers observed at the last acquire or release",
			},
			[]string{"queue"},
		),
		AdmissionWait: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geoingest_admission_wait_seconds",
				Help:    "Time spent waiting for an admission slot",
				Buckets: buckets,
			},
			[]string{"queue", "outcome"},
		),
		AdmissionTimeouts: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_admission_timeouts_total",
				Help: "Acquire calls that gave up waiting",
			},
			[]string{"queue"},
		),
		StaleCleaned: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_admission_stale_cleaned_total",
				Help: "Markers removed because their owner process is gone",
			},
			[]string{"queue", "kind"},
		),
		QueueHeals: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_admission_heals_total",
				Help: "Times the ticket queue force-advanced current serving",
			},
			[]string{"window"},
		),
		StatusProbes: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_admission_status_probes_total",
				Help: "External status endpoint probes",
			},
			[]string{"result"},
		),

		RetryAttempts: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_retry_attempts_total",
				Help: "Failed attempts that were retried",
			},
			[]string{"operation"},
		),
		RetryExhausted: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_retry_exhausted_total",
				Help: "Operations that failed after the last attempt",
			},
			[]string{"operation"},
		),

		NetworkRequestDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geoingest_network_request_duration_seconds",
				Help:    "Time spent on network requests",
				Buckets: buckets,
			},
			[]string{"endpoint"},
		),
		NetworkRequestsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_network_requests_total",
				Help: "Total number of network requests",
			},
			[]string{"endpoint", "status"},
		),

		ChunksCompleted: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_chunks_completed_total",
				Help: "Chunks fully processed by a worker",
			},
			[]string{"operation"},
		),
		ChunksFailed: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_chunks_failed_total",
				Help: "Chunks with at least one failed sub-batch",
			},
			[]string{"operation"},
		),
		ChunkDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geoingest_chunk_duration_seconds",
				Help:    "Time spent processing one chunk",
				Buckets: buckets,
			},
			[]string{"operation"},
		),
		RowsAffected: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_rows_affected_total",
				Help: "Rows affected by batch operations",
			},
			[]string{"operation"},
		),

		PartsProcessed: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoingest_pipeline_parts_processed_total",
				Help: "Parts handed to the part processor",
			},
			[]string{"status"},
		),
	}

	return m
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics
func StartMetricsServer(addr string) error {
	if !metricsEnabled || addr == "" {
		return nil
	}

	// Only start once
	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Info().Str("addr", addr).Msg("starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	})

	return nil
}

// ShutdownMetricsServer gracefully shuts down the metrics server
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		log.Debug().Msg("shutting down metrics server")
		return metricsServer.Shutdown(ctx)
	}
	return nil
}

// MeasureDuration is a helper to measure the duration of a function
func MeasureDuration(histogram *prometheus.HistogramVec, labels prometheus.Labels) func() {
	if !metricsEnabled {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		histogram.With(labels).Observe(duration.Seconds())
	}
}
