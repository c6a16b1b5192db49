/*
Package main is the entry point for the geoingest command-line application.

geoingest coordinates the parallel ingestion of OSM note dumps and API extracts into PostGIS.
Its subcommands expose each building block on its own:
  - allocate: sample memory and load and print the worker count a run would get.
  - partition, validate, repair: split record files into record-aligned parts and check or
    fix parts left behind by interrupted runs.
  - queue, acquire-test: inspect, heal and exercise the cross-process admission queue that
    bounds concurrent calls to the rate-limited API.
  - fetch, api-query: conditional downloads and slot-aware API queries with retries.
  - ingest: the full file pipeline (allocate, partition, paced per-part processing).
  - assign-countries, verify-countries: chunked parallel UPDATE passes over the notes table.

Settings come from an optional YAML file and GEOINGEST_* environment variables (see
`geoingest env`). Commands exit 0 on success, 1 on failure, 2 on invalid arguments, 3 when an
external tool is missing and 4 on timeouts. A non-network failure of a guarded command leaves a
marker in the scratch directory that blocks further guarded runs until cleared with --force.
*/
package main

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
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/x-stp/geoingest/internal/client"
	"github.com/x-stp/geoingest/internal/config"
	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/metrics"
	"github.com/x-stp/geoingest/internal/retry"
)

// failureMarkerName is created under the scratch directory when a guarded command fails.
const failureMarkerName = "failed_execution"

// guardedAnnotation marks commands that honour and write the failure marker.
const guardedAnnotation = "geoingest/guarded"

// Global flags (persistent across commands)
var (
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
	force       bool
)

// cfg is loaded before any command runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "geoingest",
	Short:         "geoingest - parallel ingestion of OSM note dumps into PostGIS",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Describe every GEOINGEST_* environment variable and print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nEffective settings:\n%s", out)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML settings file (environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level, overrides GEOINGEST_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text or json), overrides GEOINGEST_LOG_FORMAT")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "Clear a failure marker left by an earlier run and proceed")

	rootCmd.AddCommand(envCmd)
}

// setup loads settings, configures logging, the HTTP client and metrics, and enforces the
// failure marker for guarded commands.
func setup(cmd *cobra.Command) error {
	var err error
	if cfg, err = config.Load(configPath); err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if _, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr); err != nil {
		return retry.Wrap(retry.KindContract, "geoingest", err)
	}

	hc := client.DefaultConfig()
	hc.MaxConnsPerHost = cfg.HTTP.MaxConnsPerHost
	hc.UserAgent = cfg.HTTP.UserAgent
	client.InitHTTPClient(hc)

	// Worker processes share the parent's address; only the parent serves metrics.
	if cmd != chunkWorkerCmd {
		addr := metricsAddr
		if addr == "" && cfg.Metrics.Enabled {
			addr = cfg.Metrics.Addr
		}
		if addr != "" {
			metrics.EnableMetrics()
			if err := metrics.StartMetricsServer(addr); err != nil {
				log.Warn().Err(err).Msg("failed to start metrics server")
			}
		}
	}

	if !guarded(cmd) {
		return nil
	}
	path := failureMarkerPath()
	m, err := retry.ReadFailureMarker(path)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if force {
		log.Warn().Str("marker", path).Str("error", m.Error).Msg("clearing failure marker")
		return retry.ClearFailureMarker(path)
	}
	return retry.Errorf(retry.KindStale,
		"a previous run failed at %s (%s: %s); fix the cause and rerun with --force, or remove %s",
		m.Time.Format(time.RFC3339), m.Kind, m.Error, path)
}

func guarded(cmd *cobra.Command) bool {
	return cmd.Annotations[guardedAnnotation] == "true"
}

func guardedCommand() map[string]string {
	return map[string]string{guardedAnnotation: "true"}
}

func failureMarkerPath() string {
	return filepath.Join(cfg.ScratchDir, failureMarkerName)
}

// recordFailure writes the failure marker after a guarded command failed.
func recordFailure(cmd *cobra.Command, err error) {
	if cfg == nil || cmd == nil || !guarded(cmd) || errors.Is(err, context.Canceled) {
		return
	}
	if retry.KindOf(err) == retry.KindStale {
		return
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return
	}
	written, werr := retry.WriteFailureMarker(failureMarkerPath(), err)
	if werr != nil {
		log.Warn().Err(werr).Msg("could not write failure marker")
		return
	}
	if written {
		log.Warn().Str("marker", failureMarkerPath()).Msg("failure recorded, later runs will stop until it is cleared")
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	cmd, err := rootCmd.ExecuteContextC(ctx)
	stop()
	if err != nil {
		name := rootCmd.Name()
		if cmd != nil {
			name = cmd.Name()
		}
		log.Error().Err(err).Str("command", name).Msg("command failed")
		recordFailure(cmd, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if serr := metrics.ShutdownMetricsServer(shutdownCtx); serr != nil {
		log.Debug().Err(serr).Msg("metrics server shutdown")
	}
	cancel()
	os.Exit(retry.ExitCode(err))
}
