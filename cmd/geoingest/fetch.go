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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/x-stp/geoingest/internal/client"
	"github.com/x-stp/geoingest/internal/fetch"
	"github.com/x-stp/geoingest/internal/retry"
	"github.com/x-stp/geoingest/internal/util"
)

// Flags for the fetch and api-query commands
var (
	fetchOutput  string
	fetchTimeout time.Duration
	queryFile    string
	queryOutput  string
	queryNoSlot  bool
)

var fetchCmd = &cobra.Command{
	Use:         "fetch URL",
	Short:       "Download a file with conditional requests and retries",
	Long:        `Downloads URL. A later fetch of the same URL into the same output sends If-None-Match / If-Modified-Since and keeps the file when the server answers 304.`,
	Args:        cobra.ExactArgs(1),
	Annotations: guardedCommand(),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		output := fetchOutput
		if output == "" {
			output = filepath.Join(cfg.ScratchDir, "downloads", util.DownloadName(url))
		}
		if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
			return err
		}
		timeout := fetchTimeout
		if timeout == 0 {
			timeout = cfg.HTTP.DownloadTimeout
		}

		f := fetch.NewFetcher(fetch.WithPolicy(cfg.Retry.Network()))
		res, err := f.Fetch(cmd.Context(), url, output, timeout)
		if err != nil {
			return err
		}
		if res.NotModified {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: not modified\n", res.Path)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", res.Path, res.Bytes)
		return nil
	},
}

var apiQueryCmd = &cobra.Command{
	Use:         "api-query",
	Short:       "Run a query against the rate-limited API while holding an admission slot",
	Annotations: guardedCommand(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if queryFile == "" || queryOutput == "" {
			return retry.Errorf(retry.KindContract, "api-query: --query-file and --output are required")
		}
		data, err := os.ReadFile(queryFile)
		if err != nil {
			return retry.Wrap(retry.KindContract, "api-query", err)
		}
		if err := os.MkdirAll(filepath.Dir(queryOutput), 0o755); err != nil {
			return err
		}

		client.ConfigureRateLimitedMode(cfg.HTTP.UserAgent, cfg.HTTP.MaxConnsPerHost)
		var api *fetch.APIClient
		opts := []fetch.Option{fetch.WithPolicy(cfg.Retry.Network())}
		if queryNoSlot {
			api = fetch.NewAPIClient(cfg.HTTP.APIURL, nil, cfg.HTTP.APITimeout, opts...)
		} else {
			q, err := cfg.Queue()
			if err != nil {
				return err
			}
			api = fetch.NewAPIClient(cfg.HTTP.APIURL, q, cfg.HTTP.APITimeout, opts...)
		}

		res, err := api.Query(cmd.Context(), strings.TrimSpace(string(data)), queryOutput)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", res.Path, res.Bytes)
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "Output file (default <scratch>/downloads/<name from URL>)")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 0, "Per-attempt timeout (default from settings)")

	apiQueryCmd.Flags().StringVarP(&queryFile, "query-file", "q", "", "File holding the query")
	apiQueryCmd.Flags().StringVarP(&queryOutput, "output", "o", "", "Output file for the response")
	apiQueryCmd.Flags().BoolVar(&queryNoSlot, "no-slot", false, "Do not take an admission slot")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(apiQueryCmd)
}
