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
	"time"

	"github.com/spf13/cobra"

	"github.com/x-stp/geoingest/internal/geoimport"
	"github.com/x-stp/geoingest/internal/pipeline"
	"github.com/x-stp/geoingest/internal/resource"
	"github.com/x-stp/geoingest/internal/retry"
)

// Flags for the ingest command
var (
	ingestCommand string
	ingestTable   string
	ingestWorkers int
	ingestSlot    bool
	ingestFresh   bool
	ingestKeep    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE",
	Short: "Partition a notes file and process every part in parallel",
	Long: `Waits for memory and load to allow it, allocates workers, partitions FILE into that many
record-aligned parts and processes each part with --command (a template where {part} is replaced
by the part path) or imports it into --table through ogr2ogr. Launches are paced by the
allocator's launch delay. Processed parts are deleted; failed parts and a manifest listing them
are kept and picked up by the next ingest of the same file.`,
	Args:        cobra.ExactArgs(1),
	Annotations: guardedCommand(),
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := partProcessor()
		if err != nil {
			return err
		}

		pcfg := cfg.PipelineConfig()
		if ingestWorkers > 0 {
			pcfg.Workers = ingestWorkers
		}
		if ingestFresh {
			pcfg.ReuseParts = false
		}
		if ingestKeep {
			pcfg.KeepParts = true
		}
		opts := []pipeline.Option{pipeline.WithMonitor(resource.NewMonitor(cfg.Resources.Thresholds()))}
		if ingestSlot {
			q, err := cfg.Queue()
			if err != nil {
				return err
			}
			opts = append(opts, pipeline.WithQueue(q))
		}

		r, err := pipeline.NewRunner(pcfg, opts...)
		if err != nil {
			return err
		}
		rep, err := r.Ingest(cmd.Context(), args[0], proc)
		if rep != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records, %d parts, %d processed, %d failed, %d discarded (%d records lost), %d workers, took %s\n",
				rep.Source, rep.Records, rep.Parts, rep.Processed, rep.Failed, rep.Discarded, rep.Lost, rep.Workers,
				rep.Duration.Round(time.Millisecond))
		}
		return err
	},
}

// partProcessor builds the processor selected by the flags and settings.
func partProcessor() (pipeline.PartProcessor, error) {
	if ingestTable != "" {
		im, err := geoimport.New(cfg.ImportConfig())
		if err != nil {
			return nil, err
		}
		return pipeline.ImportProcessor{Importer: im, Table: ingestTable}, nil
	}
	command := ingestCommand
	if command == "" {
		command = cfg.Pipeline.Command
	}
	if command == "" {
		return nil, retry.Errorf(retry.KindContract, "ingest: pass --command or --table, or set GEOINGEST_PART_COMMAND")
	}
	return pipeline.NewCommandProcessor(command)
}

func init() {
	ingestCmd.Flags().StringVar(&ingestCommand, "command", "", "Command run per part, {part} and {index} are substituted")
	ingestCmd.Flags().StringVar(&ingestTable, "table", "", "Import every part into this table through ogr2ogr instead")
	ingestCmd.Flags().IntVarP(&ingestWorkers, "workers", "w", 0, "Requested worker count (default from settings)")
	ingestCmd.Flags().BoolVar(&ingestSlot, "slot", false, "Hold an admission slot while processing each part")
	ingestCmd.Flags().BoolVar(&ingestFresh, "fresh", false, "Repartition even when a manifest from an earlier run exists")
	ingestCmd.Flags().BoolVar(&ingestKeep, "keep-parts", false, "Keep processed parts")

	rootCmd.AddCommand(ingestCmd)
}
