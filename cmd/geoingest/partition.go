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
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/x-stp/geoingest/internal/partition"
	"github.com/x-stp/geoingest/internal/resource"
	"github.com/x-stp/geoingest/internal/retry"
	"github.com/x-stp/geoingest/internal/util"
)

// Flags for the allocate command
var (
	allocWorkers int
	allocClass   string
	allocWait    time.Duration
)

// Flags for the partition and repair commands
var (
	partTarget    int
	partMax       int
	partAlgorithm string
	partOutputDir string
	partPrefix    string
	repairFormat  string
)

var allocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Sample memory and load and print the worker allocation",
	RunE: func(cmd *cobra.Command, args []string) error {
		class, err := resource.ParseWorkloadClass(allocClass)
		if err != nil {
			return retry.Wrap(retry.KindContract, "allocate", err)
		}
		mon := resource.NewMonitor(cfg.Resources.Thresholds())
		if allocWait > 0 {
			if _, err := mon.WaitForResources(cmd.Context(), allocWait); err != nil {
				return err
			}
		}
		s := mon.Sample(cmd.Context())
		a := resource.Allocate(s, allocWorkers, class, mon.Thresholds())

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "memory used\t%.1f%%\n", s.MemoryUsedPercent)
		fmt.Fprintf(w, "load average\t%.2f\n", s.LoadAverage)
		fmt.Fprintf(w, "degraded\t%t\n", s.Degraded)
		fmt.Fprintf(w, "workers\t%d of %d (%s)\n", a.Workers, allocWorkers, a.Reason)
		fmt.Fprintf(w, "launch delay\t%s\n", a.LaunchDelay)
		return w.Flush()
	},
}

var partitionCmd = &cobra.Command{
	Use:   "partition FILE",
	Short: "Split a notes file into record-aligned parts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file := args[0]
		pcfg := cfg.Partition.Config(partOutputDir, partPrefix)
		if pcfg.OutputDir == "" {
			pcfg.OutputDir = cfg.PartsDir()
		}
		if pcfg.Prefix == "" {
			pcfg.Prefix = util.PartPrefix(file)
		}
		if partAlgorithm != "" {
			algo, err := partition.ParseAlgorithm(partAlgorithm)
			if err != nil {
				return retry.Wrap(retry.KindContract, "partition", err)
			}
			pcfg.Algorithm = algo
		}

		p := partition.New(pcfg)
		res, err := p.Partition(cmd.Context(), file, partTarget, partMax)
		if err != nil {
			return err
		}
		if err := partition.WriteManifest(p.ManifestPath(), partition.NewManifest(res)); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "INDEX\tRECORDS\tBYTES\tCHECKSUM\tREPAIRED\tPATH\n")
		for _, part := range res.Parts {
			fmt.Fprintf(w, "%d\t%d\t%d\t%016x\t%t\t%s\n",
				part.Index, part.RecordCount, part.ByteSize, part.Checksum, part.Repaired, part.Path)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d records in %d parts (%s, %s), %d discarded, manifest %s\n",
			res.Records, len(res.Parts), res.Format.Kind, res.Algorithm, res.Failed, p.ManifestPath())
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Check that record files are independently well-formed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		invalid := 0
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "FILE\tVALID\tFORMAT\tRECORDS\tHEADER\tFOOTER\tOPEN/CLOSE\tTRAILING\n")
		for _, file := range args {
			rep, err := partition.Validate(cmd.Context(), file)
			if err != nil {
				return err
			}
			if !rep.Valid() {
				invalid++
			}
			fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%t\t%t\t%d/%d\t%t\n", filepath.Base(file), rep.Valid(), rep.Kind,
				rep.Records, rep.HeaderPresent, rep.FooterPresent, rep.Opens, rep.Closes, rep.TrailingContent)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if invalid > 0 {
			return retry.Errorf(retry.KindCorruption, "validate: %d of %d file(s) are malformed", invalid, len(args))
		}
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair FILE...",
	Short: "Truncate to the last complete record and restore missing header or footer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fixed partition.Format
		if repairFormat != "" {
			kind, err := partition.ParseFormatKind(repairFormat)
			if err != nil {
				return retry.Wrap(retry.KindContract, "repair", err)
			}
			if fixed, err = partition.DefaultFormat(kind); err != nil {
				return retry.Wrap(retry.KindContract, "repair", err)
			}
		}
		for _, file := range args {
			format := fixed
			if repairFormat == "" {
				var err error
				if format, err = partition.DetectFormat(cmd.Context(), file); err != nil {
					return fmt.Errorf("%s: %w (pass --format)", file, err)
				}
			}
			repaired, err := partition.Repair(cmd.Context(), file, format)
			if err != nil {
				return err
			}
			state := "already valid"
			if repaired {
				state = "repaired, original kept as " + filepath.Base(file) + partition.BackupSuffix
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", file, state)
		}
		return nil
	},
}

func init() {
	allocateCmd.Flags().IntVarP(&allocWorkers, "workers", "w", 4, "Requested worker count")
	allocateCmd.Flags().StringVar(&allocClass, "class", "large-file", "Workload class: generic or large-file")
	allocateCmd.Flags().DurationVar(&allocWait, "wait", 0, "Wait up to this long for memory and load to drop first")

	partitionCmd.Flags().IntVarP(&partTarget, "parts", "p", 4, "Target part count (usually the allocated worker count)")
	partitionCmd.Flags().IntVar(&partMax, "max-parts", 64, "Upper bound on the part count")
	partitionCmd.Flags().StringVar(&partAlgorithm, "algorithm", "", "auto, line-scan, position or single-pass (default from settings)")
	partitionCmd.Flags().StringVarP(&partOutputDir, "output", "o", "", "Directory for parts (default <scratch>/parts)")
	partitionCmd.Flags().StringVar(&partPrefix, "prefix", "", "Part file prefix (default derived from FILE)")

	repairCmd.Flags().StringVar(&repairFormat, "format", "", "Force the envelope: planet or api (default detected)")

	rootCmd.AddCommand(allocateCmd)
	rootCmd.AddCommand(partitionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(repairCmd)
}
