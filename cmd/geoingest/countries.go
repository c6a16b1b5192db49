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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/x-stp/geoingest/internal/chunkqueue"
	"github.com/x-stp/geoingest/internal/countries"
	"github.com/x-stp/geoingest/internal/database"
	"github.com/x-stp/geoingest/internal/retry"
)

// Flags for the chunked country commands
var (
	chunkWorkers   int
	chunkSize      int64
	chunkSubBatch  int64
	chunkProcesses bool
	chunkReclaim   bool
	chunkMaxID     int64
)

// Flags for the hidden chunk-worker command
var (
	workerRunDir string
	workerID     int
)

var assignCountriesCmd = &cobra.Command{
	Use:         "assign-countries",
	Short:       "Set the country of every note without one, in parallel id chunks",
	Annotations: guardedCommand(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCountries(cmd, countries.OpAssign)
	},
}

var verifyCountriesCmd = &cobra.Command{
	Use:         "verify-countries",
	Short:       "Recompute every note's country and fix the ones that changed",
	Annotations: guardedCommand(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCountries(cmd, countries.OpVerify)
	},
}

var chunkWorkerCmd = &cobra.Command{
	Use:    "chunk-worker",
	Short:  "Process chunks of a country run (started by assign-countries and verify-countries)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := chunkqueue.OpenRun(workerRunDir)
		if err != nil {
			return err
		}
		op, err := countries.ParseOperation(run.Plan.Operation)
		if err != nil {
			return err
		}
		db, batch, err := connectBatch(cmd.Context(), op)
		if err != nil {
			return err
		}
		defer db.Close()

		_, err = chunkqueue.NewWorker(run, workerID, batch,
			chunkqueue.WithWorkerPolicy(cfg.Retry.Database())).Run(cmd.Context())
		return err
	},
}

// connectBatch opens the database with single-attempt statements, since chunk workers retry
// each sub-batch themselves, and returns the batch operation for op.
func connectBatch(ctx context.Context, op countries.Operation) (*database.Client, chunkqueue.BatchOp, error) {
	dbcfg, err := cfg.DatabaseConfig()
	if err != nil {
		return nil, nil, err
	}
	dbcfg.Retry = retry.Policy{MaxAttempts: 1}
	db, err := database.Connect(ctx, dbcfg)
	if err != nil {
		return nil, nil, err
	}
	batch, err := countries.BatchOp(db, cfg.Countries, op)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, batch, nil
}

func runCountries(cmd *cobra.Command, op countries.Operation) error {
	ctx := cmd.Context()
	db, batch, err := connectBatch(ctx, op)
	if err != nil {
		return err
	}
	defer db.Close()

	maxID := chunkMaxID
	if maxID < 0 {
		err := retry.Do(ctx, func(ctx context.Context) error {
			var err error
			maxID, err = countries.MaxID(ctx, db, cfg.Countries)
			return err
		}, retry.Options{Policy: cfg.Retry.Database(), Name: "max_note_id", RetryIf: database.IsTransient})
		if err != nil {
			return err
		}
	}

	rcfg := cfg.ChunkQueue.Config(cfg.ScratchDir)
	if cmd.Flags().Changed("workers") {
		rcfg.Workers = chunkWorkers
	}
	if cmd.Flags().Changed("chunk-size") {
		rcfg.ChunkSize = chunkSize
	}
	if cmd.Flags().Changed("sub-batch-size") {
		rcfg.SubBatchSize = chunkSubBatch
	}
	if cmd.Flags().Changed("reclaim") {
		rcfg.ReclaimAbandoned = chunkReclaim
	}

	var spawner chunkqueue.Spawner = chunkqueue.InProcessSpawner{
		Op:      batch,
		Options: []chunkqueue.WorkerOption{chunkqueue.WithWorkerPolicy(cfg.Retry.Database())},
	}
	if chunkProcesses || (cfg.ChunkQueue.Processes && !cmd.Flags().Changed("processes")) {
		spawner = chunkqueue.ProcessSpawner{Args: workerArgs()}
	}

	r, err := chunkqueue.NewRunner(rcfg, spawner)
	if err != nil {
		return err
	}
	sum, err := r.Run(ctx, string(op), maxID)
	if sum != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows affected, %d/%d chunks, %d failed, took %s\n",
			op, sum.Total, sum.Completed, sum.Chunks, sum.FailedChunks, sum.Duration.Round(time.Millisecond))
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "run directory kept at %s\n", sum.Dir)
		}
	}
	return err
}

// workerArgs are the arguments worker processes start with, before the run directory and id.
func workerArgs() []string {
	args := []string{"chunk-worker"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	if logFormat != "" {
		args = append(args, "--log-format", logFormat)
	}
	return args
}

func init() {
	for _, c := range []*cobra.Command{assignCountriesCmd, verifyCountriesCmd} {
		c.Flags().IntVarP(&chunkWorkers, "workers", "w", 4, "Worker count (default from settings)")
		c.Flags().Int64Var(&chunkSize, "chunk-size", 100000, "Note ids per chunk (default from settings)")
		c.Flags().Int64Var(&chunkSubBatch, "sub-batch-size", 10000, "Note ids per statement (default from settings)")
		c.Flags().BoolVar(&chunkProcesses, "processes", false, "Run workers as separate processes")
		c.Flags().BoolVar(&chunkReclaim, "reclaim", false, "Re-queue chunks abandoned by workers that died")
		c.Flags().Int64Var(&chunkMaxID, "max-id", -1, "Highest note id to cover (default queried from the notes table)")
	}

	chunkWorkerCmd.Flags().StringVar(&workerRunDir, "run-dir", "", "Run directory")
	chunkWorkerCmd.Flags().IntVar(&workerID, "worker-id", 0, "Worker id")
	_ = chunkWorkerCmd.MarkFlagRequired("run-dir")

	rootCmd.AddCommand(assignCountriesCmd)
	rootCmd.AddCommand(verifyCountriesCmd)
	rootCmd.AddCommand(chunkWorkerCmd)
}
