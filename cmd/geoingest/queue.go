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
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/config"
)

// Flags for the acquire-test command
var (
	acquireHold  time.Duration
	acquireCount int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the admission queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show slot holders, waiting tickets and counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := cfg.Queue()
		if err != nil {
			return err
		}
		in, ok := q.(inspector)
		if !ok {
			return fmt.Errorf("queue: %T cannot be inspected", q)
		}
		st, err := in.Inspect(cmd.Context())
		if err != nil {
			return err
		}
		printState(cmd, st)
		return nil
	},
}

// inspector is implemented by both queue implementations.
type inspector interface {
	Inspect(ctx context.Context) (admission.State, error)
}

var queueHealCmd = &cobra.Command{
	Use:   "heal",
	Short: "Advance current_serving to the ticket counter",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := ticketQueue()
		if err != nil {
			return err
		}
		st, err := q.Heal(cmd.Context())
		if err != nil {
			return err
		}
		printState(cmd, st)
		return nil
	},
}

var queueResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every marker, waiting ticket and counter",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := ticketQueue()
		if err != nil {
			return err
		}
		if err := q.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "queue reset")
		return nil
	},
}

var acquireTestCmd = &cobra.Command{
	Use:   "acquire-test",
	Short: "Acquire a slot, hold it and release it",
	Long: `Acquires --count slots one after another from the configured queue, holding each for --hold.
Run several copies concurrently to watch the admission limit and ordering at work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := cfg.Queue()
		if err != nil {
			return err
		}
		for i := 0; i < acquireCount; i++ {
			if err := holdSlot(cmd.Context(), q, acquireHold); err != nil {
				return err
			}
		}
		return nil
	},
}

// ticketQueue opens the queue directory through the ticket implementation, which understands
// every piece of state both implementations keep.
func ticketQueue() (*admission.TicketQueue, error) {
	return admission.NewTicketQueue(cfg.Admission.Config(cfg.ScratchDir))
}

func holdSlot(ctx context.Context, q admission.Queue, hold time.Duration) error {
	started := time.Now()
	slot, err := q.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Release(slot); err != nil {
			log.Warn().Err(err).Msg("release failed")
		}
	}()
	log.Info().
		Str("owner", slot.Owner.String()).
		Int64("ticket", slot.Ticket).
		Dur("waited", time.Since(started).Round(time.Millisecond)).
		Msg("slot acquired")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(hold):
	}
	return nil
}

func printState(cmd *cobra.Command, st admission.State) {
	out := cmd.OutOrStdout()
	owners := make([]string, 0, len(st.Active))
	for _, o := range st.Active {
		owners = append(owners, o.String())
	}
	waiting := make([]string, 0, len(st.Waiting))
	for _, t := range st.Waiting {
		waiting = append(waiting, fmt.Sprint(t))
	}
	fmt.Fprintf(out, "mode:            %s\n", cfg.Admission.Mode)
	fmt.Fprintf(out, "max slots:       %d\n", cfg.Admission.MaxSlots)
	fmt.Fprintf(out, "active:          %d [%s]\n", len(st.Active), strings.Join(owners, " "))
	if cfg.Admission.Mode == config.ModeTicket {
		fmt.Fprintf(out, "waiting:         %d [%s]\n", len(st.Waiting), strings.Join(waiting, " "))
		fmt.Fprintf(out, "ticket counter:  %d\n", st.Counter)
		fmt.Fprintf(out, "current serving: %d\n", st.Serving)
	}
}

func init() {
	acquireTestCmd.Flags().DurationVar(&acquireHold, "hold", 5*time.Second, "How long to hold each slot")
	acquireTestCmd.Flags().IntVarP(&acquireCount, "count", "n", 1, "Number of slots to take in sequence")

	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueHealCmd)
	queueCmd.AddCommand(queueResetCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(acquireTestCmd)
}
