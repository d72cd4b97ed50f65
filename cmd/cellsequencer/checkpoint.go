package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sebastiankruger/cell-sequencer/internal/checkpoint"
)

func newCheckpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or clear the stored cell checkpoint",
	}
	cmd.AddCommand(
		newCheckpointShowCmd(a),
		newCheckpointClearCmd(a),
		newCheckpointEventsCmd(a),
	)
	return cmd
}

// openStore opens the checkpoint database named by the loaded config.
func (a *app) openStore(cmd *cobra.Command) (*checkpoint.Store, error) {
	cfg, err := a.load()
	if err != nil {
		return nil, err
	}
	return checkpoint.Open(cmd.Context(), cfg.CheckpointDB, cfg.CellName)
}

func newCheckpointShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored checkpoint as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			rec, err := store.Load(cmd.Context())
			if errors.Is(err, checkpoint.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint")
				return nil
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func newCheckpointClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored checkpoint so the next run starts fresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			err = store.Clear(cmd.Context())
			if errors.Is(err, checkpoint.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "checkpoint cleared")
			return nil
		},
	}
}

func newCheckpointEventsCmd(a *app) *cobra.Command {
	var (
		runID string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List logged phase transitions of a run",
		Long: `List logged phase transitions of a run, oldest first. Without --run
the run that wrote the stored checkpoint is listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			if runID == "" {
				rec, err := store.Load(cmd.Context())
				if errors.Is(err, checkpoint.ErrNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint, pass --run")
					return nil
				}
				if err != nil {
					return err
				}
				runID = rec.RunID
			}

			events, err := store.Events(cmd.Context(), runID, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tPHASE\tPICKS\tLOADS\tUNLOADS\tSTEP\tCYCLES")
			for _, ev := range events {
				c := ev.Counters
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
					ev.At.Format(time.RFC3339Nano), ev.Phase, c.Picks, c.Loads, c.Unloads, c.StepCounter, c.Cycles)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run ID")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	return cmd
}
