package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/groupfill/internal/config"
	"github.com/mattjoyce/groupfill/internal/inspect"
	"github.com/mattjoyce/groupfill/internal/storage"
)

func newInspectCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "inspect [run-id]",
		Short: "Show what the journal recorded for a run (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return fmt.Errorf("journal.path is not configured; nothing to inspect")
			}

			runID := inspect.Latest
			if len(args) == 1 {
				runID = args[0]
			}

			db, err := storage.OpenSQLite(cmd.Context(), cfg.Journal.Path)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer db.Close()

			var report string
			if jsonOut {
				report, err = inspect.BuildJSONReport(cmd.Context(), db, runID)
			} else {
				report, err = inspect.BuildReport(cmd.Context(), db, runID)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			if jsonOut {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the report as JSON")
	return cmd
}
