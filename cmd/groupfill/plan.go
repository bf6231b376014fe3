package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/groupfill/internal/config"
	"github.com/mattjoyce/groupfill/internal/dispatch"
	"github.com/mattjoyce/groupfill/internal/workload"
)

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var countOnly bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the work items a run would dispatch, without dispatching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			dcfg := dispatch.ConfigFrom(cfg)
			out := cmd.OutOrStdout()

			if !countOnly {
				for b, item := range workload.Plan(dcfg.Batches, dcfg.MemberFormat) {
					if _, err := fmt.Fprintf(out, "%s\t%s\t%d/%d\n", b.Group, item.Member, item.Index, b.Universe); err != nil {
						return err
					}
				}
			}
			_, err = fmt.Fprintf(out, "%d batches, %d items, parallelism %d\n",
				len(dcfg.Batches), workload.Count(dcfg.Batches), dcfg.Parallelism)
			return err
		},
	}
	cmd.Flags().BoolVar(&countOnly, "count", false, "Only print the totals")
	return cmd
}
