package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/groupfill/internal/session"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

type rootOptions struct {
	configPath string
	registry   *session.Registry
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{registry: session.DefaultRegistry()}

	rootCmd := &cobra.Command{
		Use:   "groupfill",
		Short: "Fill distribution groups through one shared remote session",
		Long: "groupfill adds generated members to distribution groups by issuing bounded, " +
			"concurrent remote commands over a single session, and waits for every one to finish.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml",
		"Path to configuration file or directory")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newPlanCmd(opts),
		newConfigCmd(opts),
		newInspectCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "groupfill version %s\n", version)
		},
	}
}
