package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/groupfill/internal/config"
	"github.com/mattjoyce/groupfill/internal/doctor"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and lock configuration",
	}
	cmd.AddCommand(newConfigCheckCmd(opts), newConfigLockCmd(opts))
	return cmd
}

func newConfigCheckCmd(opts *rootOptions) *cobra.Command {
	var strict, jsonOut bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate syntax, references and integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			result := doctor.New(cfg, opts.registry).Validate()
			out := cmd.OutOrStdout()
			if jsonOut {
				report, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, report)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
				fmt.Fprintf(out, "Plan: %s\n", doctor.Plan(cfg))
			}

			if !result.Valid {
				return fmt.Errorf("configuration invalid: %d error(s)", len(result.Errors))
			}
			if strict && len(result.Warnings) > 0 {
				return fmt.Errorf("configuration has %d warning(s) (--strict)", len(result.Warnings))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the report as JSON")
	return cmd
}

func newConfigLockCmd(opts *rootOptions) *cobra.Command {
	var verbose, dryRun bool

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Authorize the current configuration (write .checksums)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.ResolvePath(opts.configPath)
			if err != nil {
				return err
			}
			res, err := config.LockFile(path, dryRun)
			if err != nil {
				return fmt.Errorf("lock config: %w", err)
			}
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "  HASH %s: %s\n", res.Filename, res.Hash)
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %s not written\n", res.ChecksumPath)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Locked configuration: %s\n", res.ChecksumPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the file hash")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute hashes without writing .checksums")
	return cmd
}
