package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/groupfill/internal/api"
	"github.com/mattjoyce/groupfill/internal/config"
	"github.com/mattjoyce/groupfill/internal/dispatch"
	"github.com/mattjoyce/groupfill/internal/events"
	"github.com/mattjoyce/groupfill/internal/journal"
	"github.com/mattjoyce/groupfill/internal/lock"
	"github.com/mattjoyce/groupfill/internal/log"
	"github.com/mattjoyce/groupfill/internal/session"
	"github.com/mattjoyce/groupfill/internal/workload"
)

type runFlags struct {
	dryRun      bool
	parallelism int
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch every configured batch and wait for all invocations to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if flags.dryRun {
				cfg.Session.Transport = "memory"
			}
			if flags.parallelism > 0 {
				cfg.Dispatch.Parallelism = flags.parallelism
			}

			log.SetupWriter(cmd.ErrOrStderr(), cfg.Service.LogLevel, cfg.Service.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := runDispatch(ctx, cfg, opts.registry)
			if summary != nil {
				printSummary(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Use the in-memory session instead of the configured transport")
	cmd.Flags().IntVarP(&flags.parallelism, "parallelism", "p", 0, "Override dispatch.parallelism")
	return cmd
}

// runDispatch wires the optional collaborators around one dispatcher run.
func runDispatch(ctx context.Context, cfg *config.Config, registry *session.Registry) (*dispatch.Summary, error) {
	logger := log.WithComponent("main")
	logger.Info("groupfill starting", "version", version, "transport", cfg.Session.Transport)

	if cfg.Lock.Path != "" {
		runLock, err := lock.Acquire(cfg.Lock.Path)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		defer runLock.Release()
		logger.Debug("acquired run lock", "path", runLock.Path())
	}

	opener, err := registry.Opener(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	dcfg := dispatch.ConfigFrom(cfg)
	var opts []dispatch.Option
	var feed *events.Feed
	if cfg.API.Enabled {
		feed = events.NewFeed(events.CapacityFor(workload.Count(dcfg.Batches), len(dcfg.Batches)))
		opts = append(opts, dispatch.WithPublisher(feed))
	}

	var jr *journal.Journal
	if cfg.Journal.Path != "" {
		jr, err = journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		defer jr.Close()
		opts = append(opts, dispatch.WithRecorder(jr))
	}

	d, err := dispatch.New(dcfg, opener, opts...)
	if err != nil {
		return nil, err
	}

	if jr != nil {
		if err := jr.BeginRun(ctx, d.RunID(), cfg.Dispatch.Parallelism, d.Total()); err != nil {
			return nil, err
		}
	}

	if cfg.API.Enabled {
		apiCtx, cancelAPI := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelAPI()
		server := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, d, feed, log.WithComponent("api"))
		go func() {
			if err := server.Start(apiCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("status API stopped", "error", err)
			}
		}()
	}

	summary, runErr := d.Run(ctx)

	if jr != nil {
		// Runs after cancellation too, so it must not inherit ctx.
		finishCtx := context.WithoutCancel(ctx)
		if err := jr.FinishRun(finishCtx, d.RunID(), journalStatus(ctx, runErr)); err != nil {
			logger.Error("failed to finish journal run", "run_id", d.RunID(), "error", err)
		}
	}

	if runErr != nil {
		logger.Error("run ended with error", "run_id", d.RunID(), "error", runErr)
	}
	return summary, runErr
}

func journalStatus(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return journal.StatusCompleted
	case ctx.Err() != nil:
		return journal.StatusCancelled
	default:
		return journal.StatusFailed
	}
}

func printSummary(w io.Writer, s *dispatch.Summary) {
	fmt.Fprintf(w, "run %s: total=%d submitted=%d succeeded=%d failed=%d peak=%d duration=%s\n",
		s.RunID, s.Total, s.Submitted, s.Succeeded, s.Failed, s.Peak, s.Duration.Round(time.Millisecond))
}
