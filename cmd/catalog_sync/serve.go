package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/catalog-sync/internal/scheduler"
	"github.com/jonathan/catalog-sync/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the interval scheduler",
		Long: `Start an HTTP server that exposes run, trigger and executor endpoints, and tick
the cron trigger at schedule.interval until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, cleanup, err := a.orchestrator(ctx, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			srv, err := server.New(server.Config{
				Port:         a.cfg.Port,
				Orchestrator: orch,
				RateLimit:    a.cfg.RateLimiter(),
				Logger:       a.logger,
				ActivePoll:   a.cfg.Poll.Active,
				IdlePoll:     a.cfg.Poll.Idle,
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })

			noSchedule, _ := cmd.Flags().GetBool("no-schedule")
			if a.cfg.Schedule.Enabled && !noSchedule {
				sched, err := scheduler.New(scheduler.Config{
					Orchestrator: orch,
					Interval:     a.cfg.Schedule.Interval,
					Reattempts:   a.cfg.Schedule.Reattempts,
					RunOnStart:   a.cfg.Schedule.RunOnStart,
					Logger:       a.logger,
				})
				if err != nil {
					return fmt.Errorf("failed to create scheduler: %w", err)
				}
				g.Go(func() error { return sched.Run(gctx) })
			}

			return g.Wait()
		},
	}
	cmd.Flags().Int("port", 8080, "Port to listen on")
	cmd.Flags().Bool("no-schedule", false, "serve the API without the interval scheduler")
	return cmd
}
