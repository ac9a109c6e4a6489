package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/catalog-sync/internal/db"
	"github.com/jonathan/catalog-sync/internal/observer"
	"github.com/jonathan/catalog-sync/internal/pipeline"
	"github.com/jonathan/catalog-sync/internal/types"
)

func newRunCmd(a *app) *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a run and execute it in this process",
		Long: `Start a run and execute every step with the configured commands. Progress is
printed as steps change. Interrupting the command finalizes the run as failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tt := types.TriggerType(trigger)
			if !tt.Valid() {
				return fmt.Errorf("invalid trigger %q: must be cron or manual", trigger)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.ErrOrStderr()
			progress := func(e pipeline.ProgressEvent) {
				if e.Step == "" {
					fmt.Fprintf(out, "%s run %s: %s\n", time.Now().Format("15:04:05"), e.RunID, e.Message) //nolint:errcheck
					return
				}
				fmt.Fprintf(out, "%s %-15s %s\n", time.Now().Format("15:04:05"), e.Step, e.Status) //nolint:errcheck
			}
			orch, cleanup, err := a.orchestrator(ctx, progress)
			if err != nil {
				return err
			}
			defer cleanup()

			res := orch.Start(ctx, tt)
			if res.Outcome != pipeline.StartStarted {
				return fmt.Errorf("run not started (%s): %s", res.Outcome, res.Message)
			}

			run, err := orch.Runner().Execute(ctx, res.Grant())
			if err != nil && !errors.Is(err, pipeline.ErrSuperseded) {
				return err
			}
			if run == nil {
				if run, err = orch.GetRun(context.WithoutCancel(ctx), res.RunID); err != nil {
					return err
				}
			}
			if err := a.printRun(cmd.OutOrStdout(), run); err != nil {
				return err
			}
			if run != nil && !run.Status.IsSuccess() {
				return fmt.Errorf("run %s finished %s", run.ID, run.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", string(types.TriggerManual), "trigger type (cron|manual)")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run, or the most recent run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, cleanup, err := a.orchestrator(ctx, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			var run *types.Run
			if len(args) == 1 {
				run, err = orch.GetRun(ctx, args[0])
				if err == nil && run == nil {
					err = fmt.Errorf("run not found: %s", args[0])
				}
			} else {
				run, err = orch.LastRun(ctx)
			}
			if err != nil {
				return err
			}
			return a.printRun(cmd.OutOrStdout(), run)
		},
	}
}

func newRunsCmd(a *app) *cobra.Command {
	var (
		limit       int
		trigger     string
		primaryOnly bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := db.RunFilter{Limit: limit, PrimaryOnly: primaryOnly}
			if trigger != "" {
				filter.TriggerType = types.TriggerType(trigger)
				if !filter.TriggerType.Valid() {
					return fmt.Errorf("invalid trigger %q: must be cron or manual", trigger)
				}
			}

			ctx := cmd.Context()
			orch, cleanup, err := a.orchestrator(ctx, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := orch.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			p := a.printer(cmd.OutOrStdout())
			if a.jsonOutput {
				out := make([]*runOutput, 0, len(runs))
				for _, run := range runs {
					out = append(out, publicRun(run))
				}
				return p.PrintJSON(out)
			}
			p.PrintRuns(runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().StringVar(&trigger, "trigger", "", "only show runs of this trigger type")
	cmd.Flags().BoolVar(&primaryOnly, "primary-only", false, "hide re-attempt runs")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [run-id]",
		Short: "Follow a run until it finishes",
		Long: `Poll a run, or the most recent run, printing a line whenever its state changes.
Polling is faster while the run is active.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, cleanup, err := a.orchestrator(ctx, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			fetch := orch.LastRun
			if len(args) == 1 {
				id := args[0]
				fetch = func(ctx context.Context) (*types.Run, error) { return orch.GetRun(ctx, id) }
			}

			poller := &observer.Poller{
				Fetch:  fetch,
				Active: a.cfg.Poll.Active,
				Idle:   a.cfg.Poll.Idle,
				Logger: a.logger,
			}
			out := cmd.OutOrStdout()
			var last string
			var final *types.Run
			err = poller.Run(ctx, observer.UntilFinished(func(s observer.Snapshot) {
				if s.Err != nil || s.Run == nil {
					if len(args) == 1 && s.Run == nil && s.Err == nil {
						fmt.Fprintf(out, "waiting for run %s\n", args[0]) //nolint:errcheck
					}
					return
				}
				line := fmt.Sprintf("%s %s", s.Run.ID, s.Classification.DisplayStatus)
				if step := s.Run.Steps.CurrentStep(); step != "" && s.Run.IsActive() {
					line += " " + step
				}
				if s.Classification.DisplayReason != "" {
					line += ": " + s.Classification.DisplayReason
				}
				if line != last {
					fmt.Fprintf(out, "%s %s\n", time.Now().Format("15:04:05"), line) //nolint:errcheck
					last = line
				}
				final = s.Run
			}))
			if err != nil && !errors.Is(err, observer.ErrStopped) {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			if final != nil && !final.Status.IsSuccess() {
				return fmt.Errorf("run %s finished %s", final.ID, final.Status)
			}
			return nil
		},
	}
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Ask an active run to stop at its next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, cleanup, err := a.orchestrator(ctx, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := orch.RequestCancel(ctx, args[0])
			if err != nil {
				return err
			}
			if !out.Applied {
				return fmt.Errorf("cancel rejected: %s", out.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for run %s\n", args[0]) //nolint:errcheck
			return nil
		},
	}
}
