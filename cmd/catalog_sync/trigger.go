package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jonathan/catalog-sync/internal/pipeline"
	"github.com/jonathan/catalog-sync/internal/types"
)

func newTriggerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Show or change the cron trigger",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the trigger configuration and auto-disable state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.updateTrigger(cmd, nil)
		},
	}

	enable := &cobra.Command{
		Use:   "enable",
		Short: "Enable the cron trigger",
		Long: `Enable the cron trigger. Failures from before it was enabled no longer count
toward a new auto-disable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enabled := true
			return a.updateTrigger(cmd, &pipeline.TriggerUpdate{Enabled: &enabled})
		},
	}

	var reason string
	disable := &cobra.Command{
		Use:   "disable",
		Short: "Disable the cron trigger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enabled := false
			return a.updateTrigger(cmd, &pipeline.TriggerUpdate{Enabled: &enabled, Reason: reason})
		},
	}
	disable.Flags().StringVar(&reason, "reason", "", "why the trigger is being disabled")

	setMax := &cobra.Command{
		Use:   "set-max-attempts <n>",
		Short: "Set how many consecutive failures disable the trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < types.MinMaxAttempts || n > types.MaxMaxAttempts {
				return fmt.Errorf("max attempts must be an integer between %d and %d", types.MinMaxAttempts, types.MaxMaxAttempts)
			}
			return a.updateTrigger(cmd, &pipeline.TriggerUpdate{MaxAttempts: &n})
		},
	}

	cmd.AddCommand(show, enable, disable, setMax)
	return cmd
}

// updateTrigger applies u when set, then prints the trigger status.
func (a *app) updateTrigger(cmd *cobra.Command, u *pipeline.TriggerUpdate) error {
	ctx := cmd.Context()
	orch, cleanup, err := a.orchestrator(ctx, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	if u != nil {
		if _, err := orch.SetTrigger(ctx, *u); err != nil {
			return err
		}
	}
	status, err := orch.TriggerStatus(ctx)
	if err != nil {
		return err
	}

	p := a.printer(cmd.OutOrStdout())
	if a.jsonOutput {
		return p.PrintJSON(status)
	}
	p.PrintTrigger(status.Config, status.AutoDisable)
	return nil
}

func newStreakCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "streak",
		Short: "Show the consecutive cron failure streak",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			orch, cleanup, err := a.orchestrator(ctx, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			status, err := orch.TriggerStatus(ctx)
			if err != nil {
				return err
			}
			p := a.printer(cmd.OutOrStdout())
			if a.jsonOutput {
				return p.PrintJSON(status.Streak)
			}
			p.PrintStreak(status.Streak, status.Config.MaxAttempts)
			return nil
		},
	}
}
