package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jonathan/catalog-sync/internal/classify"
	"github.com/jonathan/catalog-sync/internal/config"
	"github.com/jonathan/catalog-sync/internal/db"
	"github.com/jonathan/catalog-sync/internal/observability"
	"github.com/jonathan/catalog-sync/internal/pipeline"
	"github.com/jonathan/catalog-sync/internal/pipeline/steps"
	"github.com/jonathan/catalog-sync/internal/types"
)

// app is the state shared by every command once flags and config are loaded.
type app struct {
	cfgFile    string
	jsonOutput bool

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "catalog_sync",
		Short: "Catalog pipeline run orchestrator",
		Long: `catalog_sync tracks and arbitrates runs of the catalog batch pipeline
(import_ftp, parse_merge, compute_prices, export_sheet, upload_files).

Only one run is active at a time. Steps are retried with backoff on transient
failures, and the cron trigger is disabled after a streak of failed runs.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			return a.load(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./catalog-sync.yaml)")
	pf.String("store", "", "run store backend (postgres|bolt)")
	pf.String("database-url", "", "PostgreSQL connection URL")
	pf.String("bolt-path", "", "path to the bbolt store file")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.String("log-format", "", "log format (text|json)")
	pf.BoolVar(&a.jsonOutput, "json", false, "print JSON instead of tables")

	_ = rootCmd.RegisterFlagCompletionFunc("store", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{config.StorePostgres, config.StoreBolt}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newStatusCmd(a),
		newRunsCmd(a),
		newWatchCmd(a),
		newCancelCmd(a),
		newTriggerCmd(a),
		newStreakCmd(a),
		newMigrateCmd(a),
	)
	return rootCmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	if cfg.File != "" {
		logger.Debug("loaded config", slog.String("file", cfg.File))
	}
	return nil
}

// openStore opens the configured backend. Postgres is migrated on open.
func (a *app) openStore(ctx context.Context) (db.Store, error) {
	store, err := db.Open(ctx, db.Options{
		Backend:     a.cfg.Store,
		DatabaseURL: a.cfg.DatabaseURL,
		BoltPath:    a.cfg.BoltPath,
		Migrate:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", a.cfg.Store, err)
	}
	return store, nil
}

// executors builds a command executor for every configured step.
func (a *app) executors() steps.Executors {
	execs := steps.Executors{}
	for _, name := range types.KnownSteps() {
		sc, ok := a.cfg.Steps[string(name)]
		if !ok || sc.Command == "" {
			continue
		}
		execs[name] = &steps.CommandExecutor{
			Command: sc.Command,
			Dir:     sc.Dir,
			Timeout: sc.Timeout,
		}
	}
	return execs
}

// orchestrator opens the store and wires an orchestrator over it. The returned cleanup
// closes both, orchestrator first.
func (a *app) orchestrator(ctx context.Context, onProgress pipeline.ProgressCallback) (*pipeline.Orchestrator, func(), error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	orch, err := pipeline.New(pipeline.Config{
		Store:              store,
		Executors:          a.executors(),
		RetryPolicy:        a.cfg.RetryPolicy(),
		DefaultMaxAttempts: a.cfg.Trigger.DefaultMaxAttempts,
		RunTimeout:         a.cfg.Schedule.RunTimeout,
		StaleAfter:         a.cfg.Schedule.StaleAfter,
		Logger:             a.logger,
		OnProgress:         onProgress,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	cleanup := func() {
		orch.Close()
		if err := store.Close(); err != nil {
			a.logger.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}
	return orch, cleanup, nil
}

func (a *app) printer(w io.Writer) *observability.Printer {
	return observability.NewPrinter(w)
}

// printRun prints a run without its invocation token.
func (a *app) printRun(w io.Writer, run *types.Run) error {
	p := a.printer(w)
	if !a.jsonOutput {
		p.PrintRun(run)
		return nil
	}
	return p.PrintJSON(publicRun(run))
}

// runOutput is the JSON form of a run for the CLI
type runOutput struct {
	*types.Run
	DisplayStatus string `json:"display_status"`
	DisplayReason string `json:"display_reason,omitempty"`
}

func publicRun(run *types.Run) *runOutput {
	if run == nil {
		return nil
	}
	out := run.Clone()
	out.LockInvocationID = ""
	c := classify.Classify(run)
	return &runOutput{Run: out, DisplayStatus: string(c.DisplayStatus), DisplayReason: c.DisplayReason}
}
