// Package scheduler fires the recurring cron trigger on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonathan/catalog-sync/internal/pipeline"
	"github.com/jonathan/catalog-sync/internal/types"
)

// DefaultInterval is used when Config.Interval is zero.
const DefaultInterval = time.Hour

// Config holds scheduler configuration
type Config struct {
	Orchestrator *pipeline.Orchestrator
	Interval     time.Duration
	// Reattempts is how many extra runs are created for an occurrence whose primary run
	// failed or timed out.
	Reattempts int
	// RunOnStart fires one occurrence before the first tick.
	RunOnStart bool
	Logger     *slog.Logger
}

// Scheduler runs one occurrence of the cron trigger per tick
type Scheduler struct {
	orch       *pipeline.Orchestrator
	interval   time.Duration
	reattempts int
	runOnStart bool
	logger     *slog.Logger
}

// New creates a scheduler
func New(cfg Config) (*Scheduler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Reattempts < 0 {
		return nil, errors.New("reattempts must be >= 0")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		orch:       cfg.Orchestrator,
		interval:   interval,
		reattempts: cfg.Reattempts,
		runOnStart: cfg.RunOnStart,
		logger:     logger,
	}, nil
}

// Run ticks until ctx is done. Occurrences run on the calling goroutine, so ticks that
// fall inside a long run are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval), slog.Int("reattempts", s.reattempts))
	if s.runOnStart {
		s.Tick(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// SkipReason explains why an occurrence did not run
type SkipReason string

// SkipReason constants
const (
	SkipNone     SkipReason = ""
	SkipDisabled SkipReason = "trigger disabled"
	SkipBusy     SkipReason = "another run is active"
	SkipError    SkipReason = "start failed"
)

// Occurrence is what one tick did
type Occurrence struct {
	Runs    []*types.Run
	Skipped SkipReason
}

// Tick runs one occurrence: the primary cron run and, if it failed or timed out, up to
// Reattempts further runs.
func (s *Scheduler) Tick(ctx context.Context) Occurrence {
	var occ Occurrence
	cfg, err := s.orch.TriggerConfig(ctx)
	if err != nil {
		s.logger.Error("failed to read trigger config", slog.String("error", err.Error()))
		occ.Skipped = SkipError
		return occ
	}
	if !cfg.Enabled {
		s.logger.Info("cron trigger disabled, skipping", slog.String("reason", cfg.LastDisabledReason))
		occ.Skipped = SkipDisabled
		return occ
	}

	for attempt := types.PrimaryAttempt; attempt <= types.PrimaryAttempt+s.reattempts; attempt++ {
		if ctx.Err() != nil {
			return occ
		}
		run, skipped := s.attempt(ctx, attempt)
		if skipped != SkipNone {
			if attempt == types.PrimaryAttempt {
				occ.Skipped = skipped
			}
			return occ
		}
		occ.Runs = append(occ.Runs, run)
		if !needsReattempt(run) {
			return occ
		}
	}
	return occ
}

func (s *Scheduler) attempt(ctx context.Context, attempt int) (*types.Run, SkipReason) {
	res := s.orch.Start(ctx, types.TriggerCron, pipeline.WithAttempt(attempt))
	switch res.Outcome {
	case pipeline.StartStarted:
	case pipeline.StartBusy, pipeline.StartWaitingRetry:
		s.logger.Warn("cron start skipped, run already active",
			slog.String("active_run_id", res.RunID),
			slog.Int("attempt", attempt))
		return nil, SkipBusy
	default:
		s.logger.Warn("cron start failed", slog.Int("attempt", attempt), slog.String("error", res.Message))
		return nil, SkipError
	}

	run, err := s.orch.Runner().Execute(ctx, res.Grant())
	if err != nil {
		s.logger.Error("cron run failed to execute", slog.String("run_id", res.RunID), slog.String("error", err.Error()))
	}
	if run == nil {
		return nil, SkipError
	}
	return run, SkipNone
}

func needsReattempt(run *types.Run) bool {
	return run.Status == types.RunStatusFailed || run.Status == types.RunStatusTimeout
}
