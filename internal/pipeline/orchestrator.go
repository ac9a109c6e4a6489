// Package pipeline provides the run orchestrator: the entry points used by triggers,
// step executors and observers, and the runner that walks a run through its steps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/catalog-sync/internal/classify"
	"github.com/jonathan/catalog-sync/internal/db"
	"github.com/jonathan/catalog-sync/internal/lock"
	"github.com/jonathan/catalog-sync/internal/merge"
	"github.com/jonathan/catalog-sync/internal/ordering"
	"github.com/jonathan/catalog-sync/internal/pipeline/steps"
	"github.com/jonathan/catalog-sync/internal/retry"
	"github.com/jonathan/catalog-sync/internal/schemas"
	"github.com/jonathan/catalog-sync/internal/streak"
	"github.com/jonathan/catalog-sync/internal/types"
)

// streakWindow bounds how many primary cron runs are read to compute a streak.
const streakWindow = 200

// lastRunWindow bounds the read behind LastRun.
const lastRunWindow = 50

const defaultCancelPoll = time.Second

// ProgressEvent represents a progress update during run execution
type ProgressEvent struct {
	RunID   string `json:"run_id"`
	Step    string `json:"step,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ProgressCallback is called when run progress occurs
type ProgressCallback func(event ProgressEvent)

// Config holds the orchestrator's collaborators
type Config struct {
	Store     db.Store
	Executors steps.Executors
	// RetryPolicy defaults to retry.DefaultPolicy().
	RetryPolicy retry.Policy
	// DefaultMaxAttempts seeds the trigger configuration on first use.
	DefaultMaxAttempts int
	// RunTimeout bounds a whole run; zero means no limit.
	RunTimeout time.Duration
	// StaleAfter finalizes an active run as timeout when it has not been updated for this
	// long and a new start is attempted. Zero disables the check.
	StaleAfter time.Duration
	// CancelPoll is how often a step waiting to retry rechecks cancel_requested.
	// Defaults to one second.
	CancelPoll time.Duration
	Logger     *slog.Logger
	OnProgress ProgressCallback
	Now        func() time.Time
}

// Orchestrator implements the run entry points
type Orchestrator struct {
	store       db.Store
	executors   steps.Executors
	policy      retry.Policy
	maxAttempts int
	runTimeout  time.Duration
	staleAfter  time.Duration
	cancelPoll  time.Duration
	logger      *slog.Logger
	onProgress  ProgressCallback
	now         func() time.Time

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("run store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	policy := cfg.RetryPolicy
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	cancelPoll := cfg.CancelPoll
	if cancelPoll <= 0 {
		cancelPoll = defaultCancelPoll
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       cfg.Store,
		executors:   cfg.Executors,
		policy:      policy,
		maxAttempts: types.ClampMaxAttempts(cfg.DefaultMaxAttempts),
		runTimeout:  cfg.RunTimeout,
		staleAfter:  cfg.StaleAfter,
		cancelPoll:  cancelPoll,
		logger:      logger,
		onProgress:  cfg.OnProgress,
		now:         now,
		base:        base,
		stop:        stop,
	}, nil
}

func (o *Orchestrator) emit(event ProgressEvent) {
	if o.onProgress != nil {
		o.onProgress(event)
	}
}

// -----------------------------------------------------------------------------
// Start
// -----------------------------------------------------------------------------

// StartOutcome is the kind of answer Start gives
type StartOutcome string

// StartOutcome constants
const (
	StartStarted      StartOutcome = "started"
	StartBusy         StartOutcome = "busy"
	StartWaitingRetry StartOutcome = "waiting_retry"
	StartError        StartOutcome = "error"
)

// StartResult is the answer to Start
type StartResult struct {
	Outcome      StartOutcome `json:"outcome"`
	RunID        string       `json:"run_id,omitempty"`
	InvocationID string       `json:"invocation_id,omitempty"`
	NextRetryAt  *time.Time   `json:"next_retry_at,omitempty"`
	Message      string       `json:"message,omitempty"`
	Err          error        `json:"-"`
}

// Grant returns the lock grant of a started run.
func (r StartResult) Grant() lock.Grant {
	return lock.Grant{RunID: r.RunID, InvocationID: r.InvocationID}
}

type startOptions struct {
	attempt int
}

// StartOption customizes Start
type StartOption func(*startOptions)

// WithAttempt starts a scheduler re-attempt of the same occurrence
func WithAttempt(attempt int) StartOption {
	return func(o *startOptions) {
		o.attempt = attempt
	}
}

func startError(err error) StartResult {
	return StartResult{Outcome: StartError, Message: err.Error(), Err: err}
}

// Start creates a run unless one is already active. A busy answer names the active run
// and becomes waiting_retry when that run's current step is parked in retry_delay.
func (o *Orchestrator) Start(ctx context.Context, trigger types.TriggerType, opts ...StartOption) StartResult {
	so := startOptions{attempt: types.PrimaryAttempt}
	for _, opt := range opts {
		opt(&so)
	}
	if !trigger.Valid() {
		return startError(fmt.Errorf("unknown trigger type: %q", trigger))
	}

	if trigger == types.TriggerCron {
		cfg, err := o.triggerConfig(ctx)
		if err != nil {
			return startError(err)
		}
		if !cfg.Enabled {
			return startError(fmt.Errorf("cron trigger is disabled: %s", cfg.LastDisabledReason))
		}
	}

	for tries := 0; ; tries++ {
		run := types.NewRun(uuid.NewString(), trigger, so.attempt, lock.NewInvocationID(), o.now())
		grant, err := lock.Acquire(ctx, o.store, run)
		if err == nil {
			o.logger.Info("run started",
				slog.String("run_id", grant.RunID),
				slog.String("trigger", string(trigger)),
				slog.Int("attempt", run.Attempt))
			o.emit(ProgressEvent{RunID: grant.RunID, Status: string(StartStarted), Message: "run started"})
			return StartResult{Outcome: StartStarted, RunID: grant.RunID, InvocationID: grant.InvocationID}
		}

		var busy *lock.BusyError
		if !errors.As(err, &busy) {
			return startError(err)
		}
		if tries == 0 && o.isStale(busy.Run) {
			if err := o.abandon(ctx, busy.Run); err != nil {
				return startError(err)
			}
			continue
		}
		return o.busyResult(busy)
	}
}

func (o *Orchestrator) busyResult(busy *lock.BusyError) StartResult {
	res := StartResult{Outcome: StartBusy, RunID: busy.RunID, Message: busy.Error()}
	if busy.Run == nil {
		return res
	}
	if name, st, ok := busy.Run.Steps.RetryDelay(); ok {
		res.Outcome = StartWaitingRetry
		res.NextRetryAt = st.NextRetryAt
		res.Message = fmt.Sprintf("run %s is waiting to retry %s", busy.RunID, name)
	}
	return res
}

func (o *Orchestrator) isStale(run *types.Run) bool {
	if o.staleAfter <= 0 || run == nil {
		return false
	}
	return o.now().Sub(run.UpdatedAt) > o.staleAfter
}

// abandon finalizes a run that stopped making progress so a new one can start.
func (o *Orchestrator) abandon(ctx context.Context, stale *types.Run) error {
	_, err := o.store.UpdateRun(ctx, stale.ID, func(run *types.Run) error {
		if !run.IsActive() {
			return nil
		}
		now := o.now()
		run.Status = types.RunStatusTimeout
		run.FinishedAt = &now
		run.ErrorMessage = fmt.Sprintf("run abandoned: no progress since %s", run.UpdatedAt.UTC().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to abandon stale run: %w", err)
	}
	o.logger.Warn("abandoned stale run", slog.String("run_id", stale.ID))
	return nil
}

// -----------------------------------------------------------------------------
// Writes from the step executor
// -----------------------------------------------------------------------------

// RejectedError describes a write that was dropped
type RejectedError struct {
	RunID  string
	Step   string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("write to run %s step %s rejected: %s", e.RunID, e.Step, e.Reason)
	}
	return fmt.Sprintf("write to run %s rejected: %s", e.RunID, e.Reason)
}

// Rejection reasons
const (
	ReasonTokenMismatch = "invocation token does not match the run"
	ReasonRunFinished   = "run already finished"
	ReasonUnknownStep   = "unknown step"
	ReasonInvalidPatch  = "invalid patch"
)

// WriteOutcome reports what happened to a write
type WriteOutcome struct {
	Applied bool       `json:"applied"`
	Warned  bool       `json:"warned,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Run     *types.Run `json:"run,omitempty"`
}

// authorizedUpdate applies fn under the invocation lock. Rejections come back as an
// outcome with Applied false and a nil error.
func (o *Orchestrator) authorizedUpdate(ctx context.Context, runID, invocationID, step string, fn func(run *types.Run) error) (WriteOutcome, error) {
	var decision lock.Decision
	run, err := o.store.UpdateRun(ctx, runID, func(run *types.Run) error {
		if !run.IsActive() {
			return &RejectedError{RunID: runID, Step: step, Reason: ReasonRunFinished}
		}
		decision = lock.Authorize(run.LockInvocationID, invocationID)
		if !decision.Permits() {
			return &RejectedError{RunID: runID, Step: step, Reason: ReasonTokenMismatch}
		}
		return fn(run)
	})

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		o.logger.Warn("write rejected",
			slog.String("run_id", runID),
			slog.String("step", step),
			slog.String("reason", rejected.Reason))
		return WriteOutcome{Reason: rejected.Reason, Run: run}, nil
	}
	if err != nil {
		return WriteOutcome{}, err
	}
	if decision == lock.Warn {
		o.logger.Warn("write accepted without invocation token",
			slog.String("run_id", runID),
			slog.String("step", step))
	}
	return WriteOutcome{Applied: true, Warned: decision == lock.Warn, Run: run}, nil
}

// PatchStep deep-merges partial into one step of the run.
func (o *Orchestrator) PatchStep(ctx context.Context, runID, invocationID, step string, partial map[string]any) (WriteOutcome, error) {
	if _, ok := steps.Lookup(step); !ok {
		o.logger.Warn("write rejected", slog.String("run_id", runID), slog.String("step", step), slog.String("reason", ReasonUnknownStep))
		return WriteOutcome{Reason: ReasonUnknownStep}, nil
	}
	if err := schemas.ValidateStepPatch(partial); err != nil {
		o.logger.Warn("write rejected", slog.String("run_id", runID), slog.String("step", step), slog.String("error", err.Error()))
		return WriteOutcome{Reason: fmt.Sprintf("%s: %v", ReasonInvalidPatch, err)}, nil
	}

	out, err := o.authorizedUpdate(ctx, runID, invocationID, step, func(run *types.Run) error {
		run.Steps = merge.Steps(run.Steps, step, partial)
		if partial["status"] == string(types.StepStatusInProgress) {
			run.Steps[types.CurrentStepKey] = step
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("failed to patch step %s: %w", step, err)
	}
	if out.Applied {
		if status, ok := partial["status"].(string); ok {
			o.emit(ProgressEvent{RunID: runID, Step: step, Status: status, Message: fmt.Sprintf("%s %s", step, status)})
		}
	}
	return out, nil
}

// RunProgress is a run-level progress report. WarningCount is absolute when set.
type RunProgress struct {
	Metrics          map[string]any `json:"metrics,omitempty"`
	LocationWarnings map[string]any `json:"location_warnings,omitempty"`
	WarningCount     *int           `json:"warning_count,omitempty"`
}

// RecordProgress merges run-level counters.
func (o *Orchestrator) RecordProgress(ctx context.Context, runID, invocationID string, p RunProgress) (WriteOutcome, error) {
	if p.WarningCount != nil && *p.WarningCount < 0 {
		return WriteOutcome{Reason: ReasonInvalidPatch + ": warning_count must be >= 0"}, nil
	}
	out, err := o.authorizedUpdate(ctx, runID, invocationID, "", func(run *types.Run) error {
		if len(p.Metrics) > 0 {
			run.Metrics = merge.Merge(run.Metrics, p.Metrics)
		}
		if len(p.LocationWarnings) > 0 {
			run.LocationWarnings = merge.Merge(run.LocationWarnings, p.LocationWarnings)
		}
		if p.WarningCount != nil {
			run.WarningCount = *p.WarningCount
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("failed to record progress: %w", err)
	}
	return out, nil
}

// Finalization is the terminal state written by Finalize
type Finalization struct {
	Status          types.RunStatus `json:"status"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorDetails    map[string]any  `json:"error_details,omitempty"`
	CancelledByUser bool            `json:"cancelled_by_user,omitempty"`
}

// ErrInvalidStatus is returned by Finalize for a non-terminal or unknown status
var ErrInvalidStatus = errors.New("invalid final status")

// Finalize sets the terminal status of a run. Cron runs are then checked for auto-disable.
func (o *Orchestrator) Finalize(ctx context.Context, runID, invocationID string, f Finalization) (WriteOutcome, error) {
	if !f.Status.Valid() || !f.Status.IsTerminal() {
		return WriteOutcome{}, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}

	out, err := o.authorizedUpdate(ctx, runID, invocationID, "", func(run *types.Run) error {
		now := o.now()
		run.Status = f.Status
		run.FinishedAt = &now
		run.ErrorMessage = f.ErrorMessage
		if f.ErrorDetails != nil {
			run.ErrorDetails = types.CloneDocument(f.ErrorDetails)
		}
		if f.CancelledByUser || f.Status == types.RunStatusCancelled {
			run.CancelledByUser = run.CancelledByUser || f.CancelledByUser || run.CancelRequested
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("failed to finalize run: %w", err)
	}
	if !out.Applied {
		return out, nil
	}

	c := classify.Classify(out.Run)
	o.logger.Info("run finished",
		slog.String("run_id", runID),
		slog.String("status", string(out.Run.Status)),
		slog.String("display", string(c.DisplayStatus)))
	o.emit(ProgressEvent{RunID: runID, Status: string(out.Run.Status), Message: string(c.DisplayStatus)})

	if out.Run.TriggerType == types.TriggerCron {
		if _, err := o.EvaluateAutoDisable(ctx); err != nil {
			o.logger.Error("auto-disable evaluation failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	}
	return out, nil
}

// RequestCancel flags an active run for cancellation. The runner observes the flag at the
// next step boundary.
func (o *Orchestrator) RequestCancel(ctx context.Context, runID string) (WriteOutcome, error) {
	run, err := o.store.UpdateRun(ctx, runID, func(run *types.Run) error {
		if !run.IsActive() {
			return &RejectedError{RunID: runID, Reason: ReasonRunFinished}
		}
		run.CancelRequested = true
		return nil
	})
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return WriteOutcome{Reason: rejected.Reason, Run: run}, nil
	}
	if err != nil {
		return WriteOutcome{}, fmt.Errorf("failed to request cancel: %w", err)
	}
	o.logger.Info("cancel requested", slog.String("run_id", runID))
	return WriteOutcome{Applied: true, Run: run}, nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// GetRun returns a run or nil when it does not exist
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs most recent first
func (o *Orchestrator) ListRuns(ctx context.Context, filter db.RunFilter) ([]*types.Run, error) {
	runs, err := o.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return ordering.Sort(runs), nil
}

// LastRun returns the most recent run or nil
func (o *Orchestrator) LastRun(ctx context.Context) (*types.Run, error) {
	runs, err := o.store.ListRuns(ctx, db.RunFilter{Limit: lastRunWindow})
	if err != nil {
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	return ordering.Latest(runs), nil
}

// primaryRuns lists primary runs of every trigger type. A manual success resets the
// streak, manual failures never extend it.
func (o *Orchestrator) primaryRuns(ctx context.Context) ([]*types.Run, error) {
	runs, err := o.store.ListRuns(ctx, db.RunFilter{
		PrimaryOnly: true,
		Limit:       streakWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list primary runs: %w", err)
	}
	return runs, nil
}

// Streak computes the current failure streak of the recurring trigger since it was last
// enabled.
func (o *Orchestrator) Streak(ctx context.Context) (streak.Result, error) {
	cfg, err := o.triggerConfig(ctx)
	if err != nil {
		return streak.Result{}, err
	}
	runs, err := o.primaryRuns(ctx)
	if err != nil {
		return streak.Result{}, err
	}
	return streak.ComputeFor(cfg, runs), nil
}

// -----------------------------------------------------------------------------
// Trigger configuration and auto-disable
// -----------------------------------------------------------------------------

// TriggerConfig returns the trigger configuration, storing the defaults on first use.
func (o *Orchestrator) TriggerConfig(ctx context.Context) (*types.TriggerConfig, error) {
	return o.triggerConfig(ctx)
}

func (o *Orchestrator) triggerConfig(ctx context.Context) (*types.TriggerConfig, error) {
	cfg, err := o.store.GetTriggerConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger config: %w", err)
	}
	if cfg != nil {
		return cfg, nil
	}
	if err := o.store.InitTriggerConfig(ctx, types.DefaultTriggerConfig(o.maxAttempts, o.now())); err != nil {
		return nil, fmt.Errorf("failed to init trigger config: %w", err)
	}
	cfg, err = o.store.GetTriggerConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger config: %w", err)
	}
	if cfg == nil {
		return nil, errors.New("trigger config missing after init")
	}
	return cfg, nil
}

// TriggerStatus is the trigger configuration with its derived auto-disable view
type TriggerStatus struct {
	Config      *types.TriggerConfig `json:"config"`
	AutoDisable streak.Info          `json:"auto_disable"`
	Streak      streak.Result        `json:"streak"`
}

// TriggerStatus returns the configuration and whether an auto-disable banner applies.
func (o *Orchestrator) TriggerStatus(ctx context.Context) (TriggerStatus, error) {
	cfg, err := o.triggerConfig(ctx)
	if err != nil {
		return TriggerStatus{}, err
	}
	runs, err := o.primaryRuns(ctx)
	if err != nil {
		return TriggerStatus{}, err
	}
	return TriggerStatus{
		Config:      cfg,
		AutoDisable: streak.DeriveAutoDisableInfo(cfg, runs),
		Streak:      streak.ComputeFor(cfg, runs),
	}, nil
}

// TriggerUpdate is an admin change to the trigger configuration. Nil fields are unchanged.
type TriggerUpdate struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	MaxAttempts *int   `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=5"`
	Reason      string `json:"reason,omitempty" validate:"max=500"`
}

// SetTrigger applies an admin update. Re-enabling stamps enabled_at so failures before it
// no longer count toward a new auto-disable; the previous reason is kept for history.
func (o *Orchestrator) SetTrigger(ctx context.Context, u TriggerUpdate) (*types.TriggerConfig, error) {
	if _, err := o.triggerConfig(ctx); err != nil {
		return nil, err
	}
	cfg, err := o.store.UpdateTriggerConfig(ctx, func(cfg *types.TriggerConfig) error {
		now := o.now()
		if u.MaxAttempts != nil {
			cfg.MaxAttempts = types.ClampMaxAttempts(*u.MaxAttempts)
		}
		if u.Enabled != nil {
			switch {
			case *u.Enabled && !cfg.Enabled:
				cfg.Enabled = true
				cfg.EnabledAt = &now
			case !*u.Enabled && cfg.Enabled:
				cfg.Enabled = false
				cfg.DisabledAt = &now
				cfg.LastDisabledReason = streak.ManualDisableReason(u.Reason)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update trigger config: %w", err)
	}
	o.logger.Info("trigger updated",
		slog.Bool("enabled", cfg.Enabled),
		slog.Int("max_attempts", cfg.MaxAttempts))
	return cfg, nil
}

var errAlreadyDisabled = errors.New("trigger already disabled")

// EvaluateAutoDisable disables the trigger when the failure streak reaches max_attempts.
// The flip is a conditional update, so concurrent evaluations disable it once.
func (o *Orchestrator) EvaluateAutoDisable(ctx context.Context) (streak.Decision, error) {
	cfg, err := o.triggerConfig(ctx)
	if err != nil {
		return streak.Decision{}, err
	}
	runs, err := o.primaryRuns(ctx)
	if err != nil {
		return streak.Decision{}, err
	}

	d := streak.Evaluate(cfg, runs)
	if !d.Disable {
		return d, nil
	}

	_, err = o.store.UpdateTriggerConfig(ctx, func(c *types.TriggerConfig) error {
		if !c.Enabled {
			return errAlreadyDisabled
		}
		now := o.now()
		c.Enabled = false
		c.DisabledAt = &now
		c.LastDisabledReason = d.Reason
		return nil
	})
	if errors.Is(err, errAlreadyDisabled) {
		d.Disable = false
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("failed to disable trigger: %w", err)
	}

	latest := ""
	if len(d.Result.RunIDs) > 0 {
		latest = d.Result.RunIDs[0]
	}
	o.logger.Warn("cron trigger auto-disabled",
		slog.Int("streak", d.Streak),
		slog.Int("max_attempts", d.MaxAttempts),
		slog.String("latest_failed_run_id", latest))
	return d, nil
}

// -----------------------------------------------------------------------------
// Background execution
// -----------------------------------------------------------------------------

// Dispatch starts a run and executes it in the background. The run outlives ctx; use
// Close to stop background runs.
func (o *Orchestrator) Dispatch(ctx context.Context, trigger types.TriggerType, opts ...StartOption) StartResult {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return startError(errors.New("orchestrator is closed"))
	}
	o.wg.Add(1)
	o.mu.Unlock()

	res := o.Start(ctx, trigger, opts...)
	if res.Outcome != StartStarted {
		o.wg.Done()
		return res
	}

	go func() {
		defer o.wg.Done()
		if _, err := o.Runner().Execute(o.base, res.Grant()); err != nil {
			o.logger.Error("run execution failed", slog.String("run_id", res.RunID), slog.String("error", err.Error()))
		}
	}()
	return res
}

// Wait blocks until every dispatched run has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close interrupts background runs and waits for them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()
	o.wg.Wait()
}

// Runner returns a runner bound to this orchestrator.
func (o *Orchestrator) Runner() *Runner {
	return &Runner{orch: o}
}
