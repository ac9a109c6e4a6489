package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonathan/catalog-sync/internal/lock"
	"github.com/jonathan/catalog-sync/internal/pipeline/steps"
	"github.com/jonathan/catalog-sync/internal/retry"
	"github.com/jonathan/catalog-sync/internal/types"
)

// finalizeTimeout bounds the terminal write made after the run context is gone.
const finalizeTimeout = 10 * time.Second

// InterruptedMessage is the error message of a run stopped by shutdown.
const InterruptedMessage = "run interrupted before completion"

// ErrSuperseded is returned when the run's lock passed to another invocation or the run
// was finalized by someone else. The runner stops without writing.
var ErrSuperseded = errors.New("run superseded by another invocation")

// Runner walks a started run through the registered steps
type Runner struct {
	orch *Orchestrator
}

// Execute runs every step of the run named by grant and finalizes it. The returned run
// is the final stored state.
func (r *Runner) Execute(ctx context.Context, grant lock.Grant) (*types.Run, error) {
	o := r.orch
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	logger := o.logger.With(slog.String("run_id", grant.RunID))
	run, err := o.store.GetRun(ctx, grant.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", grant.RunID, errNotFound)
	}

	for _, def := range steps.Ordered() {
		if st, ok := run.Steps.Step(def.Name); ok && st.IsDone() {
			continue
		}
		run, err = r.executeStep(ctx, logger, grant, run, def)
		if err != nil {
			return r.stop(ctx, logger, grant, run, def.Name, err)
		}
	}

	status := types.RunStatusSuccess
	if run.WarningCount > 0 {
		status = types.RunStatusSuccessWithWarning
	}
	return r.finalize(ctx, grant, Finalization{Status: status})
}

var errNotFound = errors.New("run not found")

// stepFailure carries the error that exhausted a step.
type stepFailure struct {
	step    types.StepName
	attempt int
	err     error
}

func (e *stepFailure) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.step, e.err)
}

func (e *stepFailure) Unwrap() error {
	return e.err
}

var errCancelRequested = errors.New("cancel requested")

// executeStep runs one step until it completes, exhausts its retries, or the run stops.
func (r *Runner) executeStep(ctx context.Context, logger *slog.Logger, grant lock.Grant, run *types.Run, def steps.StepDefinition) (*types.Run, error) {
	o := r.orch
	name := string(def.Name)

	for {
		current, err := r.refresh(ctx, grant)
		if err != nil {
			return run, err
		}
		run = current
		if run.CancelRequested {
			return run, errCancelRequested
		}
		if err := steps.ValidateDependencies(run.Steps, def.Name); err != nil {
			return run, &stepFailure{step: def.Name, err: err}
		}

		state, _ := run.Steps.Step(def.Name)
		run, err = r.patch(ctx, grant, name, types.InProgressPatch())
		if err != nil {
			return run, err
		}
		logger.Info("step started", slog.String("step", name), slog.Int("retry_attempt", state.RetryAttempt))

		ex, err := o.executors.For(def.Name)
		var res *steps.Result
		if err == nil {
			sc := steps.NewStepContext(grant.RunID, def.Name, run.Attempt, state, func(ctx context.Context, counters map[string]any) error {
				_, err := r.patch(ctx, grant, name, counters)
				return err
			})
			started := time.Now()
			res, err = ex.Execute(ctx, sc)
			if err == nil {
				return r.complete(ctx, logger, grant, name, res, time.Since(started))
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return run, ctxErr
		}

		d := retry.Decide(o.policy, state, def.Retryable, err, o.now())
		if run, perr := r.patch(ctx, grant, name, d.Patch); perr != nil {
			return run, perr
		}
		if d.Outcome == retry.OutcomeExhausted {
			logger.Error("step failed", slog.String("step", name), slog.String("error", err.Error()))
			return run, &stepFailure{step: def.Name, attempt: d.Attempt, err: err}
		}

		logger.Warn("step waiting to retry",
			slog.String("step", name),
			slog.Int("retry_attempt", d.Attempt),
			slog.Time("next_retry_at", d.NextRetryAt),
			slog.String("error", err.Error()))
		if err := r.waitRetry(ctx, grant, d.NextRetryAt); err != nil {
			return run, err
		}
	}
}

// waitRetry sleeps until next on the orchestrator clock, rechecking cancel_requested every
// cancelPoll so a cancel does not sit out the whole backoff.
func (r *Runner) waitRetry(ctx context.Context, grant lock.Grant, next time.Time) error {
	o := r.orch
	for {
		remaining := next.Sub(o.now())
		if remaining <= 0 {
			return ctx.Err()
		}
		if err := retry.Wait(ctx, min(remaining, o.cancelPoll)); err != nil {
			return err
		}
		run, err := r.refresh(ctx, grant)
		if err != nil {
			return err
		}
		if run.CancelRequested {
			return errCancelRequested
		}
	}
}

func (r *Runner) complete(ctx context.Context, logger *slog.Logger, grant lock.Grant, name string, res *steps.Result, elapsed time.Duration) (*types.Run, error) {
	if res == nil {
		res = &steps.Result{}
	}
	counters := types.CloneDocument(res.Counters)
	if counters == nil {
		counters = map[string]any{}
	}
	if _, ok := counters["duration_ms"]; !ok {
		counters["duration_ms"] = elapsed.Milliseconds()
	}
	run, err := r.patch(ctx, grant, name, types.CompletedPatch(counters))
	if err != nil {
		return run, err
	}

	if len(res.Metrics) > 0 || len(res.LocationWarnings) > 0 || res.Warnings > 0 {
		p := RunProgress{Metrics: res.Metrics, LocationWarnings: res.LocationWarnings}
		if res.Warnings > 0 {
			total := run.WarningCount + res.Warnings
			p.WarningCount = &total
		}
		out, err := r.orch.RecordProgress(ctx, grant.RunID, grant.InvocationID, p)
		if err != nil {
			return run, err
		}
		if !out.Applied {
			return out.Run, rejectedWrite("progress", name, out.Reason)
		}
		run = out.Run
	}
	logger.Info("step completed", slog.String("step", name), slog.Int64("duration_ms", elapsed.Milliseconds()))
	return run, nil
}

// patch writes a step patch. A rejection becomes an error for stop.
func (r *Runner) patch(ctx context.Context, grant lock.Grant, step string, partial map[string]any) (*types.Run, error) {
	out, err := r.orch.PatchStep(ctx, grant.RunID, grant.InvocationID, step, partial)
	if err != nil {
		return out.Run, err
	}
	if !out.Applied {
		return out.Run, rejectedWrite("patch", step, out.Reason)
	}
	return out.Run, nil
}

// rejectedWrite maps a lost lock or a finished run to ErrSuperseded. Any other reason
// means this invocation wrote something invalid.
func rejectedWrite(kind, step, reason string) error {
	if reason == ReasonTokenMismatch || reason == ReasonRunFinished {
		return ErrSuperseded
	}
	return fmt.Errorf("step %s %s rejected: %s", step, kind, reason)
}

// refresh reloads the run and checks this invocation still owns it.
func (r *Runner) refresh(ctx context.Context, grant lock.Grant) (*types.Run, error) {
	run, err := r.orch.store.GetRun(ctx, grant.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", grant.RunID, errNotFound)
	}
	if !run.IsActive() || !lock.Authorize(run.LockInvocationID, grant.InvocationID).Permits() {
		return run, ErrSuperseded
	}
	return run, nil
}

// stop finalizes the run after step ended it early. Only a superseded invocation leaves
// the run as it is.
func (r *Runner) stop(ctx context.Context, logger *slog.Logger, grant lock.Grant, run *types.Run, step types.StepName, cause error) (*types.Run, error) {
	var failure *stepFailure
	switch {
	case errors.Is(cause, ErrSuperseded):
		logger.Warn("run superseded, stopping")
		return run, nil
	case errors.Is(cause, errCancelRequested):
		logger.Info("run cancelled at step boundary")
		return r.finalize(ctx, grant, Finalization{
			Status:          types.RunStatusCancelled,
			ErrorMessage:    "cancelled by user",
			CancelledByUser: true,
		})
	case errors.Is(cause, context.DeadlineExceeded):
		return r.finalize(ctx, grant, Finalization{
			Status:       types.RunStatusTimeout,
			ErrorMessage: "run exceeded its time limit",
			ErrorDetails: stepDetails(step, cause),
		})
	case errors.Is(cause, context.Canceled):
		return r.finalize(ctx, grant, Finalization{
			Status:       types.RunStatusFailed,
			ErrorMessage: InterruptedMessage,
			ErrorDetails: stepDetails(step, cause),
		})
	case errors.As(cause, &failure):
		return r.finalize(ctx, grant, Finalization{
			Status:       types.RunStatusFailed,
			ErrorMessage: failure.Error(),
			ErrorDetails: map[string]any{
				"step":          string(failure.step),
				"error":         failure.err.Error(),
				"retry_attempt": failure.attempt,
			},
		})
	default:
		logger.Error("run stopped", slog.String("step", string(step)), slog.String("error", cause.Error()))
		final, err := r.finalize(ctx, grant, Finalization{
			Status:       types.RunStatusFailed,
			ErrorMessage: cause.Error(),
			ErrorDetails: stepDetails(step, cause),
		})
		if err != nil {
			return run, errors.Join(cause, err)
		}
		if final == nil {
			return run, cause
		}
		return final, nil
	}
}

func stepDetails(step types.StepName, cause error) map[string]any {
	return map[string]any{"step": string(step), "error": cause.Error()}
}

// finalize writes the terminal state even when ctx is already done.
func (r *Runner) finalize(ctx context.Context, grant lock.Grant, f Finalization) (*types.Run, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	out, err := r.orch.Finalize(wctx, grant.RunID, grant.InvocationID, f)
	if err != nil {
		return out.Run, err
	}
	return out.Run, nil
}
