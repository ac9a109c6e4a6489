// Package retry decides whether a failed step is parked in retry_delay or marked failed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonathan/catalog-sync/internal/types"
)

// Policy returns the wait before retry number attempt (1-based), or ok=false once the
// retry budget is spent.
type Policy interface {
	NextDelay(attempt int) (delay time.Duration, ok bool)
}

// Default policy values
const (
	DefaultInitialDelay = 30 * time.Second
	DefaultMaxDelay     = 10 * time.Minute
	DefaultMaxRetries   = 3
)

// BoundedExponential doubles the delay per attempt up to MaxDelay and allows at most
// MaxRetries retries.
type BoundedExponential struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() BoundedExponential {
	return BoundedExponential{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		MaxRetries:   DefaultMaxRetries,
	}
}

// NextDelay implements Policy.
func (p BoundedExponential) NextDelay(attempt int) (time.Duration, bool) {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > p.MaxRetries {
		return 0, false
	}
	initial := p.InitialDelay
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		if delay >= maxDelay {
			return maxDelay, true
		}
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay, true
}

// TransientError marks a step failure as worth retrying
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// Transient wraps err so IsTransient reports true. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// IsTransient reports whether err is retryable. Deadline and cancellation errors never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// Outcome of a failure decision
type Outcome string

// Outcome constants
const (
	OutcomeRetry     Outcome = "retry"
	OutcomeExhausted Outcome = "exhausted"
)

// Decision describes what to write to the failed step and whether to try again
type Decision struct {
	Outcome     Outcome
	Attempt     int
	NextRetryAt time.Time
	Patch       map[string]any
}

// Decide handles a failure of a step whose current state is current. retryable is the
// step's registry flag; non-retryable steps and non-transient errors exhaust immediately.
func Decide(policy Policy, current types.StepState, retryable bool, err error, now time.Time) Decision {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	attempt := current.RetryAttempt + 1

	if !retryable || !IsTransient(err) {
		return Decision{Outcome: OutcomeExhausted, Attempt: current.RetryAttempt, Patch: types.FailedPatch(msg)}
	}

	delay, ok := policy.NextDelay(attempt)
	if !ok {
		patch := types.FailedPatch(fmt.Sprintf("retries exhausted after %d attempts: %s", current.RetryAttempt, msg))
		patch["last_error"] = msg
		return Decision{Outcome: OutcomeExhausted, Attempt: current.RetryAttempt, Patch: patch}
	}

	next := now.Add(delay)
	return Decision{
		Outcome:     OutcomeRetry,
		Attempt:     attempt,
		NextRetryAt: next,
		Patch:       types.RetryDelayPatch(attempt, next, msg),
	}
}

// Wait blocks for d or until ctx is done. Callers derive d from their own clock.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
