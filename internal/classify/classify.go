// Package classify maps a run's persisted fields to the status and reason shown to operators.
package classify

import (
	"fmt"

	"github.com/jonathan/catalog-sync/internal/types"
)

// DisplayStatus is the human-facing status of a run
type DisplayStatus string

// DisplayStatus constants
const (
	DisplayCancelled          DisplayStatus = "Cancelled"
	DisplayFailed             DisplayStatus = "Failed"
	DisplayTimeout            DisplayStatus = "Timeout"
	DisplaySuccess            DisplayStatus = "Success"
	DisplaySuccessWithWarning DisplayStatus = "Success with warnings"
	DisplayRunning            DisplayStatus = "Running"
)

// Fallback reasons used when a run carries no error message.
const (
	FallbackFailedReason  = "Run failed without an error message"
	FallbackTimeoutReason = "Run exceeded its time limit"
	CancelledReason       = "Cancelled by user"
)

// Classification is the result of Classify
type Classification struct {
	DisplayStatus       DisplayStatus `json:"display_status"`
	DisplayReason       string        `json:"display_reason,omitempty"`
	IsCancelled         bool          `json:"is_cancelled"`
	IsRetryDelay        bool          `json:"is_retry_delay"`
	IsRunning           bool          `json:"is_running"`
	CountsAsCronFailure bool          `json:"counts_as_cron_failure"`
}

// Classify applies the fixed priority order. The error message is read only to fill the
// reason, never to pick the status.
func Classify(run *types.Run) Classification {
	c := Classification{
		IsRetryDelay:        HasRetryDelay(run.Steps),
		IsRunning:           run.Status == types.RunStatusRunning,
		CountsAsCronFailure: CountsAsCronFailure(run),
	}

	switch {
	case run.CancelledByUser:
		c.DisplayStatus = DisplayCancelled
		c.DisplayReason = CancelledReason
		c.IsCancelled = true
	case run.Status == types.RunStatusFailed:
		c.DisplayStatus = DisplayFailed
		c.DisplayReason = reasonOr(run.ErrorMessage, FallbackFailedReason)
	case run.Status == types.RunStatusTimeout:
		c.DisplayStatus = DisplayTimeout
		c.DisplayReason = reasonOr(run.ErrorMessage, FallbackTimeoutReason)
	case run.Status == types.RunStatusSuccess:
		c.DisplayStatus = DisplaySuccess
	case run.Status == types.RunStatusSuccessWithWarning:
		c.DisplayStatus = DisplaySuccessWithWarning
		c.DisplayReason = warningReason(run.WarningCount)
	case run.Status == types.RunStatusRunning:
		c.DisplayStatus = DisplayRunning
		if c.IsRetryDelay {
			if name, st, ok := run.Steps.RetryDelay(); ok && st.NextRetryAt != nil {
				c.DisplayReason = fmt.Sprintf("%s waiting to retry (attempt %d) until %s",
					name, st.RetryAttempt, st.NextRetryAt.UTC().Format("15:04:05 MST"))
			}
		}
	default:
		c.DisplayStatus = DisplayStatus(run.Status)
	}
	return c
}

// CountsAsCronFailure is the predicate shared with the streak evaluator: a primary cron
// run that ended failed or timed out and was not cancelled by a user.
func CountsAsCronFailure(run *types.Run) bool {
	return run.TriggerType == types.TriggerCron &&
		run.Attempt == types.PrimaryAttempt &&
		(run.Status == types.RunStatusFailed || run.Status == types.RunStatusTimeout) &&
		!run.CancelledByUser
}

// HasRetryDelay reports whether any step entry is waiting for a retry.
func HasRetryDelay(steps types.Steps) bool {
	_, _, ok := steps.RetryDelay()
	return ok
}

func reasonOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

func warningReason(n int) string {
	if n == 1 {
		return "Completed with 1 warning"
	}
	return fmt.Sprintf("Completed with %d warnings", n)
}
