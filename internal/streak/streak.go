// Package streak computes the consecutive-failure streak of the recurring trigger and
// decides when to disable it.
package streak

import (
	"fmt"
	"strings"

	"github.com/jonathan/catalog-sync/internal/classify"
	"github.com/jonathan/catalog-sync/internal/ordering"
	"github.com/jonathan/catalog-sync/internal/types"
)

// AutoDisableMarker prefixes last_disabled_reason when the trigger was turned off by the
// failure streak. Manual disables use ManualDisableMarker.
const (
	AutoDisableMarker   = "[auto-disabled]"
	ManualDisableMarker = "[manual]"
)

// Result of a streak walk
type Result struct {
	Streak     int      `json:"streak"`
	RunIDs     []string `json:"streak_run_ids"`
	ResetRunID string   `json:"reset_run_id,omitempty"`
}

// Compute walks primary runs most recent first. A success stops the walk and becomes the
// reset point; cron failures extend the streak; every other run is skipped.
func Compute(runs []*types.Run) Result {
	primary := make([]*types.Run, 0, len(runs))
	for _, r := range runs {
		if r != nil && r.Attempt == types.PrimaryAttempt {
			primary = append(primary, r)
		}
	}

	res := Result{RunIDs: []string{}}
	for _, r := range ordering.Sort(primary) {
		if r.Status.IsSuccess() {
			res.ResetRunID = r.ID
			break
		}
		if classify.CountsAsCronFailure(r) {
			res.Streak++
			res.RunIDs = append(res.RunIDs, r.ID)
		}
	}
	return res
}

// Since drops runs that started before the trigger was last re-enabled.
func Since(cfg *types.TriggerConfig, runs []*types.Run) []*types.Run {
	if cfg == nil || cfg.EnabledAt == nil {
		return runs
	}
	considered := make([]*types.Run, 0, len(runs))
	for _, r := range runs {
		if r != nil && !r.StartedAt.Before(*cfg.EnabledAt) {
			considered = append(considered, r)
		}
	}
	return considered
}

// ComputeFor is Compute over the runs the trigger's current enable window covers.
func ComputeFor(cfg *types.TriggerConfig, runs []*types.Run) Result {
	return Compute(Since(cfg, runs))
}

// IsAutoDisabled reports whether reason carries the auto-disable marker.
func IsAutoDisabled(reason string) bool {
	return strings.HasPrefix(strings.TrimSpace(reason), AutoDisableMarker)
}

// AutoDisableReason builds the tagged reason written when the streak disables the trigger.
func AutoDisableReason(streak, maxAttempts int) string {
	return fmt.Sprintf("%s %d consecutive cron failures (limit %d)", AutoDisableMarker, streak, maxAttempts)
}

// ManualDisableReason tags an operator-supplied reason.
func ManualDisableReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "disabled by operator"
	}
	return ManualDisableMarker + " " + reason
}

// Info is what an operator sees about an automatic disable
type Info struct {
	IsAutoDisabled    bool   `json:"is_auto_disabled"`
	Streak            int    `json:"streak"`
	MaxAttempts       int    `json:"max_attempts"`
	StillExceeded     bool   `json:"still_exceeded"`
	ShouldShowBanner  bool   `json:"should_show_banner"`
	LatestFailedRunID string `json:"latest_failed_run_id,omitempty"`
}

// DeriveAutoDisableInfo recomputes the streak for an auto-disabled trigger over the same
// window Evaluate uses. A manually
// disabled or enabled trigger yields an Info with IsAutoDisabled false.
func DeriveAutoDisableInfo(cfg *types.TriggerConfig, runs []*types.Run) Info {
	info := Info{MaxAttempts: types.ClampMaxAttempts(cfg.MaxAttempts)}
	if cfg.Enabled || !IsAutoDisabled(cfg.LastDisabledReason) {
		return info
	}

	res := ComputeFor(cfg, runs)
	info.IsAutoDisabled = true
	info.Streak = res.Streak
	info.StillExceeded = res.Streak >= info.MaxAttempts
	info.ShouldShowBanner = true
	if len(res.RunIDs) > 0 {
		info.LatestFailedRunID = res.RunIDs[0]
	}
	return info
}

// Decision is the outcome of Evaluate
type Decision struct {
	Disable     bool
	Streak      int
	MaxAttempts int
	Reason      string
	Result      Result
}

// Evaluate decides whether an enabled trigger must be disabled. Runs started before the
// last re-enable are ignored so an operator's re-enable is not undone by stale failures.
func Evaluate(cfg *types.TriggerConfig, runs []*types.Run) Decision {
	maxAttempts := types.ClampMaxAttempts(cfg.MaxAttempts)
	res := ComputeFor(cfg, runs)
	d := Decision{Streak: res.Streak, MaxAttempts: maxAttempts, Result: res}
	if cfg.Enabled && res.Streak >= maxAttempts {
		d.Disable = true
		d.Reason = AutoDisableReason(res.Streak, maxAttempts)
	}
	return d
}
