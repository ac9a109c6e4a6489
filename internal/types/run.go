// Package types provides the run, step and trigger records shared by the catalog-sync
// packages (kept free of storage imports so the pure packages can use them).
package types

import (
	"time"
)

// RunStatus is the lifecycle status of a pipeline run
type RunStatus string

// RunStatus constants
const (
	RunStatusRunning            RunStatus = "running"
	RunStatusSuccess            RunStatus = "success"
	RunStatusSuccessWithWarning RunStatus = "success_with_warning"
	RunStatusFailed             RunStatus = "failed"
	RunStatusTimeout            RunStatus = "timeout"
	RunStatusCancelled          RunStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// IsSuccess reports whether the status is one of the success variants.
func (s RunStatus) IsSuccess() bool {
	return s == RunStatusSuccess || s == RunStatusSuccessWithWarning
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusSuccess, RunStatusSuccessWithWarning,
		RunStatusFailed, RunStatusTimeout, RunStatusCancelled:
		return true
	}
	return false
}

// TriggerType identifies what started a run
type TriggerType string

// TriggerType constants
const (
	TriggerCron   TriggerType = "cron"
	TriggerManual TriggerType = "manual"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	return t == TriggerCron || t == TriggerManual
}

// PrimaryAttempt marks the first scheduler-level occurrence of a trigger.
const PrimaryAttempt = 1

// Run represents one execution of the pipeline
type Run struct {
	ID               string         `json:"id"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	Status           RunStatus      `json:"status"`
	TriggerType      TriggerType    `json:"trigger_type"`
	Attempt          int            `json:"attempt"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ErrorDetails     map[string]any `json:"error_details,omitempty"`
	CancelRequested  bool           `json:"cancel_requested"`
	CancelledByUser  bool           `json:"cancelled_by_user"`
	WarningCount     int            `json:"warning_count"`
	Steps            Steps          `json:"steps"`
	Metrics          map[string]any `json:"metrics,omitempty"`
	LocationWarnings map[string]any `json:"location_warnings,omitempty"`
	LockInvocationID string         `json:"lock_invocation_id,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// IsActive reports whether the run has not finished yet.
func (r *Run) IsActive() bool {
	return r.Status == RunStatusRunning && r.FinishedAt == nil
}

// IsPrimary reports whether the run is the first occurrence of its trigger.
func (r *Run) IsPrimary() bool {
	return r.Attempt == PrimaryAttempt
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	out.ErrorDetails = CloneDocument(r.ErrorDetails)
	out.Steps = Steps(CloneDocument(r.Steps))
	out.Metrics = CloneDocument(r.Metrics)
	out.LocationWarnings = CloneDocument(r.LocationWarnings)
	return &out
}

// NewRun builds a running record with every known step pending.
func NewRun(id string, trigger TriggerType, attempt int, invocationID string, now time.Time) *Run {
	if attempt < PrimaryAttempt {
		attempt = PrimaryAttempt
	}
	steps := make(Steps, len(KnownSteps()))
	for _, name := range KnownSteps() {
		steps[string(name)] = map[string]any{"status": string(StepStatusPending)}
	}
	return &Run{
		ID:               id,
		StartedAt:        now,
		Status:           RunStatusRunning,
		TriggerType:      trigger,
		Attempt:          attempt,
		Steps:            steps,
		Metrics:          map[string]any{},
		LocationWarnings: map[string]any{},
		LockInvocationID: invocationID,
		UpdatedAt:        now,
	}
}

// CloneDocument deep-copies a JSON-shaped map.
func CloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value (maps and slices are copied, scalars returned).
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneDocument(t)
	case Steps:
		return Steps(CloneDocument(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
