package types

import (
	"fmt"
	"time"
)

// StepName identifies one of the pipeline's known steps
type StepName string

// Known steps, in execution order
const (
	StepImportFTP     StepName = "import_ftp"
	StepParseMerge    StepName = "parse_merge"
	StepComputePrices StepName = "compute_prices"
	StepExportSheet   StepName = "export_sheet"
	StepUploadFiles   StepName = "upload_files"
)

// CurrentStepKey is the reserved entry of Steps naming the step in progress.
const CurrentStepKey = "current_step"

var knownSteps = []StepName{
	StepImportFTP,
	StepParseMerge,
	StepComputePrices,
	StepExportSheet,
	StepUploadFiles,
}

// KnownSteps returns the closed set of step names in execution order.
func KnownSteps() []StepName {
	out := make([]StepName, len(knownSteps))
	copy(out, knownSteps)
	return out
}

// IsKnownStep reports whether name belongs to the closed set of steps.
func IsKnownStep(name string) bool {
	for _, s := range knownSteps {
		if string(s) == name {
			return true
		}
	}
	return false
}

// StepStatus is the sub-status of one step within a run
type StepStatus string

// StepStatus constants
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusRetryDelay StepStatus = "retry_delay"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"

	// stepStatusSuccess is accepted on read as a synonym of completed.
	stepStatusSuccess StepStatus = "success"
)

// Step state keys owned by the orchestrator; everything else lands in Extra.
const (
	stepKeyStatus       = "status"
	stepKeyError        = "error"
	stepKeyRetryAttempt = "retry_attempt"
	stepKeyNextRetryAt  = "next_retry_at"
	stepKeyLastError    = "last_error"
)

// StepState is the typed view of one step entry. Only the fields valid for Status are
// populated; executor-supplied counters are kept in Extra.
type StepState struct {
	Status       StepStatus
	Error        string
	RetryAttempt int
	NextRetryAt  *time.Time
	LastError    string
	Extra        map[string]any
}

// IsDone reports whether the step completed successfully.
func (s StepState) IsDone() bool {
	return s.Status == StepStatusCompleted
}

// Validate checks that the fields present are consistent with the variant.
func (s StepState) Validate() error {
	switch s.Status {
	case StepStatusPending, StepStatusInProgress, StepStatusCompleted:
		return nil
	case StepStatusRetryDelay:
		if s.NextRetryAt == nil {
			return fmt.Errorf("retry_delay step is missing next_retry_at")
		}
		if s.RetryAttempt < 1 {
			return fmt.Errorf("retry_delay step needs retry_attempt >= 1")
		}
		return nil
	case StepStatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown step status: %q", s.Status)
	}
}

// Steps is the persisted steps document: step name -> step object, plus CurrentStepKey.
type Steps map[string]any

// CurrentStep returns the name stored under CurrentStepKey.
func (s Steps) CurrentStep() string {
	if v, ok := s[CurrentStepKey].(string); ok {
		return v
	}
	return ""
}

// Step decodes the entry for name. ok is false when the entry is absent or not an object.
func (s Steps) Step(name StepName) (StepState, bool) {
	raw, ok := s[string(name)].(map[string]any)
	if !ok {
		return StepState{}, false
	}
	return DecodeStepState(raw), true
}

// RetryDelay returns the first step (in execution order) currently waiting for a retry.
func (s Steps) RetryDelay() (StepName, StepState, bool) {
	for _, name := range knownSteps {
		if st, ok := s.Step(name); ok && st.Status == StepStatusRetryDelay {
			return name, st, true
		}
	}
	// Unknown keys may still carry retry_delay entries written by older executors.
	for key, v := range s {
		if key == CurrentStepKey {
			continue
		}
		raw, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if st := DecodeStepState(raw); st.Status == StepStatusRetryDelay && !IsKnownStep(key) {
			return StepName(key), st, true
		}
	}
	return "", StepState{}, false
}

// DecodeStepState builds the typed view of a raw step object. Null values count as absent.
func DecodeStepState(raw map[string]any) StepState {
	var st StepState
	if v, ok := raw[stepKeyStatus].(string); ok {
		st.Status = StepStatus(v)
		if st.Status == stepStatusSuccess {
			st.Status = StepStatusCompleted
		}
	}
	if v, ok := raw[stepKeyError].(string); ok {
		st.Error = v
	}
	st.RetryAttempt = intValue(raw[stepKeyRetryAttempt])
	if v, ok := raw[stepKeyNextRetryAt].(string); ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.NextRetryAt = &t
		}
	}
	if v, ok := raw[stepKeyLastError].(string); ok {
		st.LastError = v
	}
	for k, v := range raw {
		switch k {
		case stepKeyStatus, stepKeyError, stepKeyRetryAttempt, stepKeyNextRetryAt, stepKeyLastError:
			continue
		}
		if st.Extra == nil {
			st.Extra = make(map[string]any)
		}
		st.Extra[k] = v
	}
	return st
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// -----------------------------------------------------------------------------
// Variant patches
// -----------------------------------------------------------------------------

// PendingPatch resets a step to pending.
func PendingPatch() map[string]any {
	return map[string]any{stepKeyStatus: string(StepStatusPending)}
}

// InProgressPatch moves a step to in_progress. The retry counter is kept so a re-entered
// step still reports which attempt it is on; the schedule is cleared.
func InProgressPatch() map[string]any {
	return map[string]any{
		stepKeyStatus:      string(StepStatusInProgress),
		stepKeyNextRetryAt: nil,
		stepKeyError:       nil,
	}
}

// RetryDelayPatch parks a step until next.
func RetryDelayPatch(attempt int, next time.Time, lastErr string) map[string]any {
	return map[string]any{
		stepKeyStatus:       string(StepStatusRetryDelay),
		stepKeyRetryAttempt: attempt,
		stepKeyNextRetryAt:  next.UTC().Format(time.RFC3339Nano),
		stepKeyLastError:    lastErr,
	}
}

// CompletedPatch marks a step done, clears retry bookkeeping and records absolute counters.
func CompletedPatch(counters map[string]any) map[string]any {
	patch := map[string]any{
		stepKeyStatus:       string(StepStatusCompleted),
		stepKeyError:        nil,
		stepKeyRetryAttempt: nil,
		stepKeyNextRetryAt:  nil,
		stepKeyLastError:    nil,
	}
	for k, v := range counters {
		if _, reserved := patch[k]; reserved {
			continue
		}
		patch[k] = CloneValue(v)
	}
	return patch
}

// FailedPatch marks a step failed with errMsg; retry_attempt is kept for diagnosis.
func FailedPatch(errMsg string) map[string]any {
	return map[string]any{
		stepKeyStatus:      string(StepStatusFailed),
		stepKeyError:       errMsg,
		stepKeyNextRetryAt: nil,
	}
}
