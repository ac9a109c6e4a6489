// Package lock implements the invocation-token protocol that keeps two executions from
// writing to the same run.
package lock

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/catalog-sync/internal/types"
)

// Decision is the result of authorizing a write against a run's stored token
type Decision int

const (
	// Allow means the presented token matches the stored one.
	Allow Decision = iota
	// Warn means one side has no token; the write goes through but is logged.
	Warn
	// Reject means a different invocation owns the run; the write is dropped.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Warn:
		return "warn"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Permits reports whether the write may be applied.
func (d Decision) Permits() bool {
	return d != Reject
}

// Authorize compares the token stored on a run with the one presented by a writer.
// A missing token on either side never rejects by itself.
func Authorize(stored, presented string) Decision {
	stored = strings.TrimSpace(stored)
	presented = strings.TrimSpace(presented)
	if stored == "" || presented == "" {
		return Warn
	}
	if stored != presented {
		return Reject
	}
	return Allow
}

// NewInvocationID issues a fresh invocation token.
func NewInvocationID() string {
	return uuid.NewString()
}

// Grant is handed to the single writer of a newly created run
type Grant struct {
	RunID        string
	InvocationID string
}

// BusyError indicates another run is already active
type BusyError struct {
	RunID string
	Run   *types.Run
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("run already active: %s", e.RunID)
}

// RunCreator inserts a run only when no other run is active. It returns the active run
// (and does not insert) when one exists.
type RunCreator interface {
	CreateRunIfIdle(ctx context.Context, run *types.Run) (active *types.Run, err error)
}

// Acquire creates run under a fresh invocation token. If another run is active the
// result is a *BusyError naming it and nothing is written.
func Acquire(ctx context.Context, creator RunCreator, run *types.Run) (Grant, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.LockInvocationID == "" {
		run.LockInvocationID = NewInvocationID()
	}

	active, err := creator.CreateRunIfIdle(ctx, run)
	if err != nil {
		return Grant{}, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if active != nil {
		return Grant{}, &BusyError{RunID: active.ID, Run: active}
	}
	return Grant{RunID: run.ID, InvocationID: run.LockInvocationID}, nil
}
