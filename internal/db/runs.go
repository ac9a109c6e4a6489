package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jonathan/catalog-sync/internal/types"
)

// runLockKey is the advisory lock taken while deciding whether a run may start.
const runLockKey int64 = 0x636174616c6f67 // "catalog"

const pgUniqueViolation = "23505"

const selectRunSQL = `SELECT id, started_at, finished_at, status, trigger_type, attempt,
        error_message, error_details, cancel_requested, cancelled_by_user, warning_count,
        steps, metrics, location_warnings, lock_invocation_id, updated_at
 FROM pipeline_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.Run, error) {
	var (
		run                        types.Run
		status, trigger            string
		errorMessage, invocationID *string
		detailsJSON, stepsJSON     []byte
		metricsJSON, locationJSON  []byte
	)
	err := row.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &status, &trigger, &run.Attempt,
		&errorMessage, &detailsJSON, &run.CancelRequested, &run.CancelledByUser, &run.WarningCount,
		&stepsJSON, &metricsJSON, &locationJSON, &invocationID, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = types.RunStatus(status)
	run.TriggerType = types.TriggerType(trigger)
	if errorMessage != nil {
		run.ErrorMessage = *errorMessage
	}
	if invocationID != nil {
		run.LockInvocationID = *invocationID
	}
	if err := unmarshalDoc(detailsJSON, &run.ErrorDetails); err != nil {
		return nil, fmt.Errorf("failed to decode error_details: %w", err)
	}
	var steps map[string]any
	if err := unmarshalDoc(stepsJSON, &steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	run.Steps = types.Steps(steps)
	if err := unmarshalDoc(metricsJSON, &run.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}
	if err := unmarshalDoc(locationJSON, &run.LocationWarnings); err != nil {
		return nil, fmt.Errorf("failed to decode location_warnings: %w", err)
	}
	return &run, nil
}

func unmarshalDoc(raw []byte, into *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

func marshalDoc(doc map[string]any) ([]byte, error) {
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateRunIfIdle inserts run unless another run is running. The advisory lock serializes
// concurrent starters; the partial unique index catches anything that slips past it.
func (db *DB) CreateRunIfIdle(ctx context.Context, run *types.Run) (*types.Run, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, runLockKey); err != nil {
		return nil, fmt.Errorf("failed to take run lock: %w", err)
	}

	active, err := scanRun(tx.QueryRow(ctx, selectRunSQL+` WHERE status = 'running' ORDER BY started_at DESC LIMIT 1`))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check active run: %w", err)
	}
	if active != nil {
		return active, nil
	}

	if err := insertRun(ctx, tx, run); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			_ = tx.Rollback(ctx)
			winner, gerr := db.GetActiveRun(ctx)
			if gerr != nil {
				return nil, gerr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit run: %w", err)
	}
	return nil, nil
}

func insertRun(ctx context.Context, tx pgx.Tx, run *types.Run) error {
	details, err := json.Marshal(run.ErrorDetails)
	if err != nil {
		return fmt.Errorf("failed to marshal error_details: %w", err)
	}
	steps, err := marshalDoc(run.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	metrics, err := marshalDoc(run.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	locations, err := marshalDoc(run.LocationWarnings)
	if err != nil {
		return fmt.Errorf("failed to marshal location_warnings: %w", err)
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO pipeline_runs (id, started_at, finished_at, status, trigger_type, attempt,
		        error_message, error_details, cancel_requested, cancelled_by_user, warning_count,
		        steps, metrics, location_warnings, lock_invocation_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.StartedAt, run.FinishedAt, string(run.Status), string(run.TriggerType), run.Attempt,
		nullString(run.ErrorMessage), details, run.CancelRequested, run.CancelledByUser, run.WarningCount,
		steps, metrics, locations, nullString(run.LockInvocationID), run.UpdatedAt,
	)
	return err
}

// GetRun retrieves a run by id
func (db *DB) GetRun(ctx context.Context, id string) (*types.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, selectRunSQL+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetActiveRun returns the running run, if any
func (db *DB) GetActiveRun(ctx context.Context) (*types.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, selectRunSQL+` WHERE status = 'running' ORDER BY started_at DESC LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs most recent first, optionally filtered
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]*types.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.TriggerType != "" {
		args = append(args, string(filter.TriggerType))
		where = append(where, fmt.Sprintf("trigger_type = $%d", len(args)))
	}
	if filter.PrimaryOnly {
		args = append(args, types.PrimaryAttempt)
		where = append(where, fmt.Sprintf("attempt = $%d", len(args)))
	}

	query := selectRunSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC NULLS FIRST, started_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// UpdateRun locks the row, applies fn to a copy and writes the result back.
func (db *DB) UpdateRun(ctx context.Context, id string, fn func(run *types.Run) error) (*types.Run, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanRun(tx.QueryRow(ctx, selectRunSQL+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return current, err
	}
	prepareUpdate(current, next)

	details, err := json.Marshal(next.ErrorDetails)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error_details: %w", err)
	}
	steps, err := marshalDoc(next.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal steps: %w", err)
	}
	metrics, err := marshalDoc(next.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	locations, err := marshalDoc(next.LocationWarnings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal location_warnings: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE pipeline_runs
		 SET finished_at = $2, status = $3, error_message = $4, error_details = $5,
		     cancel_requested = $6, cancelled_by_user = $7, warning_count = $8,
		     steps = $9, metrics = $10, location_warnings = $11, lock_invocation_id = $12,
		     updated_at = $13
		 WHERE id = $1`,
		next.ID, next.FinishedAt, string(next.Status), nullString(next.ErrorMessage), details,
		next.CancelRequested, next.CancelledByUser, next.WarningCount,
		steps, metrics, locations, nullString(next.LockInvocationID), next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit run update: %w", err)
	}
	return next, nil
}
