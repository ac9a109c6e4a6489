package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/catalog-sync/internal/types"
)

const selectTriggerConfigSQL = `SELECT enabled, max_attempts, last_disabled_reason, disabled_at, enabled_at, updated_at
 FROM trigger_config WHERE id = 1`

func scanTriggerConfig(row rowScanner) (*types.TriggerConfig, error) {
	var (
		cfg    types.TriggerConfig
		reason *string
	)
	if err := row.Scan(&cfg.Enabled, &cfg.MaxAttempts, &reason, &cfg.DisabledAt, &cfg.EnabledAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	if reason != nil {
		cfg.LastDisabledReason = *reason
	}
	return &cfg, nil
}

// GetTriggerConfig retrieves the trigger configuration row
func (db *DB) GetTriggerConfig(ctx context.Context) (*types.TriggerConfig, error) {
	cfg, err := scanTriggerConfig(db.pool.QueryRow(ctx, selectTriggerConfigSQL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get trigger config: %w", err)
	}
	return cfg, nil
}

// InitTriggerConfig stores cfg unless a configuration already exists
func (db *DB) InitTriggerConfig(ctx context.Context, cfg *types.TriggerConfig) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO trigger_config (id, enabled, max_attempts, last_disabled_reason, disabled_at, enabled_at, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		cfg.Enabled, types.ClampMaxAttempts(cfg.MaxAttempts), nullString(cfg.LastDisabledReason),
		cfg.DisabledAt, cfg.EnabledAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to init trigger config: %w", err)
	}
	return nil
}

// UpdateTriggerConfig applies fn to the locked configuration row, seeding defaults first.
func (db *DB) UpdateTriggerConfig(ctx context.Context, fn func(cfg *types.TriggerConfig) error) (*types.TriggerConfig, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO trigger_config (id, enabled, max_attempts) VALUES (1, TRUE, $1) ON CONFLICT (id) DO NOTHING`,
		types.DefaultMaxAttempts,
	); err != nil {
		return nil, fmt.Errorf("failed to seed trigger config: %w", err)
	}

	current, err := scanTriggerConfig(tx.QueryRow(ctx, selectTriggerConfigSQL+` FOR UPDATE`))
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger config: %w", err)
	}

	next := *current
	if err := fn(&next); err != nil {
		return current, err
	}
	next.MaxAttempts = types.ClampMaxAttempts(next.MaxAttempts)
	next.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx,
		`UPDATE trigger_config
		 SET enabled = $1, max_attempts = $2, last_disabled_reason = $3,
		     disabled_at = $4, enabled_at = $5, updated_at = $6
		 WHERE id = 1`,
		next.Enabled, next.MaxAttempts, nullString(next.LastDisabledReason),
		next.DisabledAt, next.EnabledAt, next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update trigger config: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit trigger config: %w", err)
	}
	return &next, nil
}
