package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonathan/catalog-sync/internal/types"
)

// ErrRunNotFound is returned by UpdateRun when no run has the given id
var ErrRunNotFound = errors.New("run not found")

// Store backend names
const (
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
)

// RunFilter narrows ListRuns
type RunFilter struct {
	TriggerType types.TriggerType
	PrimaryOnly bool
	Limit       int
}

// Store persists runs and the trigger configuration.
//
// CreateRunIfIdle inserts run only when no run is running and otherwise returns the active
// run without writing. UpdateRun and UpdateTriggerConfig load the record, hand a copy to fn
// and write it back atomically; when fn returns an error nothing is written and the
// unchanged record is returned with that error. Getters return nil, nil when the record
// does not exist.
type Store interface {
	CreateRunIfIdle(ctx context.Context, run *types.Run) (*types.Run, error)
	GetRun(ctx context.Context, id string) (*types.Run, error)
	GetActiveRun(ctx context.Context) (*types.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*types.Run, error)
	UpdateRun(ctx context.Context, id string, fn func(run *types.Run) error) (*types.Run, error)

	GetTriggerConfig(ctx context.Context) (*types.TriggerConfig, error)
	InitTriggerConfig(ctx context.Context, cfg *types.TriggerConfig) error
	UpdateTriggerConfig(ctx context.Context, fn func(cfg *types.TriggerConfig) error) (*types.TriggerConfig, error)

	Backend() string
	Close() error
}

// Options selects and configures a backend for Open
type Options struct {
	Backend     string
	DatabaseURL string
	BoltPath    string
	Migrate     bool
}

// Open returns the configured backend. Postgres is migrated first when opts.Migrate is set.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendPostgres, "pg":
		pg, err := Connect(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if opts.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return pg, nil
	case BackendBolt, "":
		bs, err := OpenBolt(opts.BoltPath)
		if err != nil {
			return nil, err
		}
		return bs, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", opts.Backend)
	}
}

// prepareUpdate keeps fields that never change after creation and stamps updated_at.
func prepareUpdate(current, next *types.Run) {
	next.ID = current.ID
	next.StartedAt = current.StartedAt
	next.TriggerType = current.TriggerType
	next.Attempt = current.Attempt
	next.UpdatedAt = time.Now().UTC()
}

func matches(run *types.Run, filter RunFilter) bool {
	if filter.TriggerType != "" && run.TriggerType != filter.TriggerType {
		return false
	}
	if filter.PrimaryOnly && run.Attempt != types.PrimaryAttempt {
		return false
	}
	return true
}
