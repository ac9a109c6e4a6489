package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jonathan/catalog-sync/internal/ordering"
	"github.com/jonathan/catalog-sync/internal/types"
)

var (
	bucketRuns       = []byte("pipeline_runs")
	bucketMeta       = []byte("meta")
	keyActiveRun     = []byte("active_run")
	keyTriggerConfig = []byte("trigger_config")
)

// BoltStore keeps runs in a single bbolt file. bbolt allows one writer transaction at a
// time, which is what makes CreateRunIfIdle atomic.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the store file at path
func OpenBolt(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init bolt store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Backend implements Store.
func (s *BoltStore) Backend() string {
	return BackendBolt
}

// Close closes the underlying file
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func getRun(tx *bolt.Tx, id string) (*types.Run, error) {
	raw := tx.Bucket(bucketRuns).Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	var run types.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &run, nil
}

func putRun(tx *bolt.Tx, run *types.Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
	}
	return tx.Bucket(bucketRuns).Put([]byte(run.ID), raw)
}

func activeRun(tx *bolt.Tx) (*types.Run, error) {
	id := tx.Bucket(bucketMeta).Get(keyActiveRun)
	if id == nil {
		return nil, nil
	}
	run, err := getRun(tx, string(id))
	if err != nil || run == nil || run.Status != types.RunStatusRunning {
		return nil, err
	}
	return run, nil
}

// CreateRunIfIdle implements Store.
func (s *BoltStore) CreateRunIfIdle(ctx context.Context, run *types.Run) (*types.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var active *types.Run
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := activeRun(tx)
		if err != nil {
			return err
		}
		if current != nil {
			active = current
			return nil
		}
		if existing := tx.Bucket(bucketRuns).Get([]byte(run.ID)); existing != nil {
			return fmt.Errorf("run %s already exists", run.ID)
		}
		if run.UpdatedAt.IsZero() {
			run.UpdatedAt = time.Now().UTC()
		}
		if err := putRun(tx, run); err != nil {
			return err
		}
		if run.Status == types.RunStatusRunning {
			return tx.Bucket(bucketMeta).Put(keyActiveRun, []byte(run.ID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return active, nil
}

// GetRun implements Store.
func (s *BoltStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	var run *types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		run, err = getRun(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetActiveRun implements Store.
func (s *BoltStore) GetActiveRun(ctx context.Context) (*types.Run, error) {
	var run *types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		run, err = activeRun(tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return run, nil
}

// ListRuns implements Store.
func (s *BoltStore) ListRuns(ctx context.Context, filter RunFilter) ([]*types.Run, error) {
	var runs []*types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if matches(&run, filter) {
				runs = append(runs, &run)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs = ordering.Sort(runs)
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// UpdateRun implements Store.
func (s *BoltStore) UpdateRun(ctx context.Context, id string, fn func(run *types.Run) error) (*types.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		current, next *types.Run
		fnErr         error
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		current, err = getRun(tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrRunNotFound
		}
		next = current.Clone()
		if fnErr = fn(next); fnErr != nil {
			return fnErr
		}
		prepareUpdate(current, next)
		if err := putRun(tx, next); err != nil {
			return err
		}
		if next.Status != types.RunStatusRunning {
			meta := tx.Bucket(bucketMeta)
			if string(meta.Get(keyActiveRun)) == id {
				return meta.Delete(keyActiveRun)
			}
		}
		return nil
	})
	switch {
	case fnErr != nil:
		return current, fnErr
	case errors.Is(err, ErrRunNotFound):
		return nil, ErrRunNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	return next, nil
}

func getTriggerConfig(tx *bolt.Tx) (*types.TriggerConfig, error) {
	raw := tx.Bucket(bucketMeta).Get(keyTriggerConfig)
	if raw == nil {
		return nil, nil
	}
	var cfg types.TriggerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode trigger config: %w", err)
	}
	return &cfg, nil
}

func putTriggerConfig(tx *bolt.Tx, cfg *types.TriggerConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode trigger config: %w", err)
	}
	return tx.Bucket(bucketMeta).Put(keyTriggerConfig, raw)
}

// GetTriggerConfig implements Store.
func (s *BoltStore) GetTriggerConfig(ctx context.Context) (*types.TriggerConfig, error) {
	var cfg *types.TriggerConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		cfg, err = getTriggerConfig(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// InitTriggerConfig implements Store.
func (s *BoltStore) InitTriggerConfig(ctx context.Context, cfg *types.TriggerConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getTriggerConfig(tx)
		if err != nil || existing != nil {
			return err
		}
		seed := *cfg
		seed.MaxAttempts = types.ClampMaxAttempts(seed.MaxAttempts)
		seed.UpdatedAt = time.Now().UTC()
		return putTriggerConfig(tx, &seed)
	})
}

// UpdateTriggerConfig implements Store.
func (s *BoltStore) UpdateTriggerConfig(ctx context.Context, fn func(cfg *types.TriggerConfig) error) (*types.TriggerConfig, error) {
	var (
		current, next *types.TriggerConfig
		fnErr         error
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		current, err = getTriggerConfig(tx)
		if err != nil {
			return err
		}
		if current == nil {
			current = types.DefaultTriggerConfig(types.DefaultMaxAttempts, time.Now().UTC())
		}
		updated := *current
		if fnErr = fn(&updated); fnErr != nil {
			return fnErr
		}
		updated.MaxAttempts = types.ClampMaxAttempts(updated.MaxAttempts)
		updated.UpdatedAt = time.Now().UTC()
		next = &updated
		return putTriggerConfig(tx, next)
	})
	if fnErr != nil {
		return current, fnErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update trigger config: %w", err)
	}
	return next, nil
}
