package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/catalog-sync/internal/merge"
	"github.com/jonathan/catalog-sync/internal/types"
)

// runStoreContract exercises behaviour every backend must share. newStore returns an
// empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create then busy", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := types.NewRun(uuid.NewString(), types.TriggerCron, 1, "tok-1", time.Now().UTC())
		active, err := s.CreateRunIfIdle(ctx, first)
		require.NoError(t, err)
		assert.Nil(t, active)

		second := types.NewRun(uuid.NewString(), types.TriggerManual, 1, "tok-2", time.Now().UTC())
		active, err = s.CreateRunIfIdle(ctx, second)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, first.ID, active.ID)

		missing, err := s.GetRun(ctx, second.ID)
		require.NoError(t, err)
		assert.Nil(t, missing, "busy create must not insert")
	})

	t.Run("concurrent creators get one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const callers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run := types.NewRun(uuid.NewString(), types.TriggerCron, 1, uuid.NewString(), time.Now().UTC())
				active, err := s.CreateRunIfIdle(ctx, run)
				assert.NoError(t, err)
				if active == nil && err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})

	t.Run("update merges and releases active slot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := types.NewRun(uuid.NewString(), types.TriggerCron, 1, "tok", time.Now().UTC())
		_, err := s.CreateRunIfIdle(ctx, run)
		require.NoError(t, err)

		updated, err := s.UpdateRun(ctx, run.ID, func(r *types.Run) error {
			r.Steps = merge.Steps(r.Steps, "import_ftp", map[string]any{"status": "completed", "rows": 10})
			r.Metrics = merge.Merge(r.Metrics, map[string]any{"files": map[string]any{"downloaded": 2}})
			return nil
		})
		require.NoError(t, err)
		st, ok := updated.Steps.Step(types.StepImportFTP)
		require.True(t, ok)
		assert.Equal(t, types.StepStatusCompleted, st.Status)

		reloaded, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		st, _ = reloaded.Steps.Step(types.StepImportFTP)
		assert.EqualValues(t, 10, st.Extra["rows"])
		parse, _ := reloaded.Steps.Step(types.StepParseMerge)
		assert.Equal(t, types.StepStatusPending, parse.Status)

		_, err = s.UpdateRun(ctx, run.ID, func(r *types.Run) error {
			now := time.Now().UTC()
			r.Status = types.RunStatusFailed
			r.FinishedAt = &now
			r.ErrorMessage = "boom"
			return nil
		})
		require.NoError(t, err)

		active, err := s.GetActiveRun(ctx)
		require.NoError(t, err)
		assert.Nil(t, active)

		next := types.NewRun(uuid.NewString(), types.TriggerManual, 1, "tok-2", time.Now().UTC())
		busy, err := s.CreateRunIfIdle(ctx, next)
		require.NoError(t, err)
		assert.Nil(t, busy)
	})

	t.Run("update fn error writes nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := types.NewRun(uuid.NewString(), types.TriggerCron, 1, "tok", time.Now().UTC())
		_, err := s.CreateRunIfIdle(ctx, run)
		require.NoError(t, err)

		sentinel := errors.New("rejected")
		current, err := s.UpdateRun(ctx, run.ID, func(r *types.Run) error {
			r.WarningCount = 99
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)
		require.NotNil(t, current)
		assert.Zero(t, current.WarningCount)

		reloaded, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Zero(t, reloaded.WarningCount)
	})

	t.Run("update keeps immutable fields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := types.NewRun(uuid.NewString(), types.TriggerCron, 1, "tok", time.Now().UTC())
		_, err := s.CreateRunIfIdle(ctx, run)
		require.NoError(t, err)

		updated, err := s.UpdateRun(ctx, run.ID, func(r *types.Run) error {
			r.Attempt = 7
			r.TriggerType = types.TriggerManual
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Attempt)
		assert.Equal(t, types.TriggerCron, updated.TriggerType)
	})

	t.Run("update missing run", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpdateRun(context.Background(), uuid.NewString(), func(*types.Run) error { return nil })
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("list filters and orders", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

		var ids []string
		for i := 0; i < 4; i++ {
			trigger := types.TriggerCron
			if i == 1 {
				trigger = types.TriggerManual
			}
			attempt := 1
			if i == 2 {
				attempt = 2
			}
			run := types.NewRun(fmt.Sprintf("run-%d-%s", i, uuid.NewString()[:8]), trigger, attempt, "tok", base.Add(time.Duration(i)*time.Minute))
			_, err := s.CreateRunIfIdle(ctx, run)
			require.NoError(t, err)
			_, err = s.UpdateRun(ctx, run.ID, func(r *types.Run) error {
				fin := r.StartedAt.Add(30 * time.Second)
				r.Status = types.RunStatusFailed
				r.FinishedAt = &fin
				return nil
			})
			require.NoError(t, err)
			ids = append(ids, run.ID)
		}

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, ids[3], all[0].ID)
		assert.Equal(t, ids[0], all[3].ID)

		primaryCron, err := s.ListRuns(ctx, RunFilter{TriggerType: types.TriggerCron, PrimaryOnly: true})
		require.NoError(t, err)
		require.Len(t, primaryCron, 2)
		assert.Equal(t, ids[3], primaryCron[0].ID)
		assert.Equal(t, ids[0], primaryCron[1].ID)

		limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("trigger config lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		cfg, err := s.GetTriggerConfig(ctx)
		require.NoError(t, err)
		assert.Nil(t, cfg)

		require.NoError(t, s.InitTriggerConfig(ctx, types.DefaultTriggerConfig(4, time.Now())))
		require.NoError(t, s.InitTriggerConfig(ctx, types.DefaultTriggerConfig(2, time.Now())), "second init is a no-op")

		cfg, err = s.GetTriggerConfig(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.True(t, cfg.Enabled)
		assert.Equal(t, 4, cfg.MaxAttempts)

		updated, err := s.UpdateTriggerConfig(ctx, func(c *types.TriggerConfig) error {
			c.Enabled = false
			c.MaxAttempts = 42
			c.LastDisabledReason = "[manual] maintenance"
			return nil
		})
		require.NoError(t, err)
		assert.False(t, updated.Enabled)
		assert.Equal(t, types.MaxMaxAttempts, updated.MaxAttempts)

		cfg, err = s.GetTriggerConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, "[manual] maintenance", cfg.LastDisabledReason)
	})

	t.Run("update trigger config seeds defaults", func(t *testing.T) {
		s := newStore(t)
		cfg, err := s.UpdateTriggerConfig(context.Background(), func(c *types.TriggerConfig) error {
			assert.True(t, c.Enabled)
			assert.Equal(t, types.DefaultMaxAttempts, c.MaxAttempts)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, cfg.Enabled)
	})
}
