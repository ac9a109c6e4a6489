package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/catalog-sync/internal/types"
)

func newTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestBolt(t) })
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	ctx := context.Background()

	s, err := OpenBolt(path)
	require.NoError(t, err)
	run := types.NewRun("r1", types.TriggerCron, 1, "tok", time.Now().UTC())
	_, err = s.CreateRunIfIdle(ctx, run)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()

	active, err := reopened.GetActiveRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "r1", active.ID)
	assert.Equal(t, "tok", active.LockInvocationID)
}

func TestBoltStore_DuplicateID(t *testing.T) {
	s := newTestBolt(t)
	ctx := context.Background()

	run := types.NewRun("dup", types.TriggerCron, 1, "tok", time.Now().UTC())
	_, err := s.CreateRunIfIdle(ctx, run)
	require.NoError(t, err)
	_, err = s.UpdateRun(ctx, "dup", func(r *types.Run) error {
		r.Status = types.RunStatusSuccess
		return nil
	})
	require.NoError(t, err)

	_, err = s.CreateRunIfIdle(ctx, types.NewRun("dup", types.TriggerManual, 1, "tok", time.Now().UTC()))
	assert.Error(t, err)
}

func TestOpenBolt_RequiresPath(t *testing.T) {
	_, err := OpenBolt("  ")
	assert.Error(t, err)
}

func TestOpen_Backends(t *testing.T) {
	s, err := Open(context.Background(), Options{Backend: "bolt", BoltPath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.Equal(t, BackendBolt, s.Backend())
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), Options{Backend: "sqlite"})
	assert.ErrorContains(t, err, "unknown store backend")

	_, err = Open(context.Background(), Options{Backend: "postgres"})
	assert.ErrorContains(t, err, "database url is required")
}
