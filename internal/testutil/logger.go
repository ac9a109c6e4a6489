// Package testutil provides test helpers for structured logging and run stores.
package testutil

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jonathan/catalog-sync/internal/db"
)

// NewTestLogger returns a logger that writes to t.Log().
// Logs only appear on test failure or when running with -v.
func NewTestLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (n int, err error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

// NewBoltStore opens a bbolt store in a temp dir that is closed when the test ends.
func NewBoltStore(t testing.TB) *db.BoltStore {
	t.Helper()
	s, err := db.OpenBolt(filepath.Join(t.TempDir(), "catalog-sync.db"))
	if err != nil {
		t.Fatalf("failed to open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
