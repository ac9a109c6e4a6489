package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/catalog-sync/internal/classify"
	"github.com/jonathan/catalog-sync/internal/types"
)

func TestInterval(t *testing.T) {
	running := types.NewRun("r1", types.TriggerCron, 1, "", time.Now())
	finished := running.Clone()
	now := time.Now()
	finished.Status = types.RunStatusSuccess
	finished.FinishedAt = &now

	assert.Equal(t, DefaultActiveInterval, Interval(running, 0, 0))
	assert.Equal(t, DefaultIdleInterval, Interval(finished, 0, 0))
	assert.Equal(t, DefaultIdleInterval, Interval(nil, 0, 0))
	assert.Equal(t, time.Second, Interval(running, time.Second, time.Minute))
	assert.Equal(t, time.Minute, Interval(finished, time.Second, time.Minute))
}

// sequence returns the given runs one per call, repeating the last.
func sequence(runs ...*types.Run) FetchFunc {
	var mu sync.Mutex
	i := 0
	return func(context.Context) (*types.Run, error) {
		mu.Lock()
		defer mu.Unlock()
		r := runs[i]
		if i < len(runs)-1 {
			i++
		}
		return r, nil
	}
}

func TestPoller_StopsAfterTerminalSnapshot(t *testing.T) {
	running := types.NewRun("r1", types.TriggerManual, 1, "", time.Now())
	done := running.Clone()
	now := time.Now()
	done.Status = types.RunStatusFailed
	done.ErrorMessage = "step import_ftp failed: timeout"
	done.FinishedAt = &now

	p := &Poller{Fetch: sequence(running, running, done), Active: time.Millisecond, Idle: time.Hour}
	var seen []classify.DisplayStatus
	err := p.Run(context.Background(), UntilFinished(func(s Snapshot) {
		seen = append(seen, s.Classification.DisplayStatus)
	}))

	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, []classify.DisplayStatus{classify.DisplayRunning, classify.DisplayRunning, classify.DisplayFailed}, seen)
}

func TestPoller_ContextCancellation(t *testing.T) {
	running := types.NewRun("r1", types.TriggerManual, 1, "", time.Now())
	p := &Poller{Fetch: sequence(running), Active: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	polls := 0
	err := p.Run(ctx, func(Snapshot) bool {
		polls++
		return true
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, polls, 1)
}

func TestPoller_ReportsFetchErrors(t *testing.T) {
	calls := 0
	p := &Poller{
		Fetch: func(context.Context) (*types.Run, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection refused")
			}
			return nil, nil
		},
		Active: time.Millisecond,
		Idle:   time.Millisecond,
	}

	var snaps []Snapshot
	err := p.Run(context.Background(), func(s Snapshot) bool {
		snaps = append(snaps, s)
		return len(snaps) < 2
	})
	assert.ErrorIs(t, err, ErrStopped)
	require.Len(t, snaps, 2)
	assert.EqualError(t, snaps[0].Err, "connection refused")
	assert.NoError(t, snaps[1].Err)
	assert.Nil(t, snaps[1].Run)
}

func TestPoller_RequiresFetch(t *testing.T) {
	err := (&Poller{}).Run(context.Background(), func(Snapshot) bool { return true })
	assert.Error(t, err)
}

func TestHandle_Stop(t *testing.T) {
	running := types.NewRun("r1", types.TriggerManual, 1, "", time.Now())
	p := &Poller{Fetch: sequence(running), Active: time.Millisecond}

	var mu sync.Mutex
	polls := 0
	h := p.Start(context.Background(), func(Snapshot) bool {
		mu.Lock()
		polls++
		mu.Unlock()
		return true
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return polls >= 3
	}, time.Second, time.Millisecond)

	h.Stop()
	h.Stop()
	<-h.Done()
	assert.ErrorIs(t, h.Err(), context.Canceled)
}
