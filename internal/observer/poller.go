// Package observer polls run state for watchers: faster while a run is active, slower
// when idle.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonathan/catalog-sync/internal/classify"
	"github.com/jonathan/catalog-sync/internal/types"
)

// Default poll intervals
const (
	DefaultActiveInterval = 2 * time.Second
	DefaultIdleInterval   = 30 * time.Second
)

// Interval returns how long a watcher should wait before polling again after seeing run.
func Interval(run *types.Run, active, idle time.Duration) time.Duration {
	if active <= 0 {
		active = DefaultActiveInterval
	}
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	if run != nil && run.IsActive() {
		return active
	}
	return idle
}

// FetchFunc loads the run being watched. A nil run means there is nothing to show yet.
type FetchFunc func(ctx context.Context) (*types.Run, error)

// Snapshot is one observation
type Snapshot struct {
	Run            *types.Run
	Classification classify.Classification
	NextPoll       time.Duration
	Err            error
}

// Poller is a cooperative pull loop
type Poller struct {
	Fetch  FetchFunc
	Active time.Duration
	Idle   time.Duration
	Logger *slog.Logger
}

// ErrStopped is returned by Run when the callback ended the loop.
var ErrStopped = errors.New("observer stopped")

func (p *Poller) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.Logger
}

// Poll takes one observation.
func (p *Poller) Poll(ctx context.Context) Snapshot {
	run, err := p.Fetch(ctx)
	snap := Snapshot{Run: run, Err: err, NextPoll: Interval(run, p.Active, p.Idle)}
	if err != nil {
		// Failed reads are retried at the active cadence.
		snap.NextPoll = Interval(&types.Run{Status: types.RunStatusRunning}, p.Active, p.Idle)
		return snap
	}
	if run != nil {
		snap.Classification = classify.Classify(run)
	}
	return snap
}

// Run polls until ctx is done or fn returns false. fn receives every snapshot, including
// failed reads.
func (p *Poller) Run(ctx context.Context, fn func(Snapshot) bool) error {
	if p.Fetch == nil {
		return errors.New("observer has no fetch function")
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		snap := p.Poll(ctx)
		if snap.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger().Warn("poll failed", slog.String("error", snap.Err.Error()))
		}
		if !fn(snap) {
			return ErrStopped
		}
		timer.Reset(snap.NextPoll)
	}
}

// Handle controls a poller started in the background
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Start runs the poller in a goroutine and returns its cancellation handle.
func (p *Poller) Start(ctx context.Context, fn func(Snapshot) bool) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = p.Run(ctx, fn)
	}()
	return h
}

// Stop cancels the poller and waits for it to return.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Done is closed once the poller has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns why the poller stopped. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// UntilFinished wraps fn so the loop stops after the first terminal snapshot.
func UntilFinished(fn func(Snapshot)) func(Snapshot) bool {
	return func(s Snapshot) bool {
		fn(s)
		return s.Err != nil || s.Run == nil || s.Run.IsActive()
	}
}
