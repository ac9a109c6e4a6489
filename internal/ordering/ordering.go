// Package ordering defines the total "most recent first" order over runs.
package ordering

import (
	"slices"
	"time"

	"github.com/jonathan/catalog-sync/internal/types"
)

// Compare returns a negative number when a sorts before b, positive when after, and zero
// only when both carry the same id and timestamps.
//
// Unfinished runs come first, then finished_at descending, started_at descending and
// finally id descending.
func Compare(a, b *types.Run) int {
	aOpen, bOpen := a.FinishedAt == nil, b.FinishedAt == nil
	switch {
	case aOpen && !bOpen:
		return -1
	case !aOpen && bOpen:
		return 1
	case !aOpen && !bOpen:
		if c := descTime(*a.FinishedAt, *b.FinishedAt); c != 0 {
			return c
		}
	}
	if c := descTime(a.StartedAt, b.StartedAt); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

func descTime(a, b time.Time) int {
	return b.Compare(a)
}

// Sort returns a new slice ordered most recent first. The input is left untouched.
func Sort(runs []*types.Run) []*types.Run {
	out := make([]*types.Run, 0, len(runs))
	for _, r := range runs {
		if r != nil {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, Compare)
	return out
}

// Latest returns the most recent run, or nil for an empty input.
func Latest(runs []*types.Run) *types.Run {
	var best *types.Run
	for _, r := range runs {
		if r == nil {
			continue
		}
		if best == nil || Compare(r, best) < 0 {
			best = r
		}
	}
	return best
}
