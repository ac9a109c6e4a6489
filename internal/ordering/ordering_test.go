package ordering

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/catalog-sync/internal/types"
)

var base = time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)

func mk(id string, startedMin int, finishedMin *int) *types.Run {
	r := &types.Run{ID: id, StartedAt: base.Add(time.Duration(startedMin) * time.Minute)}
	if finishedMin != nil {
		f := base.Add(time.Duration(*finishedMin) * time.Minute)
		r.FinishedAt = &f
	}
	return r
}

func at(m int) *int { return &m }

func ids(runs []*types.Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}

func TestSort_Order(t *testing.T) {
	runs := []*types.Run{
		mk("a", 0, at(10)),
		mk("b", 5, at(10)), // same finish, later start
		mk("c", 5, at(10)), // identical timestamps, higher id
		mk("d", 1, at(30)), // latest finish
		mk("e", -60, nil),  // running, started long ago
		mk("f", 40, nil),   // running, started later
	}

	got := Sort(runs)

	assert.Equal(t, []string{"f", "e", "d", "c", "b", "a"}, ids(got))
	assert.Equal(t, "a", runs[0].ID, "input is not reordered")
}

func TestSort_RunningAlwaysFirst(t *testing.T) {
	runs := []*types.Run{
		mk("finished-late", 100, at(200)),
		mk("running-early", -100, nil),
	}
	got := Sort(runs)
	assert.Equal(t, "running-early", got[0].ID)
}

func TestCompare_Totality(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var runs []*types.Run
	for i := 0; i < 40; i++ {
		var fin *int
		if rng.Intn(4) != 0 {
			fin = at(rng.Intn(5))
		}
		id := string(rune('a' + rng.Intn(6)))
		runs = append(runs, mk(id, rng.Intn(5), fin))
	}

	for _, a := range runs {
		for _, b := range runs {
			ab, ba := Compare(a, b), Compare(b, a)
			require.Equal(t, sign(ab), -sign(ba), "antisymmetric for %s/%s", a.ID, b.ID)
			if ab == 0 {
				assert.Equal(t, a.ID, b.ID)
			}
			for _, c := range runs {
				if Compare(a, b) < 0 && Compare(b, c) < 0 {
					require.Less(t, Compare(a, c), 0, "transitive")
				}
			}
		}
	}
}

func TestSort_IndependentOfInputOrder(t *testing.T) {
	runs := []*types.Run{
		mk("x", 0, at(1)), mk("y", 0, at(1)), mk("z", 2, nil), mk("w", 3, at(2)),
	}
	want := ids(Sort(runs))

	reversed := []*types.Run{runs[3], runs[2], runs[1], runs[0]}
	assert.Equal(t, want, ids(Sort(reversed)))
}

func TestLatest(t *testing.T) {
	assert.Nil(t, Latest(nil))

	runs := []*types.Run{mk("a", 0, at(5)), nil, mk("b", 1, at(9))}
	assert.Equal(t, "b", Latest(runs).ID)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
