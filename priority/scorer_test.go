package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	reachcache "github.com/ethosengine/reach-cache"
)

func entryAt(created, accessed time.Time) *reachcache.Entry {
	return &reachcache.Entry{
		Key:            "k",
		CreatedAt:      created,
		LastAccessedAt: accessed,
	}
}

func TestRecencyDominates(t *testing.T) {
	now := time.Now()
	s := New(Weights{Recency: 1})

	fresh := entryAt(now, now)
	stale := entryAt(now, now.Add(-12*time.Hour))
	dead := entryAt(now, now.Add(-48*time.Hour))

	ctx := Context{Now: now}
	require.Greater(t, s.Priority(fresh, ctx), s.Priority(stale, ctx))
	require.Greater(t, s.Priority(stale, ctx), s.Priority(dead, ctx))
	require.Equal(t, 0.0, s.Priority(dead, ctx))
}

func TestMasteryFreshnessDecay(t *testing.T) {
	now := time.Now()
	created := now.Add(-10 * 24 * time.Hour)
	s := New(Weights{Freshness: 1})
	ctx := Context{Now: now}

	seen := entryAt(created, now)
	seen.Mastery = reachcache.MasterySeen

	create := entryAt(created, now)
	create.Mastery = reachcache.MasteryCreate

	// Higher mastery decays slower, so the Create-tier entry scores higher
	// at equal age.
	require.Greater(t, s.Priority(create, ctx), s.Priority(seen, ctx))

	// NotStarted never decays.
	none := entryAt(created, now)
	none.Mastery = reachcache.MasteryNotStarted
	require.Equal(t, 1.0, s.Priority(none, ctx))
}

func TestReachProximity(t *testing.T) {
	now := time.Now()
	s := New(Weights{ReachProximity: 1})
	ctx := Context{RequesterReach: reachcache.ReachCommons, Now: now}

	near := entryAt(now, now)
	near.Reach = reachcache.ReachCommons
	far := entryAt(now, now)
	far.Reach = reachcache.ReachPrivate

	require.Equal(t, 1.0, s.Priority(near, ctx))
	require.Equal(t, 0.0, s.Priority(far, ctx))
}

func TestDomainAffinity(t *testing.T) {
	now := time.Now()
	s := New(Weights{DomainAffinity: 1})

	e := entryAt(now, now)
	e.Domain = reachcache.DomainFCT
	e.Affinity = 0.2

	// Request context overrides admission-time affinity.
	ctx := Context{Now: now, Affinity: map[reachcache.Domain]float64{reachcache.DomainFCT: 0.9}}
	require.InDelta(t, 0.9, s.Priority(e, ctx), 1e-9)

	// Absent from the context map, fall back to the entry's own signal.
	ctx.Affinity = map[reachcache.Domain]float64{reachcache.DomainOther: 0.5}
	require.InDelta(t, 0.2, s.Priority(e, ctx), 1e-9)
}

func TestDefaultWeightsBlend(t *testing.T) {
	now := time.Now()
	s := New(Weights{})
	ctx := Context{RequesterReach: reachcache.ReachCommons, Now: now}

	best := entryAt(now, now)
	best.Reach = reachcache.ReachCommons
	best.Affinity = 1

	require.InDelta(t, 1.0, s.Priority(best, ctx), 1e-9)

	worst := entryAt(now.Add(-100*24*time.Hour), now.Add(-100*24*time.Hour))
	worst.Reach = reachcache.ReachPrivate
	worst.Mastery = reachcache.MasterySeen

	require.Greater(t, s.Priority(best, ctx), s.Priority(worst, ctx))
}
