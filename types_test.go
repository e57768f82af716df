package reachcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReachLevelClamp(t *testing.T) {
	require.Equal(t, ReachCommons, ReachLevel(40).Clamp())
	require.Equal(t, ReachPrivate, ReachPrivate.Clamp())
	require.Equal(t, ReachMunicipal, ReachMunicipal.Clamp())
}

func TestReachLevelDistance(t *testing.T) {
	require.Equal(t, 7, ReachPrivate.Distance(ReachCommons))
	require.Equal(t, 7, ReachCommons.Distance(ReachPrivate))
	require.Equal(t, 0, ReachLocal.Distance(ReachLocal))
	require.Equal(t, 7, ReachPrivate.Distance(ReachLevel(200)))
}

func TestReachLevelString(t *testing.T) {
	require.Equal(t, "private", ReachPrivate.String())
	require.Equal(t, "commons", ReachCommons.String())
	require.Equal(t, "reach(9)", ReachLevel(9).String())
}

func TestMasteryFreshness(t *testing.T) {
	// No mastery means no decay.
	require.Equal(t, 1.0, MasteryNotStarted.Freshness(365*24*time.Hour))

	// Seen decays 0.05/day, Create 0.005/day.
	require.InDelta(t, 0.95, MasterySeen.Freshness(24*time.Hour), 1e-9)
	require.InDelta(t, 0.995, MasteryCreate.Freshness(24*time.Hour), 1e-9)

	// Freshness floors at zero.
	require.Equal(t, 0.0, MasterySeen.Freshness(100*24*time.Hour))

	// Out-of-range levels decay at the slowest rate.
	require.Equal(t, MasteryCreate.DecayRate(), MasteryLevel(42).DecayRate())
}

func TestFreshnessStatus(t *testing.T) {
	require.Equal(t, "fresh", MasterySeen.FreshnessStatus(0))
	require.Equal(t, "stale", MasterySeen.FreshnessStatus(8*24*time.Hour))
	require.Equal(t, "critical", MasterySeen.FreshnessStatus(15*24*time.Hour))
}

func TestEntryExpired(t *testing.T) {
	base := time.Now()
	e := &Entry{CreatedAt: base, LastAccessedAt: base.Add(5 * time.Second)}

	require.False(t, e.Expired(base.Add(9*time.Second), 10*time.Second))
	require.True(t, e.Expired(base.Add(11*time.Second), 10*time.Second))

	// Zero TTL disables expiry.
	require.False(t, e.Expired(base.Add(1000*time.Hour), 0))

	// Entry TTL overrides the tier default.
	e.TTL = time.Second
	require.True(t, e.Expired(base.Add(2*time.Second), time.Hour))

	// Expiry is judged on age, not idleness.
	require.Equal(t, 11*time.Second, e.Age(base.Add(11*time.Second)))
	require.Equal(t, 6*time.Second, e.Idle(base.Add(11*time.Second)))
}
