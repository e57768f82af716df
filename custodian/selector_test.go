package custodian

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSelectHealthWeightedComposite(t *testing.T) {
	s := NewSelector(Config{})
	ctx := context.Background()

	candidates := []Profile{
		{ID: "c1", HealthScore: 90, EstimatedLatencyMs: 20, BandwidthMbps: 50, Specialization: 0.5},
		{ID: "c2", HealthScore: 70, EstimatedLatencyMs: 10, BandwidthMbps: 50, Specialization: 0.5},
		{ID: "c3", HealthScore: 95, EstimatedLatencyMs: 50, BandwidthMbps: 50, Specialization: 0.5},
	}

	result, err := s.Select(ctx, "content-1", candidates)
	require.NoError(t, err)
	require.Equal(t, "c1", result.CustodianID)

	// Shared bandwidth and specialization terms: 0.15*0.5*100 + 0.10*0.5*100.
	common := 7.5 + 5.0
	require.InDelta(t, 60+common, result.FinalScore, 1e-9)
	require.InDelta(t, 55+common, s.Score(candidates[1]), 1e-9)
	require.InDelta(t, 53+common, s.Score(candidates[2]), 1e-9)
}

func TestSelectResultCached(t *testing.T) {
	s := NewSelector(Config{})
	ctx := context.Background()

	base := time.Now()
	now := base
	s.now = func() time.Time { return now }

	candidates := []Profile{
		{ID: "c1", HealthScore: 90},
		{ID: "c2", HealthScore: 80},
	}

	first, err := s.Select(ctx, "content-1", candidates)
	require.NoError(t, err)

	// Within the window the cached winner is returned without rescoring,
	// even if the candidate list now favors someone else.
	now = base.Add(60 * time.Second)
	second, err := s.Select(ctx, "content-1", []Profile{{ID: "c2", HealthScore: 99}})
	require.NoError(t, err)
	require.Equal(t, first, second)

	st := s.Stats()
	require.Equal(t, uint64(2), st.Attempts)
	require.Equal(t, uint64(2), st.Successes)
	require.Equal(t, uint64(1), st.CacheHits)
	require.Equal(t, uint64(1), st.CacheMisses)
}

func TestSelectCacheExpires(t *testing.T) {
	s := NewSelector(Config{CacheTTL: 120 * time.Second})
	ctx := context.Background()

	base := time.Now()
	now := base
	s.now = func() time.Time { return now }

	first, err := s.Select(ctx, "content-1", []Profile{{ID: "c1", HealthScore: 90}})
	require.NoError(t, err)
	require.Equal(t, "c1", first.CustodianID)

	now = base.Add(121 * time.Second)
	second, err := s.Select(ctx, "content-1", []Profile{{ID: "c2", HealthScore: 90}})
	require.NoError(t, err)
	require.Equal(t, "c2", second.CustodianID)
	require.Equal(t, uint64(2), s.Stats().CacheMisses)
}

func TestSelectTieBreaking(t *testing.T) {
	s := NewSelector(Config{})
	ctx := context.Background()

	tied := []Profile{
		{ID: "no-commit", HealthScore: 80, EstimatedLatencyMs: 30},
		{ID: "commit", HealthScore: 80, EstimatedLatencyMs: 30, HasCommitment: true},
	}
	require.Greater(t, s.Score(tied[1]), s.Score(tied[0]))

	a := scored{profile: Profile{ID: "a", EstimatedLatencyMs: 30}, score: 50}
	b := scored{profile: Profile{ID: "b", EstimatedLatencyMs: 10}, score: 50}
	require.True(t, betterThan(b, a))
	require.False(t, betterThan(a, b))

	committed := scored{profile: Profile{ID: "c", EstimatedLatencyMs: 90, HasCommitment: true}, score: 50}
	require.True(t, betterThan(committed, b))

	// 0.40*80 + 0.30*(100-30) == 0.40*65 + 0.30*(100-10): a genuine score
	// tie, resolved by the lower latency.
	fast := Profile{ID: "fast", HealthScore: 65, EstimatedLatencyMs: 10}
	healthy := Profile{ID: "healthy", HealthScore: 80, EstimatedLatencyMs: 30}
	require.Equal(t, s.Score(fast), s.Score(healthy))

	result, err := s.Select(ctx, "tied", []Profile{healthy, fast})
	require.NoError(t, err)
	require.Equal(t, "fast", result.CustodianID)
}

func TestSelectMinHealthThreshold(t *testing.T) {
	s := NewSelector(Config{MinHealth: 50})
	ctx := context.Background()

	_, err := s.Select(ctx, "content-1", []Profile{
		{ID: "weak", HealthScore: 30},
		{ID: "weaker", HealthScore: 10},
	})
	require.ErrorIs(t, err, ErrNoCustodian)

	result, err := s.Select(ctx, "content-2", []Profile{
		{ID: "weak", HealthScore: 30},
		{ID: "ok", HealthScore: 55},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result.CustodianID)
}

func TestSelectEmptyCandidates(t *testing.T) {
	s := NewSelector(Config{})

	_, err := s.Select(context.Background(), "content-1", nil)
	require.ErrorIs(t, err, ErrNoCustodian)

	st := s.Stats()
	require.Equal(t, uint64(1), st.Attempts)
	require.Equal(t, uint64(0), st.Successes)
	require.Equal(t, uint64(1), st.CacheMisses)
}

func TestSelectFailureNotCached(t *testing.T) {
	s := NewSelector(Config{})
	ctx := context.Background()

	_, err := s.Select(ctx, "content-1", nil)
	require.ErrorIs(t, err, ErrNoCustodian)

	// A later call with real candidates scores fresh.
	result, err := s.Select(ctx, "content-1", []Profile{{ID: "c1", HealthScore: 90}})
	require.NoError(t, err)
	require.Equal(t, "c1", result.CustodianID)
}

func TestInvalidate(t *testing.T) {
	s := NewSelector(Config{})
	ctx := context.Background()

	_, err := s.Select(ctx, "content-1", []Profile{{ID: "c1", HealthScore: 90}})
	require.NoError(t, err)

	s.Invalidate("content-1")

	result, err := s.Select(ctx, "content-1", []Profile{{ID: "c2", HealthScore: 90}})
	require.NoError(t, err)
	require.Equal(t, "c2", result.CustodianID)
	require.Equal(t, uint64(0), s.Stats().CacheHits)
}

func TestLatencyBottomsOut(t *testing.T) {
	s := NewSelector(Config{})

	slow := Profile{ID: "slow", HealthScore: 80, EstimatedLatencyMs: 100}
	slower := Profile{ID: "slower", HealthScore: 80, EstimatedLatencyMs: 500}
	require.Equal(t, s.Score(slow), s.Score(slower))
}
