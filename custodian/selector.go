// Package custodian scores and selects replica-holding peers to serve
// cache misses. Selection results are memoized per content ID for a short
// window so hot content does not rescore the same candidate list on every
// miss.
package custodian

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethosengine/reach-cache/telemetry"
)

// ErrNoCustodian is returned when no candidate is eligible. Callers fall
// back to the origin fetch path.
var ErrNoCustodian = errors.New("no eligible custodian")

// Profile describes one candidate peer.
type Profile struct {
	ID                 string  `json:"id"`
	HealthScore        float64 `json:"healthScore"`        // 0-100
	EstimatedLatencyMs float64 `json:"estimatedLatencyMs"` // from probes, 0 = unknown
	BandwidthMbps      float64 `json:"bandwidthMbps"`
	Specialization     float64 `json:"specialization"` // 0-1 fit for the content's domain
	HasCommitment      bool    `json:"hasCommitment"`  // pledged replica on the ledger
	Tier               string  `json:"tier,omitempty"`
}

// Weights are the scoring coefficients. They are a policy choice, not a
// derived constant, so hosts can tune them.
type Weights struct {
	Health         float64
	Latency        float64
	Bandwidth      float64
	Specialization float64
	Commitment     float64
}

// DefaultWeights returns the standard policy mix.
func DefaultWeights() Weights {
	return Weights{
		Health:         0.40,
		Latency:        0.30,
		Bandwidth:      0.15,
		Specialization: 0.10,
		Commitment:     0.05,
	}
}

// Config holds selector policy. Zero values take defaults in NewSelector.
type Config struct {
	Weights Weights

	// CacheTTL is how long a selection result is reused per content ID.
	CacheTTL time.Duration

	// MinHealth excludes candidates below this health score.
	MinHealth float64

	// MaxLatencyMs is the latency at which the latency component bottoms
	// out. Latencies at or above it score zero on that axis.
	MaxLatencyMs float64

	Logger *slog.Logger
}

const (
	defaultCacheTTL     = 120 * time.Second
	defaultMinHealth    = 20.0
	defaultMaxLatencyMs = 100.0
)

// SelectionResult is the chosen custodian for one content ID.
type SelectionResult struct {
	CustodianID string    `json:"custodianId"`
	FinalScore  float64   `json:"finalScore"`
	ComputedAt  time.Time `json:"computedAt"`
}

// Stats counts selector activity since construction.
type Stats struct {
	Attempts    uint64 `json:"attempts"`
	Successes   uint64 `json:"successes"`
	CacheHits   uint64 `json:"cacheHits"`
	CacheMisses uint64 `json:"cacheMisses"`
}

// Selector picks custodians and memoizes the winners.
type Selector struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	results map[string]SelectionResult
	stats   Stats
}

// NewSelector creates a selector with the given policy.
func NewSelector(cfg Config) *Selector {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.MinHealth <= 0 {
		cfg.MinHealth = defaultMinHealth
	}
	if cfg.MaxLatencyMs <= 0 {
		cfg.MaxLatencyMs = defaultMaxLatencyMs
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Selector{
		config:  cfg,
		logger:  cfg.Logger,
		now:     time.Now,
		results: make(map[string]SelectionResult),
	}
}

// Select returns the best custodian for contentID, reusing a previous
// result while it is still within the cache window. Returns ErrNoCustodian
// when candidates is empty or every candidate fails the health threshold.
func (s *Selector) Select(ctx context.Context, contentID string, candidates []Profile) (SelectionResult, error) {
	now := s.now()

	s.mu.Lock()
	s.stats.Attempts++
	if cached, ok := s.results[contentID]; ok {
		if now.Sub(cached.ComputedAt) < s.config.CacheTTL {
			s.stats.CacheHits++
			s.stats.Successes++
			s.mu.Unlock()
			telemetry.RecordSelection(ctx, "cached", cached.FinalScore)
			return cached, nil
		}
		delete(s.results, contentID)
	}
	s.stats.CacheMisses++
	s.mu.Unlock()

	best, ok := s.scoreAll(candidates)
	if !ok {
		telemetry.RecordSelection(ctx, "unavailable", 0)
		s.logger.Debug("no eligible custodian",
			"content_id", contentID,
			"candidates", len(candidates),
		)
		return SelectionResult{}, ErrNoCustodian
	}

	result := SelectionResult{
		CustodianID: best.profile.ID,
		FinalScore:  best.score,
		ComputedAt:  now,
	}

	s.mu.Lock()
	s.results[contentID] = result
	s.stats.Successes++
	s.mu.Unlock()

	telemetry.RecordSelection(ctx, "scored", result.FinalScore)
	s.logger.Debug("custodian selected",
		"content_id", contentID,
		"custodian_id", result.CustodianID,
		"score", result.FinalScore,
		"candidates", len(candidates),
	)
	return result, nil
}

type scored struct {
	profile Profile
	score   float64
}

// scoreAll scores every eligible candidate and returns the winner. Ties
// are broken by commitment, then by lowest latency.
func (s *Selector) scoreAll(candidates []Profile) (scored, bool) {
	var best scored
	found := false
	for _, p := range candidates {
		if p.HealthScore < s.config.MinHealth {
			continue
		}
		c := scored{profile: p, score: s.Score(p)}
		if !found || betterThan(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

// Score computes the composite score for one candidate on a 0-100 scale.
func (s *Selector) Score(p Profile) float64 {
	w := s.config.Weights

	normLatency := p.EstimatedLatencyMs / s.config.MaxLatencyMs * 100
	if normLatency > 100 {
		normLatency = 100
	}

	bandwidth := p.BandwidthMbps / 100
	if bandwidth > 1 {
		bandwidth = 1
	}

	commitment := 0.0
	if p.HasCommitment {
		commitment = 100
	}

	return w.Health*p.HealthScore +
		w.Latency*(100-normLatency) +
		w.Bandwidth*bandwidth*100 +
		w.Specialization*p.Specialization*100 +
		w.Commitment*commitment
}

func betterThan(a, b scored) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.profile.HasCommitment != b.profile.HasCommitment {
		return a.profile.HasCommitment
	}
	return a.profile.EstimatedLatencyMs < b.profile.EstimatedLatencyMs
}

// Invalidate drops the memoized result for contentID, if any.
func (s *Selector) Invalidate(contentID string) {
	s.mu.Lock()
	delete(s.results, contentID)
	s.mu.Unlock()
}

// Stats returns a snapshot of the selector counters.
func (s *Selector) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
