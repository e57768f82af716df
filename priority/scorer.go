// Package priority computes retention priority for cache entries. Eviction
// uses it to pick the least valuable of several near-oldest candidates
// instead of evicting on timestamp alone.
package priority

import (
	"time"

	reachcache "github.com/ethosengine/reach-cache"
)

// Weights tunes the blend of retention signals. They are a policy choice,
// not a derived constant; callers override them via config.
type Weights struct {
	Recency        float64
	Freshness      float64
	ReachProximity float64
	DomainAffinity float64
}

// DefaultWeights returns the default retention policy blend.
func DefaultWeights() Weights {
	return Weights{
		Recency:        0.35,
		Freshness:      0.30,
		ReachProximity: 0.20,
		DomainAffinity: 0.15,
	}
}

// Context carries the per-request signals a priority is computed against.
type Context struct {
	// RequesterReach biases retention toward entries close to the
	// requester's own reach level.
	RequesterReach reachcache.ReachLevel

	// Affinity maps domains to 0-1 relevance for the requester. When a
	// domain is absent the entry's own admission-time affinity is used.
	Affinity map[reachcache.Domain]float64

	// Now anchors the recency and freshness decay calculations.
	Now time.Time
}

// RecencyWindow is the idle span over which the recency score decays from
// 1 to 0.
const RecencyWindow = 24 * time.Hour

// Scorer computes entry priorities. Higher is more worth keeping.
type Scorer struct {
	weights Weights
}

// New creates a scorer. Zero-valued weights fall back to the defaults.
func New(w Weights) *Scorer {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Scorer{weights: w}
}

// Priority returns the weighted retention score for entry, in [0, 1] when
// the weights sum to 1.
func (s *Scorer) Priority(e *reachcache.Entry, ctx Context) float64 {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	return s.weights.Recency*recencyScore(e, now) +
		s.weights.Freshness*e.Mastery.Freshness(e.Age(now)) +
		s.weights.ReachProximity*proximityScore(e.Reach, ctx.RequesterReach) +
		s.weights.DomainAffinity*affinityScore(e, ctx)
}

func recencyScore(e *reachcache.Entry, now time.Time) float64 {
	idle := e.Idle(now)
	if idle <= 0 {
		return 1
	}
	score := 1 - float64(idle)/float64(RecencyWindow)
	if score < 0 {
		return 0
	}
	return score
}

func proximityScore(entry, requester reachcache.ReachLevel) float64 {
	return 1 - float64(entry.Distance(requester))/float64(reachcache.NumReachLevels-1)
}

func affinityScore(e *reachcache.Entry, ctx Context) float64 {
	if ctx.Affinity != nil {
		if a, ok := ctx.Affinity[e.Domain]; ok {
			return clamp01(a)
		}
	}
	return clamp01(e.Affinity)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
