// Package partition holds the per-reach-level isolation structure: a fixed
// array of independent time-indexed stores, one per reach level, each behind
// its own lock.
package partition

import (
	"sync"

	reachcache "github.com/ethosengine/reach-cache"
	"github.com/ethosengine/reach-cache/store/timeindex"
)

// slot pairs a store with the lock serialising access to it. Operations on
// different reach levels never share a lock, so isolation is structural
// rather than a policy check.
type slot struct {
	mu    sync.Mutex
	store *timeindex.Store
}

// Partition is the fixed array of reach-level stores.
type Partition struct {
	slots [reachcache.NumReachLevels]slot
}

// New creates a partition with an empty store per reach level.
func New() *Partition {
	p := &Partition{}
	for i := range p.slots {
		p.slots[i].store = timeindex.New()
	}
	return p
}

// With runs fn against the store for the given reach level while holding
// that level's lock. fn must not retain the store or entries past its
// return; this is the only access path into a slot.
func (p *Partition) With(reach reachcache.ReachLevel, fn func(*timeindex.Store)) {
	s := &p.slots[reach.Clamp()]
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.store)
}

// SizeAt returns the total logical bytes stored at one reach level.
func (p *Partition) SizeAt(reach reachcache.ReachLevel) int64 {
	var size int64
	p.With(reach, func(st *timeindex.Store) {
		size = st.TotalSize()
	})
	return size
}

// LenAt returns the entry count at one reach level.
func (p *Partition) LenAt(reach reachcache.ReachLevel) int {
	var n int
	p.With(reach, func(st *timeindex.Store) {
		n = st.Len()
	})
	return n
}

// TotalSize returns the sum of bytes across all reach levels. Levels are
// locked one at a time, so the result is a moment-by-moment aggregate, not
// a snapshot.
func (p *Partition) TotalSize() int64 {
	var total int64
	for level := range reachcache.NumReachLevels {
		total += p.SizeAt(reachcache.ReachLevel(level))
	}
	return total
}

// Sizes returns the per-level byte totals.
func (p *Partition) Sizes() [reachcache.NumReachLevels]int64 {
	var sizes [reachcache.NumReachLevels]int64
	for level := range reachcache.NumReachLevels {
		sizes[level] = p.SizeAt(reachcache.ReachLevel(level))
	}
	return sizes
}
