// Package timeindex provides a key->entry store with an auxiliary ordered
// index over access timestamps, giving oldest-first eviction and
// remove-all-before-cutoff in time proportional to the work done rather
// than the store size.
package timeindex

import (
	"time"

	"github.com/google/btree"

	reachcache "github.com/ethosengine/reach-cache"
)

// btreeDegree is the branching factor of the timestamp index.
const btreeDegree = 8

// bucket groups the keys whose entries share an index timestamp.
// Timestamps are unix nanoseconds of LastAccessedAt.
type bucket struct {
	ts   int64
	keys map[string]struct{}
}

func bucketLess(a, b *bucket) bool { return a.ts < b.ts }

// Store is the time-indexed store. It is not goroutine-safe: the partition
// slot that owns a Store serialises access with its own lock, so stores at
// different reach levels never contend.
type Store struct {
	entries map[string]*reachcache.Entry
	index   *btree.BTreeG[*bucket]
	size    int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string]*reachcache.Entry),
		index:   btree.NewG(btreeDegree, bucketLess),
	}
}

// Put inserts or replaces the entry for entry.Key. Replacement removes the
// previous copy from the index first so the byte accounting stays exact,
// and returns it so callers can clean up anything keyed on its metadata.
func (s *Store) Put(entry *reachcache.Entry) *reachcache.Entry {
	var replaced *reachcache.Entry
	if old, ok := s.entries[entry.Key]; ok {
		s.unindex(old)
		s.size -= old.SizeBytes
		replaced = old
	}
	s.entries[entry.Key] = entry
	s.size += entry.SizeBytes
	s.indexAt(entry.LastAccessedAt, entry.Key)
	return replaced
}

// Get returns the entry for key without touching the index.
func (s *Store) Get(key string) (*reachcache.Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Touch updates the access metadata for key and re-indexes the entry under
// the new timestamp. This re-index is what makes LRU eviction possible
// without scanning.
func (s *Store) Touch(key string, now time.Time) (*reachcache.Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	s.unindex(e)
	e.LastAccessedAt = now
	e.AccessCount++
	s.indexAt(now, key)
	return e, true
}

// Remove deletes the entry for key, returning it for the caller's
// secondary-index cleanup and byte accounting.
func (s *Store) Remove(key string) (*reachcache.Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	s.unindex(e)
	delete(s.entries, key)
	s.size -= e.SizeBytes
	return e, true
}

// EvictOldest removes one entry from the oldest timestamp bucket.
// Returns false when the store is empty.
func (s *Store) EvictOldest() (*reachcache.Entry, bool) {
	min, ok := s.index.Min()
	if !ok {
		return nil, false
	}
	for key := range min.keys {
		e, _ := s.Remove(key)
		return e, e != nil
	}
	// Empty buckets are deleted eagerly, so this is unreachable; guard anyway.
	s.index.Delete(min)
	return nil, false
}

// PeekOldest returns up to k keys in oldest-first order without removing
// them. The eviction policy uses this window to bias by priority instead of
// evicting on timestamp alone.
func (s *Store) PeekOldest(k int) []string {
	if k <= 0 {
		return nil
	}
	keys := make([]string, 0, k)
	s.index.Ascend(func(b *bucket) bool {
		for key := range b.keys {
			keys = append(keys, key)
			if len(keys) == k {
				return false
			}
		}
		return true
	})
	return keys
}

// RemoveBefore removes every entry whose index timestamp is at or before
// cutoff, stopping after limit removals when limit > 0. Cost is
// proportional to the number of removed entries, not the store size.
func (s *Store) RemoveBefore(cutoff time.Time, limit int) []*reachcache.Entry {
	max := cutoff.UnixNano()

	var stale []string
	s.index.Ascend(func(b *bucket) bool {
		if b.ts > max {
			return false
		}
		for key := range b.keys {
			stale = append(stale, key)
			if limit > 0 && len(stale) == limit {
				return false
			}
		}
		return true
	})

	removed := make([]*reachcache.Entry, 0, len(stale))
	for _, key := range stale {
		if e, ok := s.Remove(key); ok {
			removed = append(removed, e)
		}
	}
	return removed
}

// TotalSize returns the sum of logical entry sizes.
func (s *Store) TotalSize() int64 {
	return s.size
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	return len(s.entries)
}

func (s *Store) indexAt(ts time.Time, key string) {
	probe := &bucket{ts: ts.UnixNano()}
	if b, ok := s.index.Get(probe); ok {
		b.keys[key] = struct{}{}
		return
	}
	probe.keys = map[string]struct{}{key: {}}
	s.index.ReplaceOrInsert(probe)
}

func (s *Store) unindex(e *reachcache.Entry) {
	probe := &bucket{ts: e.LastAccessedAt.UnixNano()}
	b, ok := s.index.Get(probe)
	if !ok {
		return
	}
	delete(b.keys, e.Key)
	if len(b.keys) == 0 {
		s.index.Delete(b)
	}
}
