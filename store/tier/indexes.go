package tier

import (
	"sync"
	"time"

	reachcache "github.com/ethosengine/reach-cache"
)

// refIndex is a tag -> entry-reference secondary index. Membership changes
// only on admission and removal; reads bump a per-tag recency hint but
// never membership.
type refIndex struct {
	mu      sync.RWMutex
	refs    map[string]map[reachcache.KeyRef]struct{}
	touched map[string]time.Time
}

func newRefIndex() *refIndex {
	return &refIndex{
		refs:    make(map[string]map[reachcache.KeyRef]struct{}),
		touched: make(map[string]time.Time),
	}
}

func (ix *refIndex) add(tag string, ref reachcache.KeyRef) {
	if tag == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	set, ok := ix.refs[tag]
	if !ok {
		set = make(map[reachcache.KeyRef]struct{})
		ix.refs[tag] = set
	}
	set[ref] = struct{}{}
}

func (ix *refIndex) remove(tag string, ref reachcache.KeyRef) {
	if tag == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	set, ok := ix.refs[tag]
	if !ok {
		return
	}
	delete(set, ref)
	if len(set) == 0 {
		delete(ix.refs, tag)
		delete(ix.touched, tag)
	}
}

// touch records that a member of tag was read.
func (ix *refIndex) touch(tag string, now time.Time) {
	if tag == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.refs[tag]; ok {
		ix.touched[tag] = now
	}
}

func (ix *refIndex) list(tag string) []reachcache.KeyRef {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	set, ok := ix.refs[tag]
	if !ok {
		return nil
	}
	out := make([]reachcache.KeyRef, 0, len(set))
	for ref := range set {
		out = append(out, ref)
	}
	return out
}

// lastTouched returns the most recent read time for tag, zero when the tag
// has never been read or holds no entries.
func (ix *refIndex) lastTouched(tag string) time.Time {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.touched[tag]
}
