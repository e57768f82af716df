// Package tier implements a capacity- and TTL-bounded cache tier over a
// reach-level partition, with scorer-biased eviction and domain/epic/
// custodian secondary indices. The blob and chunk tiers are two configured
// instances of the same Cache.
package tier

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	reachcache "github.com/ethosengine/reach-cache"
	"github.com/ethosengine/reach-cache/priority"
	"github.com/ethosengine/reach-cache/store/partition"
	"github.com/ethosengine/reach-cache/store/timeindex"
	"github.com/ethosengine/reach-cache/telemetry"
)

// evictionWindow is how many near-oldest candidates the scorer chooses
// among when scoring is enabled.
const evictionWindow = 8

// Config holds a tier's capacity and expiry policy. Immutable after New.
type Config struct {
	// Name labels the tier in logs and metrics ("blob", "chunk").
	Name string

	// MaxSizeBytes is the tier's total capacity; each reach level gets an
	// equal share unless LevelWeights is set.
	MaxSizeBytes int64

	// TTL is the default time-to-live since creation. Zero disables
	// expiry. Entries may carry their own shorter or longer TTL.
	TTL time.Duration

	// LevelWeights optionally splits the capacity unevenly across reach
	// levels. Weights are normalized over their sum; a zero weight gives
	// that level no capacity.
	LevelWeights *[reachcache.NumReachLevels]float64

	// ScoringEnabled selects priority-biased eviction: the evictor picks
	// the lowest-priority of several near-oldest candidates instead of
	// the strictly oldest entry.
	ScoringEnabled bool

	// Scorer used when ScoringEnabled. Defaults to priority defaults.
	Scorer *priority.Scorer

	// ScoreContext supplies the host's perspective for eviction scoring.
	ScoreContext priority.Context

	// Logger for tier events.
	Logger *slog.Logger
}

// Cache is one tier. All operations are safe for concurrent use; entries
// at different reach levels never contend on a lock.
type Cache struct {
	config    Config
	partition *partition.Partition
	codec     *codec
	scorer    *priority.Scorer
	logger    *slog.Logger
	now       func() time.Time

	byDomain    *refIndex
	byEpic      *refIndex
	byCustodian *refIndex

	hits      atomic.Uint64
	misses    atomic.Uint64
	expired   atomic.Uint64
	evictions atomic.Uint64
}

// Stats is a snapshot of tier counters and sizes.
type Stats struct {
	Name      string
	Hits      uint64
	Misses    uint64
	Expired   uint64
	Evictions uint64
	SizeBytes int64
	PerLevel  [reachcache.NumReachLevels]int64
	Entries   int
}

// New creates a tier cache.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxSizeBytes <= 0 {
		return nil, fmt.Errorf("tier %q: MaxSizeBytes must be positive", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = "tier"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Scorer == nil {
		cfg.Scorer = priority.New(priority.DefaultWeights())
	}

	cdc, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("tier %q: %w", cfg.Name, err)
	}

	return &Cache{
		config:      cfg,
		partition:   partition.New(),
		codec:       cdc,
		scorer:      cfg.Scorer,
		logger:      cfg.Logger,
		now:         time.Now,
		byDomain:    newRefIndex(),
		byEpic:      newRefIndex(),
		byCustodian: newRefIndex(),
	}, nil
}

// Name returns the tier label.
func (c *Cache) Name() string { return c.config.Name }

// Close releases the payload codec.
func (c *Cache) Close() { c.codec.close() }

// Put admits an entry, evicting as needed to keep the entry's reach-level
// partition within budget. Returns the number of entries evicted, or
// reachcache.ErrOversized when the payload could never fit. A successful
// Put always leaves the partition at or under its budget.
func (c *Cache) Put(ctx context.Context, e *reachcache.Entry) (int, error) {
	now := c.now()

	e.Reach = e.Reach.Clamp()
	if e.SizeBytes == 0 {
		e.SizeBytes = int64(len(e.Data))
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastAccessedAt.IsZero() {
		e.LastAccessedAt = e.CreatedAt
	}

	budget := c.levelBudget(e.Reach)
	if e.SizeBytes > budget {
		return 0, fmt.Errorf("tier %s: %d bytes into %d byte partition: %w",
			c.config.Name, e.SizeBytes, budget, reachcache.ErrOversized)
	}

	e.Data = c.codec.encode(e.Data)

	var replaced *reachcache.Entry
	var victims []*reachcache.Entry
	c.partition.With(e.Reach, func(st *timeindex.Store) {
		replaced = st.Put(e)
		for st.TotalSize() > budget {
			victim := c.pickVictim(st, e.Key, now)
			if victim == "" {
				break
			}
			if removed, ok := st.Remove(victim); ok {
				victims = append(victims, removed)
			}
		}
	})

	// A replaced entry may carry different tags; drop its refs before
	// adding the new ones so the old tags don't keep a ghost membership.
	if replaced != nil {
		c.dropFromIndices(replaced)
	}

	ref := reachcache.KeyRef{Key: e.Key, Reach: e.Reach}
	c.byDomain.add(string(e.Domain), ref)
	c.byEpic.add(string(e.Epic), ref)
	c.byCustodian.add(e.CustodianID, ref)

	for _, v := range victims {
		c.dropFromIndices(v)
		c.evictions.Add(1)
		telemetry.RecordEviction(ctx, c.config.Name, "capacity", v.SizeBytes)
		c.logger.Debug("evicted for capacity",
			"tier", c.config.Name,
			"key", v.Key,
			"reach", v.Reach.String(),
			"size", v.SizeBytes,
		)
	}

	telemetry.RecordAdmission(ctx, c.config.Name, e.Reach.String(), e.SizeBytes)
	c.recordLevelState(ctx, e.Reach)

	return len(victims), nil
}

// Get returns the payload for key at a reach level, updating access
// metadata and index recency hints. Entries past their TTL are treated as
// misses and removed lazily, whether or not a sweep has run.
func (c *Cache) Get(ctx context.Context, key string, reach reachcache.ReachLevel) ([]byte, error) {
	now := c.now()
	reach = reach.Clamp()

	var (
		entry    *reachcache.Entry
		wasStale bool
		frame    []byte
		logical  int64
	)
	c.partition.With(reach, func(st *timeindex.Store) {
		e, ok := st.Get(key)
		if !ok {
			return
		}
		if e.Expired(now, c.config.TTL) {
			st.Remove(key)
			entry, wasStale = e, true
			return
		}
		st.Touch(key, now)
		entry = e
		frame = e.Data
		logical = e.SizeBytes
	})

	if entry == nil {
		c.misses.Add(1)
		telemetry.RecordLookup(ctx, c.config.Name, "miss")
		return nil, reachcache.ErrNotFound
	}

	if wasStale {
		c.dropFromIndices(entry)
		c.expired.Add(1)
		c.misses.Add(1)
		telemetry.RecordLookup(ctx, c.config.Name, "expired")
		telemetry.RecordEviction(ctx, c.config.Name, "expired", entry.SizeBytes)
		return nil, reachcache.ErrNotFound
	}

	c.byDomain.touch(string(entry.Domain), now)
	c.byEpic.touch(string(entry.Epic), now)
	c.byCustodian.touch(entry.CustodianID, now)

	data, err := c.codec.decode(frame, logical)
	if err != nil {
		// A corrupt frame is unrecoverable; drop it and report a miss.
		c.Delete(ctx, key, reach)
		c.misses.Add(1)
		telemetry.RecordLookup(ctx, c.config.Name, "miss")
		c.logger.Warn("dropping corrupt entry",
			"tier", c.config.Name, "key", key, "error", err)
		return nil, reachcache.ErrNotFound
	}

	c.hits.Add(1)
	telemetry.RecordLookup(ctx, c.config.Name, "hit")
	return data, nil
}

// Delete removes an entry from the primary store and all secondary
// indices. Returns false when the key is absent.
func (c *Cache) Delete(ctx context.Context, key string, reach reachcache.ReachLevel) bool {
	var removed *reachcache.Entry
	c.partition.With(reach.Clamp(), func(st *timeindex.Store) {
		removed, _ = st.Remove(key)
	})
	if removed == nil {
		return false
	}
	c.dropFromIndices(removed)
	telemetry.RecordEviction(ctx, c.config.Name, "delete", removed.SizeBytes)
	return true
}

// EvictLRU evicts entries at one reach level until the partition is back
// under budget. On an empty or already-fitting partition it returns 0 and
// changes nothing.
func (c *Cache) EvictLRU(ctx context.Context, reach reachcache.ReachLevel) int {
	reach = reach.Clamp()
	now := c.now()
	budget := c.levelBudget(reach)

	var victims []*reachcache.Entry
	c.partition.With(reach, func(st *timeindex.Store) {
		for st.TotalSize() > budget {
			victim := c.pickVictim(st, "", now)
			if victim == "" {
				break
			}
			if removed, ok := st.Remove(victim); ok {
				victims = append(victims, removed)
			}
		}
	})

	for _, v := range victims {
		c.dropFromIndices(v)
		c.evictions.Add(1)
		telemetry.RecordEviction(ctx, c.config.Name, "capacity", v.SizeBytes)
	}
	return len(victims)
}

// CleanupExpired sweeps every reach level, removing entries whose index
// timestamp predates now-TTL. Work is proportional to the number of
// expired entries; limit > 0 bounds removals for this invocation so a
// large backlog cannot stall other operations. Returns the removal count.
func (c *Cache) CleanupExpired(ctx context.Context, now time.Time, limit int) int {
	if c.config.TTL <= 0 {
		return 0
	}
	start := c.now()
	cutoff := now.Add(-c.config.TTL)

	cleaned := 0
	for level := range reachcache.NumReachLevels {
		if limit > 0 && cleaned >= limit {
			break
		}
		remaining := 0
		if limit > 0 {
			remaining = limit - cleaned
		}

		var removed []*reachcache.Entry
		c.partition.With(reachcache.ReachLevel(level), func(st *timeindex.Store) {
			removed = st.RemoveBefore(cutoff, remaining)
		})
		for _, e := range removed {
			c.dropFromIndices(e)
		}
		cleaned += len(removed)
	}

	if cleaned > 0 {
		c.expired.Add(uint64(cleaned))
		c.logger.Debug("ttl sweep complete",
			"tier", c.config.Name,
			"cleaned", cleaned,
			"cutoff", cutoff,
		)
	}
	telemetry.RecordSweep(ctx, c.config.Name, cleaned, c.now().Sub(start))
	return cleaned
}

// QueryByDomain returns references to live entries tagged with domain.
func (c *Cache) QueryByDomain(domain reachcache.Domain) []reachcache.KeyRef {
	return c.byDomain.list(string(domain))
}

// QueryByEpic returns references to live entries tagged with epic.
func (c *Cache) QueryByEpic(epic reachcache.Epic) []reachcache.KeyRef {
	return c.byEpic.list(string(epic))
}

// QueryByCustodian returns references to entries sourced from a custodian.
func (c *Cache) QueryByCustodian(custodianID string) []reachcache.KeyRef {
	return c.byCustodian.list(custodianID)
}

// DomainLastAccess returns when a member of domain was last read.
func (c *Cache) DomainLastAccess(domain reachcache.Domain) time.Time {
	return c.byDomain.lastTouched(string(domain))
}

// SizeAt returns the logical bytes held at one reach level.
func (c *Cache) SizeAt(reach reachcache.ReachLevel) int64 {
	return c.partition.SizeAt(reach)
}

// Stats returns a snapshot of the tier's counters and sizes.
func (c *Cache) Stats() Stats {
	s := Stats{
		Name:      c.config.Name,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Expired:   c.expired.Load(),
		Evictions: c.evictions.Load(),
		PerLevel:  c.partition.Sizes(),
	}
	for level := range reachcache.NumReachLevels {
		s.SizeBytes += s.PerLevel[level]
		s.Entries += c.partition.LenAt(reachcache.ReachLevel(level))
	}
	return s
}

// levelBudget returns the byte budget for one reach level.
func (c *Cache) levelBudget(reach reachcache.ReachLevel) int64 {
	if c.config.LevelWeights == nil {
		return c.config.MaxSizeBytes / reachcache.NumReachLevels
	}
	var sum float64
	for _, w := range c.config.LevelWeights {
		sum += w
	}
	if sum <= 0 {
		return c.config.MaxSizeBytes / reachcache.NumReachLevels
	}
	return int64(float64(c.config.MaxSizeBytes) * c.config.LevelWeights[reach] / sum)
}

// pickVictim chooses the next eviction victim from the store. The caller
// holds the slot lock. exclude guards the entry being admitted so a Put can
// never evict its own payload. Returns "" when no candidate exists.
func (c *Cache) pickVictim(st *timeindex.Store, exclude string, now time.Time) string {
	window := 1
	if c.config.ScoringEnabled {
		window = evictionWindow
	}

	candidates := st.PeekOldest(window + 1)
	var victim string
	lowest := 0.0
	for _, key := range candidates {
		if key == exclude {
			continue
		}
		if !c.config.ScoringEnabled {
			return key
		}
		e, ok := st.Get(key)
		if !ok {
			continue
		}
		scoreCtx := c.config.ScoreContext
		scoreCtx.Now = now
		p := c.scorer.Priority(e, scoreCtx)
		if victim == "" || p < lowest {
			victim, lowest = key, p
		}
	}
	return victim
}

func (c *Cache) dropFromIndices(e *reachcache.Entry) {
	ref := reachcache.KeyRef{Key: e.Key, Reach: e.Reach}
	c.byDomain.remove(string(e.Domain), ref)
	c.byEpic.remove(string(e.Epic), ref)
	c.byCustodian.remove(e.CustodianID, ref)
}

func (c *Cache) recordLevelState(ctx context.Context, reach reachcache.ReachLevel) {
	telemetry.UpdateTierState(ctx, c.config.Name, reach.String(),
		c.partition.SizeAt(reach), c.partition.LenAt(reach))
}
