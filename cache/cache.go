// Package cache is the facade over the blob and chunk tiers, the custodian
// selector, and the origin fallback. Hosts construct one Cache and inject
// their own collaborators for anything that touches the network or disk;
// the cache's own state transitions are synchronous and in-memory.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	reachcache "github.com/ethosengine/reach-cache"
	"github.com/ethosengine/reach-cache/custodian"
	"github.com/ethosengine/reach-cache/priority"
	"github.com/ethosengine/reach-cache/store/tier"
)

// OriginFetcher retrieves content from the durable backing store or DHT.
// Called only on a total cache miss with no serving custodian.
type OriginFetcher interface {
	FetchOrigin(ctx context.Context, key string) ([]byte, error)
}

// CommitmentLister supplies the custodians pledged to replicate content.
// Typically backed by the directory package.
type CommitmentLister interface {
	ListCommitments(ctx context.Context, contentID string) ([]custodian.Profile, error)
}

// CustodianFetcher retrieves content bytes from a selected peer.
type CustodianFetcher interface {
	FetchFromCustodian(ctx context.Context, custodianID, key string) ([]byte, error)
}

// Observer receives health snapshots published by the cache. Callbacks run
// on the publisher's goroutine and must not block.
type Observer interface {
	HealthUpdated(report HealthReport)
}

// Config wires a Cache together. Blob and Chunk are required; the
// collaborators are optional and misses simply degrade when absent.
type Config struct {
	Blob  tier.Config
	Chunk tier.Config

	// Selector policy for custodian selection.
	Selector custodian.Config

	// SweepInterval is how often the background sweeper runs TTL cleanup.
	// Default is 1 minute.
	SweepInterval time.Duration

	// SweepLimit bounds removals per sweep per tier. Zero means unbounded.
	SweepLimit int

	Origin    OriginFetcher
	Directory CommitmentLister
	Remote    CustodianFetcher

	Logger *slog.Logger
}

// Cache owns the two tiers and the selector.
type Cache struct {
	blob     *tier.Cache
	chunk    *tier.Cache
	selector *custodian.Selector

	origin    OriginFetcher
	directory CommitmentLister
	remote    CustodianFetcher

	config Config
	logger *slog.Logger
	now    func() time.Time

	remoteHits    atomic.Uint64
	originFetches atomic.Uint64

	mu        sync.Mutex
	observers []Observer
	running   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New constructs a Cache from cfg.
func New(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Blob.Name == "" {
		cfg.Blob.Name = "blob"
	}
	if cfg.Chunk.Name == "" {
		cfg.Chunk.Name = "chunk"
	}
	if cfg.Blob.Logger == nil {
		cfg.Blob.Logger = cfg.Logger
	}
	if cfg.Chunk.Logger == nil {
		cfg.Chunk.Logger = cfg.Logger
	}
	if cfg.Selector.Logger == nil {
		cfg.Selector.Logger = cfg.Logger
	}

	blob, err := tier.New(cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("blob tier: %w", err)
	}
	chunk, err := tier.New(cfg.Chunk)
	if err != nil {
		blob.Close()
		return nil, fmt.Errorf("chunk tier: %w", err)
	}

	return &Cache{
		blob:      blob,
		chunk:     chunk,
		selector:  custodian.NewSelector(cfg.Selector),
		origin:    cfg.Origin,
		directory: cfg.Directory,
		remote:    cfg.Remote,
		config:    cfg,
		logger:    cfg.Logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Close stops the sweeper and releases tier resources.
func (c *Cache) Close() {
	c.Stop()
	c.blob.Close()
	c.chunk.Close()
}

// Blob returns the whole-object tier.
func (c *Cache) Blob() *tier.Cache { return c.blob }

// Chunk returns the streamed sub-part tier.
func (c *Cache) Chunk() *tier.Cache { return c.chunk }

// Selector returns the custodian selector.
func (c *Cache) Selector() *custodian.Selector { return c.selector }

// Get resolves key at a reach level: blob tier first, then chunk tier,
// then a committed custodian, then the origin. Remote and origin results
// are written back to the blob tier so the next read is local.
func (c *Cache) Get(ctx context.Context, key string, reach reachcache.ReachLevel) ([]byte, error) {
	if data, err := c.blob.Get(ctx, key, reach); err == nil {
		return data, nil
	}
	if data, err := c.chunk.Get(ctx, key, reach); err == nil {
		return data, nil
	}

	if data, id, ok := c.fetchRemote(ctx, key); ok {
		c.remoteHits.Add(1)
		c.writeBack(ctx, key, reach, data, id)
		return data, nil
	}

	if c.origin == nil {
		return nil, reachcache.ErrNotFound
	}
	data, err := c.origin.FetchOrigin(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("origin fetch for %s: %w", key, err)
	}
	c.originFetches.Add(1)
	c.writeBack(ctx, key, reach, data, "")
	return data, nil
}

// fetchRemote tries the custodian path. Every failure is soft; the caller
// falls through to the origin.
func (c *Cache) fetchRemote(ctx context.Context, key string) ([]byte, string, bool) {
	if c.directory == nil || c.remote == nil {
		return nil, "", false
	}

	profiles, err := c.directory.ListCommitments(ctx, key)
	if err != nil {
		c.logger.Warn("listing commitments failed", "key", key, "error", err)
		return nil, "", false
	}

	result, err := c.selector.Select(ctx, key, profiles)
	if err != nil {
		if !errors.Is(err, custodian.ErrNoCustodian) {
			c.logger.Warn("custodian selection failed", "key", key, "error", err)
		}
		return nil, "", false
	}

	data, err := c.remote.FetchFromCustodian(ctx, result.CustodianID, key)
	if err != nil {
		c.logger.Warn("custodian fetch failed",
			"key", key,
			"custodian_id", result.CustodianID,
			"error", err,
		)
		// The memoized winner could not serve; let the next miss rescore.
		c.selector.Invalidate(key)
		return nil, "", false
	}
	return data, result.CustodianID, true
}

func (c *Cache) writeBack(ctx context.Context, key string, reach reachcache.ReachLevel, data []byte, custodianID string) {
	_, err := c.blob.Put(ctx, &reachcache.Entry{
		Key:         key,
		Data:        data,
		Reach:       reach,
		Domain:      reachcache.DomainOther,
		Epic:        reachcache.EpicOther,
		CustodianID: custodianID,
	})
	if err != nil {
		// Writeback is best effort; the caller already has the bytes.
		c.logger.Debug("writeback skipped", "key", key, "error", err)
	}
}

// PutBlob admits an entry into the blob tier.
func (c *Cache) PutBlob(ctx context.Context, e *reachcache.Entry) (int, error) {
	return c.blob.Put(ctx, e)
}

// PutChunk admits an entry into the chunk tier.
func (c *Cache) PutChunk(ctx context.Context, e *reachcache.Entry) (int, error) {
	return c.chunk.Put(ctx, e)
}

// Delete removes key at a reach level from both tiers. Returns true when
// either tier held it.
func (c *Cache) Delete(ctx context.Context, key string, reach reachcache.ReachLevel) bool {
	b := c.blob.Delete(ctx, key, reach)
	ch := c.chunk.Delete(ctx, key, reach)
	return b || ch
}

// CleanupExpired runs one TTL sweep over both tiers obeying the configured
// per-tier removal bound. Returns the total removed.
func (c *Cache) CleanupExpired(ctx context.Context, now time.Time) int {
	cleaned := c.blob.CleanupExpired(ctx, now, c.config.SweepLimit)
	cleaned += c.chunk.CleanupExpired(ctx, now, c.config.SweepLimit)
	return cleaned
}

// QueryByDomain returns blob then chunk references tagged with domain.
func (c *Cache) QueryByDomain(domain reachcache.Domain) []reachcache.KeyRef {
	return append(c.blob.QueryByDomain(domain), c.chunk.QueryByDomain(domain)...)
}

// QueryByEpic returns blob then chunk references tagged with epic.
func (c *Cache) QueryByEpic(epic reachcache.Epic) []reachcache.KeyRef {
	return append(c.blob.QueryByEpic(epic), c.chunk.QueryByEpic(epic)...)
}

// QueryByCustodian returns blob then chunk references sourced from a
// custodian.
func (c *Cache) QueryByCustodian(custodianID string) []reachcache.KeyRef {
	return append(c.blob.QueryByCustodian(custodianID), c.chunk.QueryByCustodian(custodianID)...)
}

// Subscribe registers an observer for health snapshots.
func (c *Cache) Subscribe(obs Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, obs)
	c.mu.Unlock()
}

// HealthReport is a point-in-time snapshot of cache health.
type HealthReport struct {
	HitRate        float64                                  `json:"hitRate"`
	TotalSizeBytes int64                                    `json:"totalSizeBytes"`
	PerReach       [reachcache.NumReachLevels]int64         `json:"perReachSizeBytes"`
	EvictionCount  uint64                                   `json:"evictionCount"`
	Blob           tier.Stats                               `json:"blob"`
	Chunk          tier.Stats                               `json:"chunk"`
	Selection      custodian.Stats                          `json:"selection"`
	RemoteHits     uint64                                   `json:"remoteHits"`
	OriginFetches  uint64                                   `json:"originFetches"`
	GeneratedAt    time.Time                                `json:"generatedAt"`
}

// Health builds a report across both tiers and the selector.
func (c *Cache) Health() HealthReport {
	blob := c.blob.Stats()
	chunk := c.chunk.Stats()

	r := HealthReport{
		Blob:          blob,
		Chunk:         chunk,
		Selection:     c.selector.Stats(),
		EvictionCount: blob.Evictions + chunk.Evictions,
		RemoteHits:    c.remoteHits.Load(),
		OriginFetches: c.originFetches.Load(),
		GeneratedAt:   c.now(),
	}
	for level := range reachcache.NumReachLevels {
		r.PerReach[level] = blob.PerLevel[level] + chunk.PerLevel[level]
		r.TotalSizeBytes += r.PerReach[level]
	}

	lookups := blob.Hits + blob.Misses + chunk.Hits + chunk.Misses
	if lookups > 0 {
		r.HitRate = float64(blob.Hits+chunk.Hits) / float64(lookups)
	}
	return r
}

// Start begins the background TTL sweeper. Safe to call once; repeat calls
// are no-ops.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Stop halts the sweeper and waits for it to drain. Safe to call more
// than once, and before Start.
func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.running || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

func (c *Cache) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Cache) sweepOnce(ctx context.Context) {
	cleaned := c.CleanupExpired(ctx, c.now())
	if cleaned > 0 {
		c.logger.Info("sweep removed expired entries", "cleaned", cleaned)
	}
	c.publishHealth()
}

func (c *Cache) publishHealth() {
	c.mu.Lock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	if len(observers) == 0 {
		return
	}
	report := c.Health()
	for _, obs := range observers {
		obs.HealthUpdated(report)
	}
}

// ScoreContextForRequester builds an eviction scoring context for a host
// serving a requester at the given reach with the given domain affinities.
func ScoreContextForRequester(reach reachcache.ReachLevel, affinity map[reachcache.Domain]float64) priority.Context {
	return priority.Context{
		RequesterReach: reach,
		Affinity:       affinity,
	}
}
