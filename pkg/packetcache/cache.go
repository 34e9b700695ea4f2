// Package packetcache holds the deduplicated packet history that topology
// builds read from. The cache is additive: all ingest paths merge by content
// hash, and only an explicit Clear or a post-fetch bootstrap reset removes
// anything.
package packetcache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-meshtopo/pkg/device"
	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
	"github.com/dd0wney/cluso-meshtopo/pkg/metrics"
)

// Config holds cache tunables. Zero values are replaced by defaults.
type Config struct {
	// BootstrapWindow is how far back the initial fetch reaches.
	BootstrapWindow time.Duration
	// StalenessThreshold bounds how old persisted state may be before a
	// bootstrap refetches instead of trusting it.
	StalenessThreshold time.Duration
	// BootstrapLimit caps the packet count of the initial fetch.
	BootstrapLimit int
	// DeepLoadBatchSize is the page size for backward history pagination.
	DeepLoadBatchSize int
	// DeepLoadDelay is the pause between deep-load batches.
	DeepLoadDelay time.Duration
	// DeepLoadMaxBatches bounds a single deep-load run.
	DeepLoadMaxBatches int
	// PollBatchSize caps each periodic recent-packet fetch.
	PollBatchSize int
}

// DefaultConfig returns the production cache configuration.
func DefaultConfig() Config {
	return Config{
		BootstrapWindow:    24 * time.Hour,
		StalenessThreshold: time.Hour,
		BootstrapLimit:     5000,
		DeepLoadBatchSize:  500,
		DeepLoadDelay:      500 * time.Millisecond,
		DeepLoadMaxBatches: 500,
		PollBatchSize:      200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BootstrapWindow <= 0 {
		c.BootstrapWindow = d.BootstrapWindow
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = d.StalenessThreshold
	}
	if c.BootstrapLimit <= 0 {
		c.BootstrapLimit = d.BootstrapLimit
	}
	if c.DeepLoadBatchSize <= 0 {
		c.DeepLoadBatchSize = d.DeepLoadBatchSize
	}
	if c.DeepLoadDelay < 0 {
		c.DeepLoadDelay = d.DeepLoadDelay
	}
	if c.DeepLoadMaxBatches <= 0 {
		c.DeepLoadMaxBatches = d.DeepLoadMaxBatches
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = d.PollBatchSize
	}
	return c
}

// Meta describes the state of the cached window.
type Meta struct {
	Oldest           time.Time `json:"oldest"`
	Newest           time.Time `json:"newest"`
	LastUpdated      time.Time `json:"last_updated"`
	DeepLoadComplete bool      `json:"deep_load_complete"`
	Count            int       `json:"count"`
}

// MergeResult reports the outcome of one merge call.
type MergeResult struct {
	Inserted   int
	Duplicates int
	Total      int
}

// Summary is the cache status view served by the API. The traffic counters
// are derived from the cached window on every call; the cache holds no
// separate counter state to drift.
type Summary struct {
	PacketCount      int            `json:"packet_count"`
	ForwardedCount   int            `json:"forwarded_count"`
	SourceCount      int            `json:"source_count"`
	PacketsPerHour   float64        `json:"packets_per_hour"`
	Oldest           time.Time      `json:"oldest,omitempty"`
	Newest           time.Time      `json:"newest,omitempty"`
	LastUpdated      time.Time      `json:"last_updated,omitempty"`
	DeepLoadComplete bool           `json:"deep_load_complete"`
	BySource         map[string]int `json:"by_source,omitempty"`
}

// Cache is the in-memory packet set with optional write-through persistence.
// All methods are safe for concurrent use.
type Cache struct {
	fetcher device.PacketFetcher
	store   *Store
	cfg     Config
	logger  logging.Logger
	reg     *metrics.Registry

	mu      sync.RWMutex
	packets map[string]mesh.Packet
	meta    Meta
	gen     uint64

	now func() time.Time

	deepLoading atomic.Bool
}

// New creates a cache. The store may be nil to run without persistence.
// Persisted state is loaded eagerly unless it is older than the staleness
// threshold, in which case it is discarded so the cache never serves old
// history as current while the device is unreachable.
func New(fetcher device.PacketFetcher, store *Store, cfg Config, logger logging.Logger, reg *metrics.Registry) (*Cache, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	c := &Cache{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(logging.Component("packetcache")),
		reg:     reg,
		packets: make(map[string]mesh.Packet),
		now:     time.Now,
	}

	if store != nil {
		packets, meta, err := store.Load()
		if err != nil {
			return nil, err
		}
		if len(packets) > 0 && stale(meta, c.cfg.StalenessThreshold, c.now()) {
			c.logger.Warn("discarding stale persisted packets",
				logging.Count(len(packets)),
				logging.Time("last_updated", meta.LastUpdated))
			packets = nil
		}
		if len(packets) > 0 {
			res := c.mergeLocked(packets)
			c.meta.DeepLoadComplete = meta.DeepLoadComplete
			c.meta.LastUpdated = meta.LastUpdated
			if reg != nil {
				reg.CachePackets.Set(float64(res.Total))
				if meta.DeepLoadComplete {
					reg.DeepLoadComplete.Set(1)
				}
			}
			c.logger.Info("restored persisted packets",
				logging.Count(res.Total),
				logging.Time("last_updated", meta.LastUpdated))
		}
	}

	return c, nil
}

// Bootstrap performs the initial window fetch. If the cache already holds
// fresh data the call is a no-op, so restarts and reconnects are idempotent.
// Existing contents are reset only after the fetch succeeds.
func (c *Cache) Bootstrap(ctx context.Context) error {
	c.mu.RLock()
	fresh := c.meta.Count > 0 && !stale(c.meta, c.cfg.StalenessThreshold, c.now())
	c.mu.RUnlock()
	if fresh {
		c.logger.Debug("bootstrap skipped, cache is fresh")
		c.countBootstrap("fresh")
		return nil
	}

	end := c.now()
	start := end.Add(-c.cfg.BootstrapWindow)
	fetched, err := c.fetcher.FetchWindow(ctx, start, end, c.cfg.BootstrapLimit)
	if err != nil {
		c.countBootstrap("error")
		return mesh.NewError("bootstrap").Entity("window", "").Cause(err)
	}

	c.mu.Lock()
	c.packets = make(map[string]mesh.Packet, len(fetched))
	c.meta = Meta{}
	res := c.mergeLocked(fetched)
	c.mu.Unlock()

	c.persist()
	c.countBootstrap("fetched")
	c.recordMerge(res)
	c.logger.Info("bootstrap complete",
		logging.Count(res.Total),
		logging.Time("window_start", start))
	return nil
}

// Poll fetches the most recent packets and merges them. Returns the number
// of new packets.
func (c *Cache) Poll(ctx context.Context) (int, error) {
	fetched, err := c.fetcher.FetchRecent(ctx, c.cfg.PollBatchSize)
	if err != nil {
		c.countPoll("error")
		return 0, mesh.NewError("poll").Entity("recent", "").Cause(err)
	}

	res := c.Merge(fetched)
	c.countPoll("ok")
	if res.Inserted > 0 {
		c.persist()
	}
	return res.Inserted, nil
}

// DeepLoad pages backward through history from the oldest cached packet
// until the device runs out, no batch makes progress, the batch ceiling is
// reached, or the context is cancelled. Only one deep load may run at a time.
func (c *Cache) DeepLoad(ctx context.Context) error {
	if !c.deepLoading.CompareAndSwap(false, true) {
		return mesh.ErrDeepLoadBusy
	}
	defer c.deepLoading.Store(false)

	c.mu.RLock()
	done := c.meta.DeepLoadComplete
	gen := c.gen
	c.mu.RUnlock()
	if done {
		c.logger.Debug("deep load skipped, history already complete")
		return nil
	}

	for batch := 0; batch < c.cfg.DeepLoadMaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			c.countDeepLoadBatch("cancelled")
			c.logger.Info("deep load cancelled", logging.Batch(batch))
			return err
		}

		c.mu.RLock()
		end := c.meta.Oldest
		c.mu.RUnlock()
		if end.IsZero() {
			// An empty cache has no oldest packet to page back from, and an
			// open-ended window would fetch the newest history instead.
			c.logger.Debug("deep load skipped, no cached packet to page from")
			return nil
		}

		fetched, err := c.fetcher.FetchWindow(ctx, time.Time{}, end, c.cfg.DeepLoadBatchSize)
		if err != nil {
			c.countDeepLoadBatch("error")
			return mesh.NewError("deep_load").Entity("batch", "").Cause(err)
		}
		// A batch fetched right before cancellation is discarded so shutdown
		// stays prompt and the next run refetches it.
		if ctx.Err() != nil {
			c.countDeepLoadBatch("cancelled")
			return ctx.Err()
		}

		res, ok := c.mergeGen(gen, fetched)
		if !ok {
			c.countDeepLoadBatch("aborted")
			c.logger.Info("deep load aborted, cache was cleared", logging.Batch(batch))
			return nil
		}
		c.countDeepLoadBatch("ok")
		c.recordMerge(res)
		c.logger.Debug("deep load batch merged",
			logging.Batch(batch),
			logging.Count(res.Inserted))

		if len(fetched) < c.cfg.DeepLoadBatchSize {
			if c.markDeepLoadComplete(gen) {
				c.persist()
				c.logger.Info("deep load complete, history exhausted", logging.Batch(batch))
			}
			return nil
		}
		if res.Inserted == 0 {
			// Full batch of duplicates means the pagination cursor cannot
			// advance. Treat the history as loaded rather than loop forever.
			if c.markDeepLoadComplete(gen) {
				c.persist()
				c.logger.Warn("deep load made no progress, marking complete", logging.Batch(batch))
			}
			return nil
		}

		c.persist()

		if c.cfg.DeepLoadDelay > 0 {
			select {
			case <-ctx.Done():
				c.countDeepLoadBatch("cancelled")
				return ctx.Err()
			case <-time.After(c.cfg.DeepLoadDelay):
			}
		}
	}

	c.logger.Warn("deep load stopped at batch ceiling",
		logging.Count(c.cfg.DeepLoadMaxBatches))
	return nil
}

// Merge adds packets to the cache, deduplicating by content hash. Packets
// already present are counted but never replaced.
func (c *Cache) Merge(packets []mesh.Packet) MergeResult {
	c.mu.Lock()
	res := c.mergeLocked(packets)
	c.mu.Unlock()
	return res
}

// mergeLocked requires c.mu held for writing.
func (c *Cache) mergeLocked(packets []mesh.Packet) MergeResult {
	var res MergeResult
	for _, p := range packets {
		key := p.ContentHash()
		if _, exists := c.packets[key]; exists {
			res.Duplicates++
			continue
		}
		c.packets[key] = p
		res.Inserted++

		if !p.Timestamp.IsZero() {
			if c.meta.Oldest.IsZero() || p.Timestamp.Before(c.meta.Oldest) {
				c.meta.Oldest = p.Timestamp
			}
			if p.Timestamp.After(c.meta.Newest) {
				c.meta.Newest = p.Timestamp
			}
		}
	}
	c.meta.Count = len(c.packets)
	if res.Inserted > 0 {
		c.meta.LastUpdated = c.now()
	}
	res.Total = len(c.packets)
	return res
}

// Clear empties the cache and the persisted state. Bumping the generation
// makes any in-flight deep load discard its batch and stop instead of
// repopulating the wiped cache.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.packets = make(map[string]mesh.Packet)
	c.meta = Meta{}
	c.gen++
	c.mu.Unlock()

	if c.reg != nil {
		c.reg.CacheClearsTotal.Inc()
		c.reg.CachePackets.Set(0)
		c.reg.DeepLoadComplete.Set(0)
	}
	c.logger.Info("cache cleared")

	if c.store != nil {
		return c.store.Wipe()
	}
	return nil
}

// Snapshot returns all cached packets ordered oldest first.
func (c *Cache) Snapshot() []mesh.Packet {
	c.mu.RLock()
	out := make([]mesh.Packet, 0, len(c.packets))
	for _, p := range c.packets {
		out = append(out, p)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ContentHash() < out[j].ContentHash()
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Meta returns a copy of the current cache meta.
func (c *Cache) Meta() Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// Summary builds the status view, including per-source traffic counts.
func (c *Cache) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bySource := make(map[string]int)
	forwarded := 0
	for _, p := range c.packets {
		if p.Source != "" {
			bySource[p.Source]++
		}
		if len(p.Path) > 0 {
			forwarded++
		}
	}

	perHour := 0.0
	if span := c.meta.Newest.Sub(c.meta.Oldest); span > 0 {
		perHour = float64(len(c.packets)) / span.Hours()
	}

	return Summary{
		PacketCount:      len(c.packets),
		ForwardedCount:   forwarded,
		SourceCount:      len(bySource),
		PacketsPerHour:   perHour,
		Oldest:           c.meta.Oldest,
		Newest:           c.meta.Newest,
		LastUpdated:      c.meta.LastUpdated,
		DeepLoadComplete: c.meta.DeepLoadComplete,
		BySource:         bySource,
	}
}

// mergeGen merges only while the cache is still the same generation the deep
// load started against. A Clear in between refuses the merge.
func (c *Cache) mergeGen(gen uint64, packets []mesh.Packet) (MergeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return MergeResult{}, false
	}
	return c.mergeLocked(packets), true
}

func (c *Cache) markDeepLoadComplete(gen uint64) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.meta.DeepLoadComplete = true
	c.mu.Unlock()
	if c.reg != nil {
		c.reg.DeepLoadComplete.Set(1)
	}
	return true
}

// persist writes the current state through to the store, if one is attached.
// Persistence failures are logged, not surfaced: the in-memory cache remains
// authoritative for the running process.
func (c *Cache) persist() {
	if c.store == nil {
		return
	}
	c.mu.RLock()
	packets := make([]mesh.Packet, 0, len(c.packets))
	for _, p := range c.packets {
		packets = append(packets, p)
	}
	meta := c.meta
	c.mu.RUnlock()

	if err := c.store.Save(packets, meta); err != nil {
		c.logger.Error("persist failed", logging.Error(err))
	}
}

func (c *Cache) countBootstrap(outcome string) {
	if c.reg != nil {
		c.reg.CacheBootstrapsTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Cache) countPoll(outcome string) {
	if c.reg != nil {
		c.reg.CachePollsTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Cache) countDeepLoadBatch(outcome string) {
	if c.reg != nil {
		c.reg.DeepLoadBatchesTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Cache) recordMerge(res MergeResult) {
	if c.reg != nil {
		c.reg.RecordMerge(res.Inserted, res.Duplicates, res.Total)
	}
}
