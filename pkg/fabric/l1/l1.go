// Package l1 implements the in-memory ANN working-set cache: the hottest
// tier of the memory fabric. It wraps a [vector.Index] with per-OID access
// telemetry, evicts under a hybrid LFU/LRU score once full, and maintains a
// de-duplicating promotion-candidate queue once an entry's access count
// crosses a (self-escalating) threshold.
package l1

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/fabricmem/pkg/fabric"
	"github.com/MrWong99/fabricmem/pkg/fabric/vector"
)

// Config configures [New].
type Config struct {
	Metric    vector.Metric
	Dim       int
	MaxSize   int
	// EvictionThreshold triggers eviction once size >= EvictionThreshold*MaxSize.
	EvictionThreshold float64
	// LowWaterMark is the fraction of MaxSize eviction drains the cache below.
	// Defaults to EvictionThreshold if unset.
	LowWaterMark float64
	// Alpha weights frequency vs recency in the hybrid eviction score:
	// score = Alpha*frequencyPercentile + (1-Alpha)*recencyPercentile.
	Alpha int8 // expressed as a 0-100 integer percentage for config-friendliness

	PromotionThreshold   int
	PromotionRequeueStep int
}

type entryMeta struct {
	accessCount      int
	lastAccessTime   time.Time
	nextPromotionAt  int
	promotionPending bool
}

// Cache is the L1 working-set cache.
type Cache struct {
	mu      sync.RWMutex
	index   *vector.FlatIndex
	entries map[string]*entryMeta

	maxSize           int
	evictionThreshold float64
	lowWaterMark      float64
	alpha             float64

	promotionThreshold   int
	promotionRequeueStep int

	promoMu    sync.Mutex
	promoQueue []string
	promoSet   map[string]struct{}

	evictions atomic64
}

// atomic64 is a tiny counter; l1 has no other need for sync/atomic so a
// mutex-guarded int avoids importing it solely for one field.
type atomic64 struct {
	mu sync.Mutex
	n  int64
}

func (a *atomic64) add(d int64) { a.mu.Lock(); a.n += d; a.mu.Unlock() }
func (a *atomic64) load() int64 { a.mu.Lock(); defer a.mu.Unlock(); return a.n }

// New creates an empty L1 cache.
func New(cfg Config) *Cache {
	if cfg.LowWaterMark <= 0 {
		cfg.LowWaterMark = cfg.EvictionThreshold
	}
	alpha := float64(cfg.Alpha) / 100.0
	if cfg.Alpha == 0 {
		alpha = 0.5
	}
	return &Cache{
		index:                vector.NewFlatIndex(cfg.Metric, cfg.Dim),
		entries:              make(map[string]*entryMeta),
		maxSize:              cfg.MaxSize,
		evictionThreshold:    cfg.EvictionThreshold,
		lowWaterMark:         cfg.LowWaterMark,
		alpha:                alpha,
		promotionThreshold:   cfg.PromotionThreshold,
		promotionRequeueStep: cfg.PromotionRequeueStep,
		promoSet:             make(map[string]struct{}),
	}
}

// Put inserts or replaces oid's vector, resetting its access telemetry. It
// may trigger eviction if the cache is now at or above its eviction
// threshold.
func (c *Cache) Put(oid string, vec []float32) error {
	c.mu.Lock()
	if err := c.index.Add(oid, vec); err != nil {
		c.mu.Unlock()
		return err
	}
	c.entries[oid] = &entryMeta{
		lastAccessTime:  time.Now(),
		nextPromotionAt: c.promotionThreshold,
	}
	c.mu.Unlock()

	c.maybeEvict()
	return nil
}

// Get returns oid's vector, incrementing its access count and last-access
// time. Crossing nextPromotionAt enqueues oid for promotion and escalates
// the threshold by PromotionRequeueStep to avoid repeatedly re-queuing a hot
// entry every single access.
func (c *Cache) Get(oid string) ([]float32, bool) {
	c.mu.Lock()
	meta, ok := c.entries[oid]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	vec := c.index.Vector(oid)
	meta.accessCount++
	meta.lastAccessTime = time.Now()
	crossed := c.promotionThreshold > 0 && meta.accessCount >= meta.nextPromotionAt
	if crossed {
		meta.nextPromotionAt = meta.accessCount + c.promotionRequeueStep
	}
	c.mu.Unlock()

	if crossed {
		c.enqueuePromotion(oid)
	}
	return vec, vec != nil
}

// Search performs an ANN search without mutating access telemetry; callers
// that want promotion signal from a search hit should also call Get.
func (c *Cache) Search(query []float32, k int, threshold float64) ([]vector.Match, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Search(query, k, threshold)
}

// Remove deletes oid, used by invalidation and deletion propagation.
func (c *Cache) Remove(oid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.index.Remove(oid) {
		return false
	}
	delete(c.entries, oid)
	c.removeFromPromotionQueueLocked(oid)
	return true
}

// ApplyIntent dispatches a coordinator-delivered write-intent: Created/Updated
// intents are written with Put, Deleted/Invalidated intents are removed. A
// Created/Updated intent with no vector is a no-op, since L1 has nothing
// indexable to store.
func (c *Cache) ApplyIntent(_ context.Context, intent fabric.Intent) error {
	switch intent.Kind {
	case fabric.IntentCreated, fabric.IntentUpdated:
		if len(intent.Vector) == 0 {
			return nil
		}
		return c.Put(intent.OID, intent.Vector)
	case fabric.IntentDeleted, fabric.IntentInvalidated:
		c.Remove(intent.OID)
		return nil
	default:
		return nil
	}
}

func (c *Cache) enqueuePromotion(oid string) {
	c.promoMu.Lock()
	defer c.promoMu.Unlock()
	if _, exists := c.promoSet[oid]; exists {
		return
	}
	c.promoSet[oid] = struct{}{}
	c.promoQueue = append(c.promoQueue, oid)
}

func (c *Cache) removeFromPromotionQueueLocked(oid string) {
	c.promoMu.Lock()
	defer c.promoMu.Unlock()
	if _, exists := c.promoSet[oid]; !exists {
		return
	}
	delete(c.promoSet, oid)
	for i, v := range c.promoQueue {
		if v == oid {
			c.promoQueue = append(c.promoQueue[:i], c.promoQueue[i+1:]...)
			break
		}
	}
}

// DrainPromotions pops up to batchLimit OIDs off the promotion queue,
// flagging each pinned against eviction until [Cache.ConfirmPromotion] or
// [Cache.RequeuePromotion] is called.
func (c *Cache) DrainPromotions(batchLimit int) []string {
	c.promoMu.Lock()
	n := len(c.promoQueue)
	if batchLimit < n {
		n = batchLimit
	}
	out := append([]string(nil), c.promoQueue[:n]...)
	c.promoQueue = c.promoQueue[n:]
	for _, oid := range out {
		delete(c.promoSet, oid)
	}
	c.promoMu.Unlock()

	c.mu.Lock()
	for _, oid := range out {
		if meta, ok := c.entries[oid]; ok {
			meta.promotionPending = true
		}
	}
	c.mu.Unlock()
	return out
}

// PeekPromotions returns the current promotion queue contents without
// draining it.
func (c *Cache) PeekPromotions() []string {
	c.promoMu.Lock()
	defer c.promoMu.Unlock()
	return append([]string(nil), c.promoQueue...)
}

// ConfirmPromotion clears the pinned flag set by [Cache.DrainPromotions]
// after a promotion to L2 succeeds. The entry remains resident in L1 — a
// successful promotion must never make the vector unreachable from L1.
func (c *Cache) ConfirmPromotion(oid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if meta, ok := c.entries[oid]; ok {
		meta.promotionPending = false
	}
}

// RequeuePromotion is called when a drained candidate fails to promote into
// L2. Its access_count is reset to threshold-requeueStep so it becomes
// eligible again after a small number of further accesses, and it is
// unpinned and placed back at the tail of the promotion queue.
func (c *Cache) RequeuePromotion(oid string) {
	c.mu.Lock()
	if meta, ok := c.entries[oid]; ok {
		meta.promotionPending = false
		reset := c.promotionThreshold - c.promotionRequeueStep
		if reset < 0 {
			reset = 0
		}
		meta.accessCount = reset
		meta.nextPromotionAt = c.promotionThreshold
	}
	c.mu.Unlock()

	c.enqueuePromotion(oid)
}

// Stats is the structured report returned by [Cache.GetStatistics].
type Stats struct {
	Size                int   `json:"size"`
	PromotionQueueDepth int   `json:"promotion_queue_depth"`
	Evictions           int64 `json:"evictions"`
}

// GetStatistics reports current size, promotion queue depth, and cumulative
// eviction count.
func (c *Cache) GetStatistics() Stats {
	c.mu.RLock()
	size := c.index.Size()
	c.mu.RUnlock()

	c.promoMu.Lock()
	depth := len(c.promoQueue)
	c.promoMu.Unlock()

	return Stats{Size: size, PromotionQueueDepth: depth, Evictions: c.evictions.load()}
}

// maybeEvict evicts the lowest-scoring non-pinned entries until size drops
// below the low-water mark, if size is currently at or above the eviction
// threshold.
func (c *Cache) maybeEvict() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize <= 0 {
		return
	}
	size := c.index.Size()
	if float64(size) < c.evictionThreshold*float64(c.maxSize) {
		return
	}
	target := int(c.lowWaterMark * float64(c.maxSize))

	candidateOIDs := make([]string, 0, len(c.entries))
	for oid, meta := range c.entries {
		if meta.promotionPending {
			continue
		}
		candidateOIDs = append(candidateOIDs, oid)
	}
	if len(candidateOIDs) == 0 {
		return
	}

	freqRank := rankPercentiles(candidateOIDs, func(oid string) float64 {
		return float64(c.entries[oid].accessCount)
	})
	recencyRank := rankPercentiles(candidateOIDs, func(oid string) float64 {
		return float64(c.entries[oid].lastAccessTime.UnixNano())
	})

	type scored struct {
		oid   string
		score float64
	}
	candidates := make([]scored, len(candidateOIDs))
	for i, oid := range candidateOIDs {
		candidates[i] = scored{oid: oid, score: c.alpha*freqRank[oid] + (1-c.alpha)*recencyRank[oid]}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	for _, cand := range candidates {
		if c.index.Size() < target {
			break
		}
		c.index.Remove(cand.oid)
		delete(c.entries, cand.oid)
		c.removeFromPromotionQueueUnlocked(cand.oid)
		c.evictions.add(1)
	}
}

// removeFromPromotionQueueUnlocked is used from within maybeEvict, which
// already holds c.mu; it takes the separate promotion-queue lock itself.
func (c *Cache) removeFromPromotionQueueUnlocked(oid string) {
	c.promoMu.Lock()
	defer c.promoMu.Unlock()
	if _, exists := c.promoSet[oid]; !exists {
		return
	}
	delete(c.promoSet, oid)
	for i, v := range c.promoQueue {
		if v == oid {
			c.promoQueue = append(c.promoQueue[:i], c.promoQueue[i+1:]...)
			break
		}
	}
}

// rankPercentiles computes, for each oid in oids, its rank-based percentile
// (0 = lowest value, 1 = highest) under value(oid). Equal-valued entries are
// assigned their sorted position's percentile, not averaged.
func rankPercentiles(oids []string, value func(oid string) float64) map[string]float64 {
	type ranked struct {
		oid string
		v   float64
	}
	rs := make([]ranked, len(oids))
	for i, oid := range oids {
		rs[i] = ranked{oid: oid, v: value(oid)}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].v < rs[j].v })

	out := make(map[string]float64, len(rs))
	n := len(rs)
	if n == 1 {
		out[rs[0].oid] = 0
		return out
	}
	for i, r := range rs {
		out[r.oid] = float64(i) / float64(n-1)
	}
	return out
}
