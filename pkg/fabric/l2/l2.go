// Package l2 implements the disk-backed warm ANN cache: a
// [github.com/cockroachdb/pebble] key-value store holding a gob-encoded
// embedding under a "vec:" key and a JSON metadata sidecar under a "meta:"
// key for every cached OID, mirrored into an in-memory [vector.Index] so
// that searches never touch disk. Put/Remove apply to both keyspaces in a
// single atomic [pebble.Batch], so the index and the sidecar can never
// diverge on a crash mid-write.
package l2

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/MrWong99/fabricmem/pkg/fabric"
	"github.com/MrWong99/fabricmem/pkg/fabric/vector"
)

const (
	vecPrefix  = "vec:"
	metaPrefix = "meta:"
)

// Meta is the sidecar persisted alongside a cached embedding.
type Meta struct {
	Metadata   map[string]any      `json:"metadata,omitempty"`
	Relations  map[string][]string `json:"relations,omitempty"`
	Confidence float64             `json:"confidence"`
	Version    uint64              `json:"version"`
}

// Entry is a full cached record: embedding plus sidecar.
type Entry struct {
	OID  string
	Vec  []float32
	Meta Meta
}

// evictionHistorySize bounds the ring buffer capacity. Matches the teacher's
// bounded-counter convention of a small, fixed capacity rather than an
// unbounded slice.
const evictionHistorySize = 256

// SearchTelemetry tracks per-search statistics, updated on every call to
// [Cache.Search]. "Last" fields describe the most recent query's own result
// set; avg/min/max are computed across that same result set, not across
// history. ANNAttempts/Successes/Failures and LastError cover the
// underlying [vector.Index] search call, so that swapping the exact
// [vector.FlatIndex] for a true approximate index later surfaces its error
// rate the same way.
type SearchTelemetry struct {
	QueryCount      int64     `json:"query_count"`
	LastResultCount int       `json:"last_result_count"`
	LastSimilarity  float64   `json:"last_similarity"`
	AvgSimilarity   float64   `json:"avg_similarity"`
	MinSimilarity   float64   `json:"min_similarity"`
	MaxSimilarity   float64   `json:"max_similarity"`
	LastQueryAt     time.Time `json:"last_query_at"`
	ANNAttempts     int64     `json:"ann_attempts"`
	ANNSuccesses    int64     `json:"ann_successes"`
	ANNFailures     int64     `json:"ann_failures"`
	LastError       string    `json:"last_error,omitempty"`
}

// Stats is the structured report returned by [Cache.GetStatistics].
type Stats struct {
	Size      int             `json:"size"`
	Hits      int64           `json:"hits"`
	Misses    int64           `json:"misses"`
	Evictions int64           `json:"evictions"`
	Search    SearchTelemetry `json:"search"`
}

// Cache is the L2 warm cache.
type Cache struct {
	db      *pebble.DB
	index   vector.Index
	mu      sync.RWMutex
	maxSize int

	accessMu sync.Mutex
	access   map[string]time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	evictMu      sync.Mutex
	evictHistory [evictionHistorySize]string
	evictHead    int
	evictCount   int

	searchMu sync.Mutex
	search   SearchTelemetry
}

// Open opens (or creates) a pebble store at path and rebuilds the in-memory
// index by scanning the "vec:" keyspace. metric/dim configure the rebuilt
// [vector.FlatIndex]. maxSize bounds the cache size: once Put pushes the
// entry count above maxSize, the oldest-accessed entries are evicted until
// it is back at or below maxSize. maxSize <= 0 disables the bound.
func Open(path string, metric vector.Metric, dim int, maxSize int) (*Cache, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("l2: open %q: %w", path, err)
	}

	c := &Cache{
		db:      db,
		index:   vector.NewFlatIndex(metric, dim),
		maxSize: maxSize,
		access:  make(map[string]time.Time),
	}

	if err := c.rebuild(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) rebuild() error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(vecPrefix),
		UpperBound: []byte(vecPrefix + "\xff"),
	})
	if err != nil {
		return fmt.Errorf("l2: rebuild: new iter: %w", err)
	}
	defer iter.Close()

	now := time.Now()
	for iter.First(); iter.Valid(); iter.Next() {
		oid := string(iter.Key()[len(vecPrefix):])
		vec, err := decodeVector(iter.Value())
		if err != nil {
			return fmt.Errorf("l2: rebuild: decode %q: %w", oid, err)
		}
		if err := c.index.Add(oid, vec); err != nil {
			return fmt.Errorf("l2: rebuild: index %q: %w", oid, err)
		}
		// The disk tier persists no access-time history, so a reopened
		// entry is treated as freshly accessed rather than immediately
		// eviction-eligible.
		c.access[oid] = now
	}
	return iter.Error()
}

// Put inserts or replaces the embedding and sidecar for oid atomically.
func (c *Cache) Put(ctx context.Context, oid string, vec []float32, meta Meta) error {
	vecBytes, err := encodeVector(vec)
	if err != nil {
		return fmt.Errorf("l2: encode vector: %w", err)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("l2: encode meta: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(vecPrefix+oid), vecBytes, nil); err != nil {
		return fmt.Errorf("l2: stage vector: %w", err)
	}
	if err := batch.Set([]byte(metaPrefix+oid), metaBytes, nil); err != nil {
		return fmt.Errorf("l2: stage meta: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: l2 batch commit: %v", fabric.ErrResource, err)
	}

	if err := c.index.Add(oid, vec); err != nil {
		return err
	}
	c.touch(oid)
	c.evictOverCapacityLocked()
	return nil
}

// touch records oid as accessed just now, for oldest-access-first eviction.
func (c *Cache) touch(oid string) {
	c.accessMu.Lock()
	c.access[oid] = time.Now()
	c.accessMu.Unlock()
}

// evictOverCapacityLocked evicts the oldest-accessed entries until the index
// is back at or below maxSize. Caller must hold c.mu for writing. Unlike
// L1's hybrid LFU/LRU score, L2 tracks only a last-access timestamp per oid
// (no frequency percentile, no promotion-pending pinning), so eviction here
// is strictly oldest-access-first.
func (c *Cache) evictOverCapacityLocked() {
	if c.maxSize <= 0 {
		return
	}
	for c.index.Size() > c.maxSize {
		oid, ok := c.oldestAccess()
		if !ok {
			return
		}
		if !c.index.Remove(oid) {
			return
		}
		batch := c.db.NewBatch()
		_ = batch.Delete([]byte(vecPrefix+oid), nil)
		_ = batch.Delete([]byte(metaPrefix+oid), nil)
		err := batch.Commit(pebble.Sync)
		batch.Close()
		if err != nil {
			slog.Warn("l2: eviction commit failed", "oid", oid, "error", err)
			return
		}
		c.accessMu.Lock()
		delete(c.access, oid)
		c.accessMu.Unlock()
		c.recordEviction(oid)
	}
}

// oldestAccess returns the oid with the smallest recorded access time.
func (c *Cache) oldestAccess() (string, bool) {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()
	var oid string
	var oldest time.Time
	found := false
	for o, at := range c.access {
		if !found || at.Before(oldest) {
			oid, oldest, found = o, at, true
		}
	}
	return oid, found
}

// Get returns the cached embedding and sidecar for oid, or ok=false if
// absent.
func (c *Cache) Get(oid string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vecBytes, closer, err := c.db.Get([]byte(vecPrefix + oid))
	if errors.Is(err, pebble.ErrNotFound) {
		c.misses.Add(1)
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("l2: get vector %q: %w", oid, err)
	}
	vec, err := decodeVector(vecBytes)
	closer.Close()
	if err != nil {
		return Entry{}, false, fmt.Errorf("l2: decode vector %q: %w", oid, err)
	}

	metaBytes, mCloser, err := c.db.Get([]byte(metaPrefix + oid))
	if err != nil {
		return Entry{}, false, fmt.Errorf("l2: get meta %q: %w", oid, err)
	}
	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		mCloser.Close()
		return Entry{}, false, fmt.Errorf("l2: decode meta %q: %w", oid, err)
	}
	mCloser.Close()

	c.hits.Add(1)
	c.touch(oid)
	return Entry{OID: oid, Vec: vec, Meta: meta}, true, nil
}

// Remove deletes oid from both keyspaces and the in-memory index. Returns
// false if oid was absent.
func (c *Cache) Remove(oid string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.index.Remove(oid) {
		return false, nil
	}

	batch := c.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete([]byte(vecPrefix+oid), nil); err != nil {
		return false, fmt.Errorf("l2: stage delete vector: %w", err)
	}
	if err := batch.Delete([]byte(metaPrefix+oid), nil); err != nil {
		return false, fmt.Errorf("l2: stage delete meta: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("%w: l2 delete commit: %v", fabric.ErrResource, err)
	}

	c.accessMu.Lock()
	delete(c.access, oid)
	c.accessMu.Unlock()

	c.recordEviction(oid)
	return true, nil
}

// ApplyIntent dispatches a coordinator-delivered write-intent. Created/Updated
// intents merge MetaDiff into whatever sidecar is already cached (or start
// from zero-value Meta if oid is not yet present) and Put the result;
// Deleted/Invalidated intents remove oid. A Created/Updated intent with no
// vector is a no-op, since L2 has nothing indexable to store.
func (c *Cache) ApplyIntent(ctx context.Context, intent fabric.Intent) error {
	switch intent.Kind {
	case fabric.IntentCreated, fabric.IntentUpdated:
		if len(intent.Vector) == 0 {
			return nil
		}
		meta := Meta{}
		if existing, ok, err := c.Get(intent.OID); err != nil {
			return err
		} else if ok {
			meta = existing.Meta
		}
		if len(intent.MetaDiff) > 0 {
			if meta.Metadata == nil {
				meta.Metadata = make(map[string]any, len(intent.MetaDiff))
			}
			for k, v := range intent.MetaDiff {
				meta.Metadata[k] = v
			}
		}
		return c.Put(ctx, intent.OID, intent.Vector, meta)
	case fabric.IntentDeleted, fabric.IntentInvalidated:
		_, err := c.Remove(intent.OID)
		return err
	default:
		return nil
	}
}

// Search performs an in-memory ANN search; disk is never touched. Every call
// updates the telemetry reported by [Cache.GetStatistics], win or lose.
func (c *Cache) Search(query []float32, k int, threshold float64) ([]vector.Match, error) {
	c.mu.RLock()
	matches, err := c.index.Search(query, k, threshold)
	c.mu.RUnlock()
	c.recordSearch(matches, err)
	return matches, err
}

// recordSearch updates search telemetry from the outcome of one Search call.
func (c *Cache) recordSearch(matches []vector.Match, err error) {
	c.searchMu.Lock()
	defer c.searchMu.Unlock()

	c.search.QueryCount++
	c.search.ANNAttempts++
	c.search.LastQueryAt = time.Now()

	if err != nil {
		c.search.ANNFailures++
		c.search.LastError = err.Error()
		return
	}
	c.search.ANNSuccesses++
	c.search.LastError = ""
	c.search.LastResultCount = len(matches)
	if len(matches) == 0 {
		c.search.LastSimilarity = 0
		c.search.AvgSimilarity = 0
		c.search.MinSimilarity = 0
		c.search.MaxSimilarity = 0
		return
	}

	sum := 0.0
	min, max := matches[0].Score, matches[0].Score
	for _, m := range matches {
		sum += m.Score
		if m.Score < min {
			min = m.Score
		}
		if m.Score > max {
			max = m.Score
		}
	}
	c.search.LastSimilarity = matches[0].Score
	c.search.AvgSimilarity = sum / float64(len(matches))
	c.search.MinSimilarity = min
	c.search.MaxSimilarity = max
}

// recordEviction appends oid to the bounded ring buffer, overwriting the
// oldest entry once full.
func (c *Cache) recordEviction(oid string) {
	c.evictions.Add(1)
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	c.evictHistory[c.evictHead] = oid
	c.evictHead = (c.evictHead + 1) % evictionHistorySize
	if c.evictCount < evictionHistorySize {
		c.evictCount++
	}
}

// EvictionHistory returns the most recently evicted OIDs, most recent last,
// up to the ring buffer's capacity.
func (c *Cache) EvictionHistory() []string {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	out := make([]string, c.evictCount)
	start := c.evictHead - c.evictCount
	for i := 0; i < c.evictCount; i++ {
		idx := (start + i + evictionHistorySize) % evictionHistorySize
		out[i] = c.evictHistory[idx]
	}
	return out
}

// GetStatistics reports cache size, hit/miss counters, eviction count, and
// search telemetry.
func (c *Cache) GetStatistics() Stats {
	c.mu.RLock()
	size := c.index.Size()
	c.mu.RUnlock()

	c.searchMu.Lock()
	search := c.search
	c.searchMu.Unlock()

	return Stats{
		Size:      size,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Search:    search,
	}
}

// Flush forces any buffered writes to stable storage.
func (c *Cache) Flush() error {
	if err := c.db.Flush(); err != nil {
		return fmt.Errorf("%w: l2 flush: %v", fabric.ErrResource, err)
	}
	return nil
}

// Compact runs a full-keyspace compaction, reclaiming space from deleted
// entries.
func (c *Cache) Compact() error {
	if err := c.db.Compact(nil, []byte("\xff"), true); err != nil {
		return fmt.Errorf("%w: l2 compact: %v", fabric.ErrResource, err)
	}
	return nil
}

// Close releases the underlying pebble store.
func (c *Cache) Close() error {
	return c.db.Close()
}

func encodeVector(vec []float32) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(b []byte) ([]float32, error) {
	var vec []float32
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&vec); err != nil {
		return nil, err
	}
	return vec, nil
}
