// Package facade composes every tier of the federated memory fabric — L3,
// the colocated outbox, L2, L1, the cache coordinator, and the optional
// promotion daemon — into the single [Fabric] entry point described by the
// fabric's external operations. It is deliberately a sibling of pkg/fabric
// rather than living inside it: pkg/fabric's types are imported by every
// tier package, so a façade composing those tier packages cannot itself live
// in pkg/fabric without an import cycle.
package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/fabricmem/pkg/fabric"
	"github.com/MrWong99/fabricmem/pkg/fabric/coordinator"
	"github.com/MrWong99/fabricmem/pkg/fabric/l1"
	"github.com/MrWong99/fabricmem/pkg/fabric/l2"
	"github.com/MrWong99/fabricmem/pkg/fabric/l3"
	"github.com/MrWong99/fabricmem/pkg/fabric/outbox"
	"github.com/MrWong99/fabricmem/pkg/fabric/promotion"
	"github.com/MrWong99/fabricmem/pkg/fabric/vector"
)

// store is the subset of *l3.Store the façade calls directly. Interface-typed
// so tests can inject a fake in place of a real Postgres-backed store.
type store interface {
	StoreConcept(ctx context.Context, c fabric.Concept) error
	LoadConcept(ctx context.Context, oid string) (*fabric.Concept, error)
	UpdateConcept(ctx context.Context, oid string, diff fabric.ConceptDiff) (*fabric.Concept, error)
	DeleteConcept(ctx context.Context, oid string) error
	GetStatistics(ctx context.Context) l3.Stats
	ReadOnly() bool
	Close()
}

// outboxHandle is the subset of *outbox.Outbox the façade reads statistics
// from; the coordinator talks to the outbox through its own narrower
// [coordinator.Reserver] interface.
type outboxHandle interface {
	coordinator.Reserver
	GetStatistics(ctx context.Context) outbox.Stats
}

// l2Handle is the subset of *l2.Cache the façade and the promotion daemon use.
type l2Handle interface {
	Put(ctx context.Context, oid string, vec []float32, meta l2.Meta) error
	Get(oid string) (l2.Entry, bool, error)
	Remove(oid string) (bool, error)
	Search(query []float32, k int, threshold float64) ([]vector.Match, error)
	GetStatistics() l2.Stats
	ApplyIntent(ctx context.Context, intent fabric.Intent) error
	Close() error
}

// l1Handle is the subset of *l1.Cache the façade and the promotion daemon use.
type l1Handle interface {
	Put(oid string, vec []float32) error
	Get(oid string) ([]float32, bool)
	Remove(oid string) bool
	Search(query []float32, k int, threshold float64) ([]vector.Match, error)
	GetStatistics() l1.Stats
	DrainPromotions(batchLimit int) []string
	ConfirmPromotion(oid string)
	RequeuePromotion(oid string)
	ApplyIntent(ctx context.Context, intent fabric.Intent) error
}

// coordinatorHandle is the subset of *coordinator.Coordinator the façade uses.
type coordinatorHandle interface {
	Start(ctx context.Context)
	Stop()
	State() coordinator.State
	Gate(ctx context.Context) error
	FailureCounts() map[string]int64
}

// promotionHandle is the subset of *promotion.Daemon the façade uses.
type promotionHandle interface {
	Start(ctx context.Context)
	Stop()
	RunOnce(ctx context.Context) promotion.Result
	FailureReasons() map[string]int64
}

// Config configures [New]. Sub-configs mirror the corresponding package's own
// Config type one-for-one; see pkg/fabric/{l1,l3,outbox,coordinator,promotion}.
// L2 takes flat fields instead, mirroring [l2.Open]'s own parameter list.
type Config struct {
	L1 l1.Config

	L2Path      string
	L2MaxSize   int
	L2VectorDim int
	L2Metric    vector.Metric

	L3          l3.Config
	Outbox      outbox.Config
	Coordinator coordinator.Config
	Promotion   promotion.Config

	// EnablePromotion starts the promotion daemon alongside the coordinator.
	// When false, PromoteL1Candidates must be driven explicitly by the caller
	// (still useful in tests or cron-style deployments).
	EnablePromotion bool
}

// Fabric composes L1, L2, L3, the outbox, the coordinator, and the (optional)
// promotion daemon into the single federated tiered memory store described by
// pkg/fabric's operations.
type Fabric struct {
	store       store
	outbox      outboxHandle
	l2          l2Handle
	l1          l1Handle
	coordinator coordinatorHandle
	promotion   promotionHandle

	closers  []func() error
	stopOnce sync.Once
	closed   atomic.Bool
}

// Option is a functional option for [New], used to inject test doubles in
// place of the real tier implementations — mirrors internal/app.App's
// WithSessionStore/WithKnowledgeGraph pattern.
type Option func(*Fabric)

// WithStore injects an L3 store instead of connecting to Postgres from Config.
func WithStore(s store) Option { return func(f *Fabric) { f.store = s } }

// WithOutbox injects an outbox instead of constructing one from Config.
func WithOutbox(o outboxHandle) Option { return func(f *Fabric) { f.outbox = o } }

// WithL2 injects an L2 cache instead of opening one from Config.
func WithL2(c l2Handle) Option { return func(f *Fabric) { f.l2 = c } }

// WithL1 injects an L1 cache instead of constructing one from Config.
func WithL1(c l1Handle) Option { return func(f *Fabric) { f.l1 = c } }

// WithCoordinator injects a coordinator instead of constructing one from Config.
func WithCoordinator(c coordinatorHandle) Option { return func(f *Fabric) { f.coordinator = c } }

// WithPromotion injects a promotion daemon instead of constructing one from
// Config, regardless of Config.EnablePromotion.
func WithPromotion(p promotionHandle) Option { return func(f *Fabric) { f.promotion = p } }

// New wires a Fabric in dependency order — L3, outbox, L2, L1, coordinator,
// promotion daemon — exactly as §4.8 requires. Any step's failure unwinds
// every previously-opened resource via an accumulated closers slice, so
// initialization is atomic: a caller never observes a partially-open Fabric.
func New(ctx context.Context, cfg Config, opts ...Option) (*Fabric, error) {
	f := &Fabric{}
	for _, o := range opts {
		o(f)
	}

	var closers []func() error
	rollback := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("fabric: rollback closer error", "error", err)
			}
		}
	}

	if f.store == nil {
		s, err := l3.NewStore(ctx, cfg.L3)
		if err != nil {
			return nil, fmt.Errorf("facade: init l3: %w", err)
		}
		f.store = s
		closers = append(closers, func() error { s.Close(); return nil })
	}

	if f.outbox == nil {
		concreteStore, ok := f.store.(*l3.Store)
		if !ok {
			rollback()
			return nil, fmt.Errorf("%w: outbox requires a real *l3.Store pool unless WithOutbox is also given", fabric.ErrConfiguration)
		}
		ob, err := outbox.New(ctx, concreteStore.Pool(), cfg.Outbox)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("facade: init outbox: %w", err)
		}
		f.outbox = ob
		concreteStore.SetEnqueuer(ob)
	}

	if f.l2 == nil {
		cache, err := l2.Open(cfg.L2Path, cfg.L2Metric, cfg.L2VectorDim, cfg.L2MaxSize)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("facade: init l2: %w", err)
		}
		f.l2 = cache
		closers = append(closers, cache.Close)
	}

	if f.l1 == nil {
		f.l1 = l1.New(cfg.L1)
	}

	if f.coordinator == nil {
		f.coordinator = coordinator.New(f.outbox, coordinator.Config{
			Workers:     cfg.Coordinator.Workers,
			BatchSize:   cfg.Coordinator.BatchSize,
			IdleSleep:   cfg.Coordinator.IdleSleep,
			AutoRestart: cfg.Coordinator.AutoRestart,
			L2:          f.l2,
			L1:          f.l1,
		})
	}
	f.coordinator.Start(ctx)
	closers = append(closers, func() error { f.coordinator.Stop(); return nil })

	if cfg.EnablePromotion && f.promotion == nil {
		f.promotion = promotion.New(f.l1, f.l2, cfg.Promotion)
	}
	if f.promotion != nil {
		f.promotion.Start(ctx)
		closers = append(closers, func() error { f.promotion.Stop(); return nil })
	}

	f.closers = closers
	return f, nil
}

// CreateConcept stores c in L3, assigning a fresh OID via uuid.NewString when
// c.OID is empty, and returns the concept's OID. The colocated outbox entry
// (enqueued atomically by L3) propagates the new concept to L2/L1 once the
// coordinator drains it.
func (f *Fabric) CreateConcept(ctx context.Context, c fabric.Concept) (string, error) {
	if f.closed.Load() {
		return "", fabric.ErrClosed
	}
	if c.OID == "" {
		c.OID = uuid.NewString()
	}
	if err := f.store.StoreConcept(ctx, c); err != nil {
		return "", err
	}
	return c.OID, nil
}

// GetConcept loads a concept from L3 (the sole authority for full concept
// payloads) and opportunistically lifts it into L1/L2 when either tier is
// missing it, so a cold cache is warmed by ordinary reads. Returns (nil, nil)
// if oid is absent, never [fabric.ErrNotFound].
func (f *Fabric) GetConcept(ctx context.Context, oid string) (*fabric.Concept, error) {
	if f.closed.Load() {
		return nil, fabric.ErrClosed
	}
	c, err := f.store.LoadConcept(ctx, oid)
	if errors.Is(err, fabric.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.liftToCaches(ctx, c)
	return c, nil
}

// liftToCaches fills L1/L2 from a freshly loaded L3 concept when either tier
// doesn't already have it. Best-effort: failures are logged, not propagated,
// since the read itself already succeeded against the ground truth.
func (f *Fabric) liftToCaches(ctx context.Context, c *fabric.Concept) {
	if _, ok := f.l1.Get(c.OID); !ok {
		if err := f.l1.Put(c.OID, c.GeometricEmbedding); err != nil {
			slog.Warn("facade: l1 lift failed", "oid", c.OID, "error", err)
		}
	}
	if _, ok, err := f.l2.Get(c.OID); err == nil && !ok {
		meta := l2.Meta{
			Metadata:   c.Metadata,
			Relations:  c.Relations,
			Confidence: c.Confidence,
			Version:    c.Version,
		}
		if err := f.l2.Put(ctx, c.OID, c.GeometricEmbedding, meta); err != nil {
			slog.Warn("facade: l2 lift failed", "oid", c.OID, "error", err)
		}
	}
}

// UpdateConcept applies diff to oid in L3 under optimistic-concurrency
// control. Returns (false, nil) if oid is absent, (false, [fabric.ErrConflict])
// if diff.BaseVersion has been superseded, and (true, nil) on success — the
// colocated outbox entry propagates the update to L2/L1.
func (f *Fabric) UpdateConcept(ctx context.Context, oid string, diff fabric.ConceptDiff) (bool, error) {
	if f.closed.Load() {
		return false, fabric.ErrClosed
	}
	_, err := f.store.UpdateConcept(ctx, oid, diff)
	if errors.Is(err, fabric.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InvalidateConcept removes oid from every tier, reporting per-tier whether
// something was actually removed. L1/L2 are cleared synchronously; L3's
// deletion also enqueues an IntentDeleted entry, so a concurrent coordinator
// pass finds nothing left to do.
func (f *Fabric) InvalidateConcept(ctx context.Context, oid string) (fabric.InvalidationResult, error) {
	var res fabric.InvalidationResult
	if f.closed.Load() {
		return res, fabric.ErrClosed
	}

	res.L1 = f.l1.Remove(oid)

	removedL2, err := f.l2.Remove(oid)
	if err != nil {
		return res, err
	}
	res.L2 = removedL2

	_, loadErr := f.store.LoadConcept(ctx, oid)
	existed := !errors.Is(loadErr, fabric.ErrNotFound)
	if loadErr != nil && !errors.Is(loadErr, fabric.ErrNotFound) {
		return res, loadErr
	}
	if err := f.store.DeleteConcept(ctx, oid); err != nil {
		return res, err
	}
	res.L3 = existed
	return res, nil
}

// SemanticSearch queries L1 first; if fewer than k results meet threshold, it
// widens to L2 for the remainder, skipping any OID L1 already returned.
func (f *Fabric) SemanticSearch(query []float32, k int, threshold float64) ([]fabric.SearchHit, error) {
	if f.closed.Load() {
		return nil, fabric.ErrClosed
	}

	l1Matches, err := f.l1.Search(query, k, threshold)
	if err != nil {
		return nil, fmt.Errorf("facade: l1 search: %w", err)
	}

	hits := make([]fabric.SearchHit, 0, k)
	seen := make(map[string]struct{}, len(l1Matches))
	for _, m := range l1Matches {
		hits = append(hits, fabric.SearchHit{OID: m.OID, Similarity: m.Score, Tier: fabric.TierL1})
		seen[m.OID] = struct{}{}
	}
	if len(hits) >= k {
		return hits, nil
	}

	l2Matches, err := f.l2.Search(query, k, threshold)
	if err != nil {
		return hits, fmt.Errorf("facade: l2 search: %w", err)
	}
	for _, m := range l2Matches {
		if _, dup := seen[m.OID]; dup {
			continue
		}
		hits = append(hits, fabric.SearchHit{OID: m.OID, Similarity: m.Score, Tier: fabric.TierL2})
		if len(hits) >= k {
			break
		}
	}
	return hits, nil
}

// PromoteL1Candidates runs one promotion cycle immediately, regardless of
// whether the background daemon is enabled. Returns an error only if no
// promotion daemon was ever constructed (Config.EnablePromotion was false and
// no WithPromotion override was given).
func (f *Fabric) PromoteL1Candidates(ctx context.Context) (promotion.Result, error) {
	if f.closed.Load() {
		return promotion.Result{}, fabric.ErrClosed
	}
	if f.promotion == nil {
		return promotion.Result{}, fmt.Errorf("%w: promotion daemon not configured", fabric.ErrConfiguration)
	}
	return f.promotion.RunOnce(ctx), nil
}

// CacheStatistics is the combined report returned by [Fabric.GetCacheStatistics].
type CacheStatistics struct {
	L1                l1.Stats         `json:"l1"`
	L2                l2.Stats         `json:"l2"`
	L3                l3.Stats         `json:"l3"`
	Outbox            outbox.Stats     `json:"outbox"`
	CoordinatorErrors map[string]int64 `json:"coordinator_errors"`
	PromotionFailures map[string]int64 `json:"promotion_failures,omitempty"`
}

// GetCacheStatistics never raises: every underlying GetStatistics call is
// itself non-raising (spec §7), so a dashboard poller can call this on a
// tight loop without error handling.
func (f *Fabric) GetCacheStatistics(ctx context.Context) CacheStatistics {
	stats := CacheStatistics{
		L1:                f.l1.GetStatistics(),
		L2:                f.l2.GetStatistics(),
		L3:                f.store.GetStatistics(ctx),
		Outbox:            f.outbox.GetStatistics(ctx),
		CoordinatorErrors: f.coordinator.FailureCounts(),
	}
	if f.promotion != nil {
		stats.PromotionFailures = f.promotion.FailureReasons()
	}
	return stats
}

// GetL2Telemetry returns L2's search/size/eviction telemetry in isolation,
// for callers that only care about the warm tier (e.g. a disk-usage alert).
func (f *Fabric) GetL2Telemetry() l2.Stats {
	return f.l2.GetStatistics()
}

// Validate performs a lightweight consistency check: the coordinator must be
// running or restartable. It also issues an L3 statistics query, but that
// query never reports an error, so L3 reachability and read-only mode do not
// affect the result. It never mutates any tier.
func (f *Fabric) Validate(ctx context.Context) error {
	if f.closed.Load() {
		return fabric.ErrClosed
	}
	if err := f.coordinator.Gate(ctx); err != nil {
		return err
	}
	_ = f.store.GetStatistics(ctx)
	return nil
}

// Shutdown tears down every subsystem in reverse-init order — promotion
// daemon, then coordinator, then L2, then L3 — respecting ctx's deadline: if
// it expires mid-drain, remaining closers are skipped and ctx.Err() is
// returned. Idempotent; safe to call more than once.
func (f *Fabric) Shutdown(ctx context.Context) error {
	var shutdownErr error
	f.stopOnce.Do(func() {
		f.closed.Store(true)
		slog.Info("facade: shutting down", "closers", len(f.closers))
		for i := len(f.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("facade: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := f.closers[i](); err != nil {
				slog.Warn("facade: closer error", "index", i, "error", err)
			}
		}
		slog.Info("facade: shutdown complete")
	})
	return shutdownErr
}
