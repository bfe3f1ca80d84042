// Package promotion implements the promotion daemon: a periodic ticker that
// drains L1's promotion-candidate buffer and inserts each candidate into L2,
// concurrently and with a bounded worker count, requeuing failures back onto
// L1 (which resets the entry's access count below its promotion threshold so
// it becomes eligible again after a few more accesses).
package promotion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fabricmem/pkg/fabric/l2"
)

// L1Source is the subset of *l1.Cache the promotion daemon drains.
type L1Source interface {
	DrainPromotions(batchLimit int) []string
	Get(oid string) ([]float32, bool)
	ConfirmPromotion(oid string)
	RequeuePromotion(oid string)
}

// L2Target is the subset of *l2.Cache the promotion daemon writes into.
type L2Target interface {
	Put(ctx context.Context, oid string, vec []float32, meta l2.Meta) error
}

// Config configures [New].
type Config struct {
	Interval    time.Duration
	BatchLimit  int
	Concurrency int
}

// Daemon periodically drains L1's promotion queue into L2.
type Daemon struct {
	l1          L1Source
	l2          L2Target
	interval    time.Duration
	batchLimit  int
	concurrency int

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool

	failureMu      sync.Mutex
	failureReasons map[string]int64
}

// New constructs a stopped Daemon.
func New(l1Src L1Source, l2Target L2Target, cfg Config) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Daemon{
		l1:             l1Src,
		l2:             l2Target,
		interval:       cfg.Interval,
		batchLimit:     cfg.BatchLimit,
		concurrency:    cfg.Concurrency,
		failureReasons: make(map[string]int64),
	}
}

// Start begins the ticker loop in a background goroutine. Starting an
// already-running daemon is a no-op.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				result := d.RunOnce(runCtx)
				slog.Info("promotion: cycle complete",
					"promoted", len(result.PromotedOIDs),
					"requeued", result.Requeued,
					"success", result.Success)
			}
		}
	}()
}

// Stop halts the ticker loop. It does not wait for an in-flight RunOnce to
// finish; callers that need that guarantee should track RunOnce separately.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.cancel()
	d.running = false
}

// Result reports the outcome of one promotion cycle.
type Result struct {
	Success        bool             `json:"success"`
	Promoted       int              `json:"promoted"`
	PromotedOIDs   []string         `json:"promoted_oids"`
	Requeued       int              `json:"requeued"`
	Failures       []Failure        `json:"failures"`
	FailureReasons map[string]int64 `json:"failure_reasons"`
}

// Failure describes one candidate's promotion failure.
type Failure struct {
	OID    string `json:"oid"`
	Reason string `json:"reason"`
}

// RunOnce drains up to BatchLimit candidates from L1 and promotes each into
// L2 concurrently (bounded by Concurrency, via errgroup). Every candidate's
// goroutine returns nil, so one candidate's failure does not cancel the
// others; failures are collected into the Result. A candidate missing from
// L1 by the time it's processed, or one that fails to write to L2, is
// requeued onto L1 rather than dropped.
func (d *Daemon) RunOnce(ctx context.Context) Result {
	oids := d.l1.DrainPromotions(d.batchLimit)
	if len(oids) == 0 {
		return Result{Success: true, FailureReasons: map[string]int64{}}
	}

	var (
		mu       sync.Mutex
		promoted []string
		failures []Failure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, oid := range oids {
		oid := oid
		g.Go(func() error {
			reason := d.promoteOne(gctx, oid)
			mu.Lock()
			defer mu.Unlock()
			if reason == "" {
				promoted = append(promoted, oid)
			} else {
				failures = append(failures, Failure{OID: oid, Reason: reason})
				d.l1.RequeuePromotion(oid)
			}
			return nil
		})
	}
	_ = g.Wait() // per-candidate errors are captured in failures, not returned

	for _, f := range failures {
		d.recordFailureReason(f.Reason)
	}

	return Result{
		Success:        true,
		Promoted:       len(promoted),
		PromotedOIDs:   promoted,
		Requeued:       len(failures),
		Failures:       failures,
		FailureReasons: d.failureReasonsSnapshot(),
	}
}

// promoteOne promotes a single candidate, returning a non-empty failure
// reason on failure ("missing_vector" or "l2_put_failed").
func (d *Daemon) promoteOne(ctx context.Context, oid string) string {
	vec, ok := d.l1.Get(oid)
	if !ok || len(vec) == 0 {
		return "missing_vector"
	}

	if err := d.l2.Put(ctx, oid, vec, l2.Meta{}); err != nil {
		slog.Warn("promotion: l2 put failed", "oid", oid, "error", err)
		return "l2_put_failed"
	}

	d.l1.ConfirmPromotion(oid)
	return ""
}

func (d *Daemon) recordFailureReason(reason string) {
	d.failureMu.Lock()
	defer d.failureMu.Unlock()
	d.failureReasons[reason]++
}

func (d *Daemon) failureReasonsSnapshot() map[string]int64 {
	d.failureMu.Lock()
	defer d.failureMu.Unlock()
	out := make(map[string]int64, len(d.failureReasons))
	for k, v := range d.failureReasons {
		out[k] = v
	}
	return out
}

// FailureReasons returns cumulative failure-reason counts across every cycle
// run by this daemon so far.
func (d *Daemon) FailureReasons() map[string]int64 {
	return d.failureReasonsSnapshot()
}
