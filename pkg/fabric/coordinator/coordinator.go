// Package coordinator implements the cache coordinator: a supervised pool of
// worker goroutines that drain the transactional outbox (pkg/fabric/outbox)
// and apply each entry's intent to L2 and L1. It owns the
// stopped/running/crashed state machine and the auto-restart policy.
package coordinator

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/fabricmem/pkg/fabric"
)

// Reserver is the subset of *outbox.Outbox the coordinator drains.
type Reserver interface {
	ReservePending(ctx context.Context, batchSize int) ([]fabric.OutboxEntry, error)
	MarkProcessed(ctx context.Context, id uint64) error
	MarkFailed(ctx context.Context, id uint64, cause error) error
}

// Applier applies a single intent to a cache tier. Both L1 and L2 adapters
// implement this so the coordinator can dispatch by [fabric.IntentKind]
// without knowing which tier it is talking to.
type Applier interface {
	ApplyIntent(ctx context.Context, intent fabric.Intent) error
}

// State is the coordinator's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	default:
		return "stopped"
	}
}

// Config configures [New].
type Config struct {
	Workers     int
	BatchSize   int
	IdleSleep   time.Duration
	AutoRestart bool
	L2          Applier
	L1          Applier
}

// Coordinator owns one dispatcher goroutine (reserving batches from the
// outbox and hash-partitioning each entry's OID across worker shards via
// fnv.New32a, so every entry for a given OID always lands on the same
// worker and is therefore strictly ordered relative to earlier entries for
// that OID) plus N worker goroutines, each independently restartable on
// crash.
type Coordinator struct {
	outbox      Reserver
	l2, l1      Applier
	workers     int
	batchSize   int
	idleSleep   time.Duration
	autoRestart bool

	mu                sync.Mutex
	state             State
	stoppedExplicitly bool
	cancel            context.CancelFunc
	wg                sync.WaitGroup
	shardChans        []chan fabric.OutboxEntry
	crashed           chan int

	failureMu sync.Mutex
	failures  map[string]int64
}

// New constructs a Coordinator in the stopped state.
func New(outbox Reserver, cfg Config) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}
	return &Coordinator{
		outbox:      outbox,
		l2:          cfg.L2,
		l1:          cfg.L1,
		workers:     cfg.Workers,
		batchSize:   cfg.BatchSize,
		idleSleep:   cfg.IdleSleep,
		autoRestart: cfg.AutoRestart,
		state:       StateStopped,
		failures:    make(map[string]int64),
	}
}

// Start transitions stopped/crashed → running, spawning the dispatcher and
// worker pool. Starting an already-running coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.crashed = make(chan int, c.workers+1)
	c.stoppedExplicitly = false
	c.state = StateRunning

	c.shardChans = make([]chan fabric.OutboxEntry, c.workers)
	for i := range c.shardChans {
		c.shardChans[i] = make(chan fabric.OutboxEntry, c.batchSize)
	}

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.runWorker(runCtx, i)
	}
	c.wg.Add(1)
	go c.runDispatcher(runCtx)

	c.wg.Add(1)
	go c.supervise(runCtx)
}

// supervise watches for worker/dispatcher crash reports and restarts
// individual goroutines if auto-restart is permitted.
func (c *Coordinator) supervise(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case idx, ok := <-c.crashed:
			if !ok {
				return
			}
			label := "worker"
			if idx == -1 {
				label = "dispatcher"
			}
			slog.Error("coordinator: goroutine crashed", "which", label, "index", idx)

			c.mu.Lock()
			if c.stoppedExplicitly {
				c.mu.Unlock()
				return
			}
			c.state = StateCrashed
			restart := c.autoRestart
			c.mu.Unlock()

			if !restart {
				return
			}

			c.mu.Lock()
			if c.state == StateCrashed && !c.stoppedExplicitly {
				c.state = StateRunning
				c.wg.Add(1)
				if idx == -1 {
					go c.runDispatcher(ctx)
				} else {
					go c.runWorker(ctx, idx)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Stop transitions running → stopped, suppressing auto-restart until the
// next explicit Start. It blocks until the dispatcher and all workers have
// exited.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.stoppedExplicitly = true
	c.state = StateStopped
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Gate is called by public fabric operations (e.g. Invalidate) that require
// the coordinator to be accepting work. If stopped and auto-restart is
// permitted it restarts the pool and proceeds; otherwise it returns
// [fabric.ErrCoordinatorStopped].
func (c *Coordinator) Gate(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	autoRestart := c.autoRestart
	stoppedExplicitly := c.stoppedExplicitly
	c.mu.Unlock()

	if state == StateRunning {
		return nil
	}
	if autoRestart && !stoppedExplicitly {
		c.Start(ctx)
		return nil
	}
	return fabric.ErrCoordinatorStopped
}

// runDispatcher repeatedly reserves pending entries and routes each to its
// shard's channel. It never applies intents itself.
func (c *Coordinator) runDispatcher(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("coordinator: dispatcher panic", "panic", r)
			select {
			case c.crashed <- -1:
			default:
			}
		}
	}()

	shardChans := c.shardChans
	workers := c.workers

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := c.outbox.ReservePending(ctx, c.batchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("coordinator: reserve failed", "error", err)
			select {
			case c.crashed <- -1:
			default:
			}
			return
		}

		if len(entries) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.idleSleep):
			}
			continue
		}

		for _, e := range entries {
			shard := shardFor(e.Payload.OID, workers)
			select {
			case shardChans[shard] <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

func shardFor(oid string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(oid))
	return int(h.Sum32()) % workers
}

func (c *Coordinator) runWorker(ctx context.Context, idx int) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("coordinator: worker panic", "worker", idx, "panic", r)
			select {
			case c.crashed <- idx:
			default:
			}
		}
	}()

	ch := c.shardChans[idx]
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			c.applyEntry(ctx, entry)
		}
	}
}

func (c *Coordinator) applyEntry(ctx context.Context, entry fabric.OutboxEntry) {
	if c.l2 != nil {
		if err := c.l2.ApplyIntent(ctx, entry.Payload); err != nil {
			c.recordFailure("l2_apply_failed")
			_ = c.outbox.MarkFailed(ctx, entry.ID, err)
			return
		}
	}
	if c.l1 != nil {
		if err := c.l1.ApplyIntent(ctx, entry.Payload); err != nil {
			c.recordFailure("l1_apply_failed")
			_ = c.outbox.MarkFailed(ctx, entry.ID, err)
			return
		}
	}
	_ = c.outbox.MarkProcessed(ctx, entry.ID)
}

func (c *Coordinator) recordFailure(reason string) {
	c.failureMu.Lock()
	c.failures[reason]++
	c.failureMu.Unlock()
}

// FailureCounts returns a snapshot of failure-reason counters accumulated
// since the coordinator was constructed.
func (c *Coordinator) FailureCounts() map[string]int64 {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()
	out := make(map[string]int64, len(c.failures))
	for k, v := range c.failures {
		out[k] = v
	}
	return out
}
