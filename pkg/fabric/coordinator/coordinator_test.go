package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/fabricmem/pkg/fabric"
	"github.com/MrWong99/fabricmem/pkg/fabric/coordinator"
)

// fakeReserver is an in-memory stand-in for *outbox.Outbox: entries are
// served off a queue once and tracked as processed/failed by id.
type fakeReserver struct {
	mu        sync.Mutex
	queue     []fabric.OutboxEntry
	processed map[uint64]bool
	failed    map[uint64]int
	reserveFn func() ([]fabric.OutboxEntry, error) // optional override
}

func newFakeReserver() *fakeReserver {
	return &fakeReserver{processed: make(map[uint64]bool), failed: make(map[uint64]int)}
}

func (f *fakeReserver) push(entries ...fabric.OutboxEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, entries...)
}

func (f *fakeReserver) ReservePending(ctx context.Context, batchSize int) ([]fabric.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveFn != nil {
		return f.reserveFn()
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	n := batchSize
	if n > len(f.queue) {
		n = len(f.queue)
	}
	out := f.queue[:n]
	f.queue = f.queue[n:]
	return out, nil
}

func (f *fakeReserver) MarkProcessed(ctx context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[id] = true
	return nil
}

func (f *fakeReserver) MarkFailed(ctx context.Context, id uint64, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id]++
	return nil
}

func (f *fakeReserver) processedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processed)
}

// fakeApplier records every OID it was asked to apply, optionally failing a
// configured set of OIDs on their first attempt.
type fakeApplier struct {
	mu       sync.Mutex
	applied  []string
	failOnce map[string]bool
}

func newFakeApplier() *fakeApplier { return &fakeApplier{failOnce: make(map[string]bool)} }

func (a *fakeApplier) ApplyIntent(ctx context.Context, intent fabric.Intent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failOnce[intent.OID] {
		delete(a.failOnce, intent.OID)
		return errors.New("injected failure")
	}
	a.applied = append(a.applied, intent.OID)
	return nil
}

func (a *fakeApplier) appliedOIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestCoordinator_DrainsOutboxAndApplies(t *testing.T) {
	reserver := newFakeReserver()
	reserver.push(
		fabric.OutboxEntry{ID: 1, Payload: fabric.Intent{Kind: fabric.IntentCreated, OID: "a", Vector: []float32{1, 0}}},
		fabric.OutboxEntry{ID: 2, Payload: fabric.Intent{Kind: fabric.IntentCreated, OID: "b", Vector: []float32{0, 1}}},
	)
	l2 := newFakeApplier()
	l1 := newFakeApplier()

	c := coordinator.New(reserver, coordinator.Config{
		Workers:   2,
		BatchSize: 8,
		IdleSleep: 10 * time.Millisecond,
		L2:        l2,
		L1:        l1,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return reserver.processedCount() == 2 })

	if got := len(l2.appliedOIDs()); got != 2 {
		t.Errorf("l2 applied: want 2, got %d", got)
	}
	if got := len(l1.appliedOIDs()); got != 2 {
		t.Errorf("l1 applied: want 2, got %d", got)
	}
}

func TestCoordinator_SameOIDAlwaysSameWorker(t *testing.T) {
	reserver := newFakeReserver()
	for i := uint64(1); i <= 20; i++ {
		reserver.push(fabric.OutboxEntry{
			ID:      i,
			Payload: fabric.Intent{Kind: fabric.IntentCreated, OID: "stable-oid", Vector: []float32{1, 0}},
		})
	}
	l2 := newFakeApplier()

	c := coordinator.New(reserver, coordinator.Config{
		Workers:   4,
		BatchSize: 20,
		IdleSleep: 10 * time.Millisecond,
		L2:        l2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return reserver.processedCount() == 20 })
	// Ordering isn't directly observable here beyond "didn't panic and all
	// processed"; shardFor is exercised deterministically via hashing so the
	// same OID always routes to one worker's channel, preserving FIFO order
	// within that channel.
}

func TestCoordinator_StopSuppressesAutoRestart(t *testing.T) {
	reserver := newFakeReserver()
	reserver.reserveFn = func() ([]fabric.OutboxEntry, error) {
		return nil, errors.New("boom")
	}

	c := coordinator.New(reserver, coordinator.Config{
		Workers:     1,
		IdleSleep:   5 * time.Millisecond,
		AutoRestart: true,
	})
	ctx := context.Background()
	c.Start(ctx)

	waitFor(t, time.Second, func() bool { return c.State() == coordinator.StateCrashed || c.State() == coordinator.StateRunning })

	c.Stop()
	if got := c.State(); got != coordinator.StateStopped {
		t.Fatalf("State after Stop: want stopped, got %v", got)
	}

	if err := c.Gate(context.Background()); !errors.Is(err, fabric.ErrCoordinatorStopped) {
		t.Fatalf("Gate after explicit stop: want ErrCoordinatorStopped, got %v", err)
	}
}

func TestCoordinator_GateRestartsWhenAutoRestartEnabled(t *testing.T) {
	reserver := newFakeReserver()
	c := coordinator.New(reserver, coordinator.Config{
		Workers:     1,
		IdleSleep:   5 * time.Millisecond,
		AutoRestart: true,
	})

	if c.State() != coordinator.StateStopped {
		t.Fatalf("initial state: want stopped, got %v", c.State())
	}
	if err := c.Gate(context.Background()); err != nil {
		t.Fatalf("Gate: want nil error (auto-restart), got %v", err)
	}
	waitFor(t, time.Second, func() bool { return c.State() == coordinator.StateRunning })
	c.Stop()
}

func TestCoordinator_FailedApplyMarksFailedNotProcessed(t *testing.T) {
	reserver := newFakeReserver()
	reserver.push(fabric.OutboxEntry{ID: 1, Payload: fabric.Intent{Kind: fabric.IntentCreated, OID: "x", Vector: []float32{1, 0}}})

	l2 := newFakeApplier()
	l2.failOnce["x"] = true

	c := coordinator.New(reserver, coordinator.Config{
		Workers:   1,
		IdleSleep: 10 * time.Millisecond,
		L2:        l2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	waitFor(t, time.Second, func() bool {
		reserver.mu.Lock()
		defer reserver.mu.Unlock()
		return reserver.failed[1] == 1
	})

	if reserver.processedCount() != 0 {
		t.Error("processed: want 0, entry should have been marked failed instead")
	}
	counts := c.FailureCounts()
	if counts["l2_apply_failed"] != 1 {
		t.Errorf("FailureCounts[l2_apply_failed]: want 1, got %d", counts["l2_apply_failed"])
	}
}

func TestCoordinator_StartIsIdempotentWhileRunning(t *testing.T) {
	reserver := newFakeReserver()
	c := coordinator.New(reserver, coordinator.Config{Workers: 2, IdleSleep: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	c.Start(ctx) // must not panic or double-spawn
	waitFor(t, time.Second, func() bool { return c.State() == coordinator.StateRunning })
	c.Stop()
	if c.State() != coordinator.StateStopped {
		t.Fatalf("State after Stop: want stopped, got %v", c.State())
	}
}
