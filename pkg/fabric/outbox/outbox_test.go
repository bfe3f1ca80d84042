package outbox_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fabricmem/pkg/fabric"
	"github.com/MrWong99/fabricmem/pkg/fabric/outbox"
)

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("FABRICMEM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FABRICMEM_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestOutbox(t *testing.T, cfg outbox.Config) (*outbox.Outbox, *pgxpool.Pool) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS outbox_entries CASCADE"); err != nil {
		t.Fatalf("drop outbox_entries: %v", err)
	}

	ob, err := outbox.New(ctx, pool, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ob, pool
}

func TestOutbox_EnqueueReserveProcess(t *testing.T) {
	ob, pool := newTestOutbox(t, outbox.Config{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	intent := fabric.Intent{Kind: fabric.IntentCreated, OID: "concept-1", Vector: []float32{1, 2, 3}}
	if err := ob.EnqueueTx(ctx, tx, intent); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entries, err := ob.ReservePending(ctx, 10)
	if err != nil {
		t.Fatalf("ReservePending: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	if entries[0].Payload.OID != "concept-1" {
		t.Errorf("OID: want concept-1, got %s", entries[0].Payload.OID)
	}
	if entries[0].State != fabric.StateInFlight {
		t.Errorf("state: want in-flight, got %s", entries[0].State)
	}

	// A second reservation attempt sees nothing — already claimed.
	again, err := ob.ReservePending(ctx, 10)
	if err != nil {
		t.Fatalf("ReservePending again: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("want 0 entries on second reserve, got %d", len(again))
	}

	if err := ob.MarkProcessed(ctx, entries[0].ID); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	stats := ob.GetStatistics(ctx)
	if stats.Processed != 1 {
		t.Errorf("Processed: want 1, got %d", stats.Processed)
	}
}

func TestOutbox_MarkFailedRetriesThenDeadLetters(t *testing.T) {
	ob, pool := newTestOutbox(t, outbox.Config{VisibilityTimeout: time.Minute, DefaultMaxAttempts: 2})
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := ob.EnqueueTx(ctx, tx, fabric.Intent{Kind: fabric.IntentUpdated, OID: "concept-2"}); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	first, err := ob.ReservePending(ctx, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("ReservePending 1st: entries=%v err=%v", first, err)
	}
	if err := ob.MarkFailed(ctx, first[0].ID, errors.New("delivery failed")); err != nil {
		t.Fatalf("MarkFailed 1st: %v", err)
	}

	second, err := ob.ReservePending(ctx, 1)
	if err != nil || len(second) != 1 {
		t.Fatalf("ReservePending 2nd: entries=%v err=%v", second, err)
	}
	if second[0].Attempts != 2 {
		t.Errorf("Attempts: want 2, got %d", second[0].Attempts)
	}
	if err := ob.MarkFailed(ctx, second[0].ID, errors.New("delivery failed again")); err != nil {
		t.Fatalf("MarkFailed 2nd: %v", err)
	}

	stats := ob.GetStatistics(ctx)
	if stats.Dead != 1 {
		t.Errorf("Dead: want 1, got %d", stats.Dead)
	}
	if stats.Pending != 0 {
		t.Errorf("Pending: want 0, got %d", stats.Pending)
	}
}

func TestOutbox_ReapTimeouts(t *testing.T) {
	ob, pool := newTestOutbox(t, outbox.Config{VisibilityTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := ob.EnqueueTx(ctx, tx, fabric.Intent{Kind: fabric.IntentDeleted, OID: "concept-3"}); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := ob.ReservePending(ctx, 1); err != nil {
		t.Fatalf("ReservePending: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	reaped, err := ob.ReapTimeouts(ctx)
	if err != nil {
		t.Fatalf("ReapTimeouts: %v", err)
	}
	if reaped != 1 {
		t.Errorf("reaped: want 1, got %d", reaped)
	}

	stats := ob.GetStatistics(ctx)
	if stats.Pending != 1 {
		t.Errorf("Pending after reap: want 1, got %d", stats.Pending)
	}
}

func TestOutbox_MaxPendingEnforced(t *testing.T) {
	ob, pool := newTestOutbox(t, outbox.Config{MaxPending: 1})
	ctx := context.Background()

	tx1, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin 1: %v", err)
	}
	if err := ob.EnqueueTx(ctx, tx1, fabric.Intent{Kind: fabric.IntentCreated, OID: "concept-4"}); err != nil {
		t.Fatalf("EnqueueTx 1: %v", err)
	}
	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	tx2, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin 2: %v", err)
	}
	err = ob.EnqueueTx(ctx, tx2, fabric.Intent{Kind: fabric.IntentCreated, OID: "concept-5"})
	_ = tx2.Rollback(ctx)
	if !errors.Is(err, fabric.ErrOutboxFull) {
		t.Errorf("want ErrOutboxFull, got %v", err)
	}
}

func TestOutbox_PurgeProcessed(t *testing.T) {
	ob, pool := newTestOutbox(t, outbox.Config{})
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := ob.EnqueueTx(ctx, tx, fabric.Intent{Kind: fabric.IntentCreated, OID: "concept-6"}); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entries, err := ob.ReservePending(ctx, 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReservePending: entries=%v err=%v", entries, err)
	}
	if err := ob.MarkProcessed(ctx, entries[0].ID); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	purged, err := ob.PurgeProcessed(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeProcessed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged: want 1, got %d", purged)
	}
}
