package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fabricmem/pkg/fabric"
)

// Config configures [New].
type Config struct {
	// MaxPending bounds the number of entries in "pending" or "in-flight"
	// state at once. Zero disables the bound.
	MaxPending int

	// VisibilityTimeout is how long a reserved entry stays invisible to other
	// reservers before [Outbox.ReapTimeouts] makes it pending again.
	VisibilityTimeout time.Duration

	// DefaultMaxAttempts is the retry budget assigned to entries enqueued
	// without an explicit override.
	DefaultMaxAttempts int
}

// Outbox is the transactional outbox colocated with L3. It shares the
// connection pool passed to [New] — callers construct the L3 store first,
// then the Outbox against [l3.Store.Pool], then wire the two together with
// [l3.Store.SetEnqueuer].
type Outbox struct {
	pool              *pgxpool.Pool
	maxPending        int
	visibilityTimeout time.Duration
	defaultMaxAttempts int
}

// New wires an Outbox against an already-migrated L3 connection pool and
// runs [Migrate].
func New(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*Outbox, error) {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 5
	}
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Outbox{
		pool:               pool,
		maxPending:         cfg.MaxPending,
		visibilityTimeout:  cfg.VisibilityTimeout,
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
	}, nil
}

// EnqueueTx stages intent against the caller's open transaction tx, so it
// commits atomically with whatever L3 mutation produced it. It satisfies
// [l3.Enqueuer]. Returns [fabric.ErrOutboxFull] if MaxPending would be
// exceeded, checked transactionally so the guard is exact under concurrent
// writers.
func (o *Outbox) EnqueueTx(ctx context.Context, tx pgx.Tx, intent fabric.Intent) error {
	if o.maxPending > 0 {
		var depth int64
		const q = `SELECT count(*) FROM outbox_entries WHERE state IN ('pending', 'in-flight')`
		if err := tx.QueryRow(ctx, q).Scan(&depth); err != nil {
			return fmt.Errorf("outbox: enqueue depth check: %w", err)
		}
		if depth >= int64(o.maxPending) {
			return fabric.ErrOutboxFull
		}
	}

	metaDiff, err := json.Marshal(intent.MetaDiff)
	if err != nil {
		return fmt.Errorf("outbox: marshal meta diff: %w", err)
	}
	var vector any
	if intent.Vector != nil {
		b, err := json.Marshal(intent.Vector)
		if err != nil {
			return fmt.Errorf("outbox: marshal vector: %w", err)
		}
		vector = b
	}

	const ins = `
INSERT INTO outbox_entries (kind, oid, vector, meta_diff, max_attempts)
VALUES ($1, $2, $3, $4, $5)
`
	if _, err := tx.Exec(ctx, ins, string(intent.Kind), intent.OID, vector, metaDiff, o.defaultMaxAttempts); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// ReservePending atomically claims up to batchSize pending entries, marking
// them in-flight with a fresh visibility deadline, and returns them in FIFO
// (ascending id) order. Timed-out in-flight entries are not claimed here;
// [Outbox.ReapTimeouts] returns them to pending first.
func (o *Outbox) ReservePending(ctx context.Context, batchSize int) ([]fabric.OutboxEntry, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: reserve begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `
SELECT id, kind, oid, vector, meta_diff, headers, enqueue_time, attempts, max_attempts
FROM outbox_entries
WHERE state = 'pending'
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, sel, batchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox: reserve select: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("outbox: reserve scan: %w", err)
	}
	if len(entries) == 0 {
		return nil, tx.Commit(ctx)
	}

	visibleAfter := time.Now().Add(o.visibilityTimeout)
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	const upd = `
UPDATE outbox_entries
SET state = 'in-flight', visible_after = $2, attempts = attempts + 1
WHERE id = ANY($1)
`
	if _, err := tx.Exec(ctx, upd, ids, visibleAfter); err != nil {
		return nil, fmt.Errorf("outbox: reserve update: %w", err)
	}

	for i := range entries {
		entries[i].State = fabric.StateInFlight
		entries[i].VisibleAfter = visibleAfter
		entries[i].Attempts++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("outbox: reserve commit: %w", err)
	}
	return entries, nil
}

// MarkProcessed marks an entry as durably delivered.
func (o *Outbox) MarkProcessed(ctx context.Context, id uint64) error {
	const q = `UPDATE outbox_entries SET state = 'processed' WHERE id = $1`
	if _, err := o.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure. If the entry has exhausted its
// retry budget it moves to the dead-letter state; otherwise it returns to
// pending for another attempt.
func (o *Outbox) MarkFailed(ctx context.Context, id uint64, cause error) error {
	var causeText string
	if cause != nil {
		causeText = cause.Error()
	}

	const q = `
UPDATE outbox_entries
SET
    last_error = $2,
    state = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'pending' END
WHERE id = $1
`
	tag, err := o.pool.Exec(ctx, q, id, causeText)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fabric.ErrNotFound
	}
	return nil
}

// ReapTimeouts returns in-flight entries whose visibility deadline has
// elapsed back to pending. Intended to run on a periodic ticker alongside
// delivery.
func (o *Outbox) ReapTimeouts(ctx context.Context) (int64, error) {
	const q = `
UPDATE outbox_entries
SET state = 'pending'
WHERE state = 'in-flight' AND visible_after < now()
`
	tag, err := o.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("outbox: reap timeouts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeProcessed deletes processed entries older than olderThan, bounding
// table growth. Dead-lettered entries are never purged by this call — they
// require operator attention.
func (o *Outbox) PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `DELETE FROM outbox_entries WHERE state = 'processed' AND enqueue_time < $1`
	tag, err := o.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("outbox: purge processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats is the structured report returned by [Outbox.GetStatistics].
type Stats struct {
	Pending   int64 `json:"pending"`
	InFlight  int64 `json:"in_flight"`
	Processed int64 `json:"processed"`
	Dead      int64 `json:"dead"`
}

// GetStatistics returns per-state entry counts. Never raises; on query
// failure it logs and returns a zero Stats.
func (o *Outbox) GetStatistics(ctx context.Context) Stats {
	const q = `
SELECT
    count(*) FILTER (WHERE state = 'pending'),
    count(*) FILTER (WHERE state = 'in-flight'),
    count(*) FILTER (WHERE state = 'processed'),
    count(*) FILTER (WHERE state = 'dead')
FROM outbox_entries
`
	var s Stats
	if err := o.pool.QueryRow(ctx, q).Scan(&s.Pending, &s.InFlight, &s.Processed, &s.Dead); err != nil {
		slog.Warn("outbox: get statistics failed", "error", err)
	}
	return s
}

func collectEntries(rows pgx.Rows) ([]fabric.OutboxEntry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (fabric.OutboxEntry, error) {
		var (
			e         fabric.OutboxEntry
			vectorRaw []byte
			metaRaw   []byte
			headerRaw []byte
			kind      string
		)
		if err := row.Scan(&e.ID, &kind, &e.Payload.OID, &vectorRaw, &metaRaw, &headerRaw, &e.EnqueueTime, &e.Attempts, &e.MaxAttempts); err != nil {
			return fabric.OutboxEntry{}, err
		}
		e.Payload.Kind = fabric.IntentKind(kind)
		if len(vectorRaw) > 0 {
			if err := json.Unmarshal(vectorRaw, &e.Payload.Vector); err != nil {
				return fabric.OutboxEntry{}, fmt.Errorf("unmarshal vector: %w", err)
			}
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &e.Payload.MetaDiff); err != nil {
				return fabric.OutboxEntry{}, fmt.Errorf("unmarshal meta diff: %w", err)
			}
		}
		if len(headerRaw) > 0 {
			if err := json.Unmarshal(headerRaw, &e.Headers); err != nil {
				return fabric.OutboxEntry{}, fmt.Errorf("unmarshal headers: %w", err)
			}
		}
		return e, nil
	})
}
