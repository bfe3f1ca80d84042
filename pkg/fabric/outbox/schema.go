// Package outbox implements the transactional outbox colocated with L3
// (pkg/fabric/l3): a durable, at-least-once FIFO of [fabric.Intent] values
// produced by concept mutations and drained by the cache coordinator
// (pkg/fabric/coordinator).
//
// Enqueue always executes against the caller's already-open pgx.Tx, so an
// outbox row commits atomically with the L3 write that produced it —
// neither can be observed without the other. Delivery uses Postgres's
// SELECT ... FOR UPDATE SKIP LOCKED work-queue pattern for safe concurrent
// dequeue, visibility timeouts for crash recovery, and a dead-letter state
// once an entry exhausts its retry budget.
package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlOutbox = `
CREATE TABLE IF NOT EXISTS outbox_entries (
    id             BIGSERIAL PRIMARY KEY,
    kind           TEXT         NOT NULL,
    oid            TEXT         NOT NULL,
    vector         JSONB,
    meta_diff      JSONB        NOT NULL DEFAULT '{}',
    headers        JSONB        NOT NULL DEFAULT '{}',
    enqueue_time   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    visible_after  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    attempts       INT          NOT NULL DEFAULT 0,
    max_attempts   INT          NOT NULL DEFAULT 5,
    state          TEXT         NOT NULL DEFAULT 'pending',
    last_error     TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending
    ON outbox_entries (id)
    WHERE state = 'pending';

CREATE INDEX IF NOT EXISTS idx_outbox_in_flight_visible
    ON outbox_entries (visible_after)
    WHERE state = 'in-flight';
`

// Migrate creates the outbox_entries table if it does not already exist. It
// is idempotent and is run alongside [l3.Migrate] against the same pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlOutbox); err != nil {
		return fmt.Errorf("outbox: migrate: %w", err)
	}
	return nil
}
