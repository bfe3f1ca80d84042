package l3

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/fabricmem/pkg/fabric"
)

// serializationFailureCode is the Postgres SQLSTATE raised when a
// SERIALIZABLE transaction cannot be placed in any serial order relative to
// its concurrent peers. Commit translates it into [fabric.ErrConflict]; L3
// also returns ErrConflict when UpdateConcept's version guard matches no row
// and when a conflict is forced with [Store.ForceConflictError].
const serializationFailureCode = "40001"

// Txn is a single SERIALIZABLE transaction against the concept table (and,
// via the colocated [Enqueuer], the outbox table). Every Txn must end in
// exactly one of Commit or Abort.
type Txn struct {
	store *Store
	tx    pgx.Tx
	done  bool
}

// Begin opens a new SERIALIZABLE transaction. Returns [fabric.ErrReadOnly] if
// the store was opened read-only.
func (s *Store) Begin(ctx context.Context) (*Txn, error) {
	if s.readOnly {
		return nil, fabric.ErrReadOnly
	}
	if s.forceDisk.Load() {
		return nil, fmt.Errorf("%w: simulated disk fault", fabric.ErrResource)
	}
	if s.forceUnhandled.Load() {
		return nil, errors.New("l3: simulated unhandled fault")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("l3: begin: %w", err)
	}
	return &Txn{store: s, tx: tx}, nil
}

// Tx exposes the underlying pgx.Tx so the colocated outbox can stage an
// EnqueueTx call against the same transaction.
func (t *Txn) Tx() pgx.Tx { return t.tx }

// MutateWithoutCommit stages a concept write (insert-or-update) against the
// open transaction without committing. The version column is incremented
// atomically server-side; if expectedVersion is non-zero the statement is
// qualified with a WHERE version = expectedVersion guard, so a concurrent
// writer that already advanced the version causes the statement to affect
// zero rows — detected by the caller via the returned bool.
func (t *Txn) MutateWithoutCommit(ctx context.Context, c fabric.Concept, expectedVersion uint64) (applied bool, err error) {
	if t.done {
		return false, fmt.Errorf("l3: transaction already finished")
	}

	var symbolic any
	if c.SymbolicVector != nil {
		symbolic = toVector(c.SymbolicVector)
	}
	geo := toVector(c.GeometricEmbedding)

	const upsert = `
INSERT INTO concepts (oid, symbolic_vector, geometric_embedding, metadata, relations, confidence, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 1, now())
ON CONFLICT (oid) DO UPDATE SET
    symbolic_vector = EXCLUDED.symbolic_vector,
    geometric_embedding = EXCLUDED.geometric_embedding,
    metadata = EXCLUDED.metadata,
    relations = EXCLUDED.relations,
    confidence = EXCLUDED.confidence,
    version = concepts.version + 1,
    updated_at = now()
WHERE $7 = 0 OR concepts.version = $7
`
	tag, err := t.tx.Exec(ctx, upsert, c.OID, symbolic, geo, c.Metadata, c.Relations, c.Confidence, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("l3: mutate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// exists reports whether oid is already present, used by StoreConcept to
// decide between an IntentCreated and an IntentUpdated outbox entry.
func (t *Txn) exists(ctx context.Context, oid string) (bool, error) {
	if t.done {
		return false, fmt.Errorf("l3: transaction already finished")
	}
	var found bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM concepts WHERE oid = $1)`, oid).Scan(&found); err != nil {
		return false, fmt.Errorf("l3: exists %q: %w", oid, err)
	}
	return found, nil
}

// DeleteWithoutCommit stages a concept deletion against the open transaction.
func (t *Txn) DeleteWithoutCommit(ctx context.Context, oid string) error {
	if t.done {
		return fmt.Errorf("l3: transaction already finished")
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM concepts WHERE oid = $1`, oid); err != nil {
		return fmt.Errorf("l3: delete: %w", err)
	}
	return nil
}

// Commit commits the transaction. A Postgres serialization failure (SQLSTATE
// 40001) is translated to [fabric.ErrConflict]; callers should retry the
// whole read-modify-write sequence on that error, not just resubmit the
// commit.
func (t *Txn) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("l3: transaction already finished")
	}
	t.done = true

	if t.store.forceConflict.Load() {
		_ = t.tx.Rollback(ctx)
		return fabric.ErrConflict
	}

	err := t.tx.Commit(ctx)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == serializationFailureCode {
		return fabric.ErrConflict
	}
	return fmt.Errorf("l3: commit: %w", err)
}

// Abort rolls back the transaction. Safe to call after a failed
// MutateWithoutCommit/DeleteWithoutCommit; a no-op if the transaction already
// finished.
func (t *Txn) Abort(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("l3: abort: %w", err)
	}
	return nil
}
