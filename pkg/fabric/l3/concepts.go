package l3

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/MrWong99/fabricmem/pkg/fabric"
)

func toVector(v []float32) pgvector.Vector { return pgvector.NewVector(v) }

// StoreConcept inserts or fully replaces a concept in a single
// auto-committing transaction. Equivalent to Begin, MutateWithoutCommit with
// expectedVersion 0 (no optimistic guard), an outbox enqueue of the resulting
// created/updated intent, then Commit — so the propagation to L2/L1 commits
// atomically with the concept write itself.
func (s *Store) StoreConcept(ctx context.Context, c fabric.Concept) error {
	txn, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	existed, err := txn.exists(ctx, c.OID)
	if err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	if _, err := txn.MutateWithoutCommit(ctx, c, 0); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	kind := fabric.IntentCreated
	if existed {
		kind = fabric.IntentUpdated
	}
	if err := s.enqueue(ctx, txn, kind, c.OID, c.GeometricEmbedding, nil); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	return txn.Commit(ctx)
}

// LoadConcept fetches a concept by OID. Reads are routed to the replica pool
// when one is configured, trading strict read-after-write consistency for
// reduced primary load — callers that require freshness should read inside a
// Txn against the primary instead.
func (s *Store) LoadConcept(ctx context.Context, oid string) (*fabric.Concept, error) {
	if s.forceDisk.Load() {
		return nil, fmt.Errorf("%w: simulated disk fault", fabric.ErrResource)
	}
	if s.forceUnhandled.Load() {
		return nil, errors.New("l3: simulated unhandled fault")
	}

	pool := s.pool
	if s.replicaPool != nil {
		pool = s.replicaPool
	}

	const q = `
SELECT oid, symbolic_vector, geometric_embedding, metadata, relations, confidence, version, created_at, updated_at
FROM concepts WHERE oid = $1
`
	row := pool.QueryRow(ctx, q, oid)
	c, err := scanConcept(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fabric.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("l3: load %q: %w", oid, err)
	}
	return c, nil
}

// UpdateConcept applies diff to the concept identified by oid inside a
// single auto-committing transaction, using diff.BaseVersion as the
// optimistic-concurrency guard: if the stored version has advanced past
// BaseVersion, the update affects zero rows and [fabric.ErrConflict] is
// returned without needing a serialization failure.
func (s *Store) UpdateConcept(ctx context.Context, oid string, diff fabric.ConceptDiff) (*fabric.Concept, error) {
	txn, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}

	current, err := s.loadConceptTx(ctx, txn, oid)
	if err != nil {
		_ = txn.Abort(ctx)
		return nil, err
	}

	merged := applyDiff(*current, diff)

	applied, err := txn.MutateWithoutCommit(ctx, merged, diff.BaseVersion)
	if err != nil {
		_ = txn.Abort(ctx)
		return nil, err
	}
	if !applied {
		_ = txn.Abort(ctx)
		return nil, fabric.ErrConflict
	}
	metaDiff := diff.MetadataSet
	if err := s.enqueue(ctx, txn, fabric.IntentUpdated, oid, merged.GeometricEmbedding, metaDiff); err != nil {
		_ = txn.Abort(ctx)
		return nil, err
	}
	if err := txn.Commit(ctx); err != nil {
		return nil, err
	}
	merged.Version = current.Version + 1
	return &merged, nil
}

// DeleteConcept removes a concept in a single auto-committing transaction,
// enqueuing an IntentDeleted entry so L1/L2 drop their copies. Deleting an
// absent OID is not an error (idempotent delete), and still enqueues the
// delete intent so a stale L1/L2 entry left over from an earlier crash is
// cleaned up.
func (s *Store) DeleteConcept(ctx context.Context, oid string) error {
	txn, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := txn.DeleteWithoutCommit(ctx, oid); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	if err := s.enqueue(ctx, txn, fabric.IntentDeleted, oid, nil, nil); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	return txn.Commit(ctx)
}

func (s *Store) loadConceptTx(ctx context.Context, txn *Txn, oid string) (*fabric.Concept, error) {
	const q = `
SELECT oid, symbolic_vector, geometric_embedding, metadata, relations, confidence, version, created_at, updated_at
FROM concepts WHERE oid = $1 FOR UPDATE
`
	row := txn.tx.QueryRow(ctx, q, oid)
	c, err := scanConcept(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fabric.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("l3: load %q (tx): %w", oid, err)
	}
	return c, nil
}

func scanConcept(row pgx.Row) (*fabric.Concept, error) {
	var (
		c        fabric.Concept
		symbolic *pgvector.Vector
		geo      pgvector.Vector
	)
	if err := row.Scan(
		&c.OID, &symbolic, &geo, &c.Metadata, &c.Relations,
		&c.Confidence, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if symbolic != nil {
		c.SymbolicVector = symbolic.Slice()
	}
	c.GeometricEmbedding = geo.Slice()
	return &c, nil
}

// applyDiff produces the merged concept that results from applying diff on
// top of base. MetadataDelete keys are removed before MetadataSet keys are
// applied, so a single diff can simultaneously drop and replace keys.
func applyDiff(base fabric.Concept, diff fabric.ConceptDiff) fabric.Concept {
	out := base
	if diff.SymbolicVector != nil {
		out.SymbolicVector = diff.SymbolicVector
	}
	if diff.GeometricEmbedding != nil {
		out.GeometricEmbedding = diff.GeometricEmbedding
	}
	if diff.Confidence != nil {
		out.Confidence = *diff.Confidence
	}

	if len(diff.MetadataDelete) > 0 || len(diff.MetadataSet) > 0 {
		merged := make(map[string]any, len(out.Metadata)+len(diff.MetadataSet))
		for k, v := range out.Metadata {
			merged[k] = v
		}
		for _, k := range diff.MetadataDelete {
			delete(merged, k)
		}
		for k, v := range diff.MetadataSet {
			merged[k] = v
		}
		out.Metadata = merged
	}

	if len(diff.RelationsSet) > 0 {
		merged := make(map[string][]string, len(out.Relations)+len(diff.RelationsSet))
		for k, v := range out.Relations {
			merged[k] = v
		}
		for k, v := range diff.RelationsSet {
			merged[k] = v
		}
		out.Relations = merged
	}

	return out
}
