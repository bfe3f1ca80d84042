// Package l3 provides the PostgreSQL/pgvector-backed L3 ground-truth store:
// a transactional, OID-keyed object store giving ACID semantics over the
// authoritative concept graph, plus the colocated transactional-outbox table
// (see pkg/fabric/outbox) that shares the same connection pool so that an
// outbox enqueue always commits atomically with the concept write that
// produced it.
package l3

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlConcepts is the authoritative concept table. version is the per-OID
// optimistic-concurrency counter: it is exposed to callers via
// [fabric.Concept.Version] / [fabric.ConceptDiff.BaseVersion], and
// UpdateConcept rejects a diff whose BaseVersion no longer matches it.
// Conflicts between concurrent transactions are additionally caught by
// SERIALIZABLE isolation at commit.
const ddlConcepts = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS concepts (
    oid                  TEXT         PRIMARY KEY,
    symbolic_vector      vector(%d),
    geometric_embedding  vector(%d)   NOT NULL,
    metadata             JSONB        NOT NULL DEFAULT '{}',
    relations            JSONB        NOT NULL DEFAULT '{}',
    confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
    version              BIGINT       NOT NULL DEFAULT 1,
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_concepts_geo_embedding
    ON concepts USING hnsw (geometric_embedding vector_cosine_ops);
`

// Migrate creates the concepts table (and the vector extension) if they do
// not already exist. It is idempotent and safe to call on every startup.
// embeddingDimensions must match both SymbolicVector and GeometricEmbedding
// dimensionality configured for the deployment.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	stmt := fmt.Sprintf(ddlConcepts, embeddingDimensions, embeddingDimensions)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("l3: migrate: %w", err)
	}
	return nil
}
