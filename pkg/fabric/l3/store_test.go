package l3_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fabricmem/pkg/fabric"
	"github.com/MrWong99/fabricmem/pkg/fabric/l3"
)

const testDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if FABRICMEM_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("FABRICMEM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FABRICMEM_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *l3.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	if _, err := cleanPool.Exec(ctx, "DROP TABLE IF EXISTS outbox_entries CASCADE"); err != nil {
		t.Fatalf("drop outbox_entries: %v", err)
	}
	if _, err := cleanPool.Exec(ctx, "DROP TABLE IF EXISTS concepts CASCADE"); err != nil {
		t.Fatalf("drop concepts: %v", err)
	}

	store, err := l3.NewStore(ctx, l3.Config{DSN: dsn, EmbeddingDimensions: testDim})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func sampleConcept(oid string) fabric.Concept {
	return fabric.Concept{
		OID:                oid,
		GeometricEmbedding: []float32{1, 0, 0, 0},
		Metadata:           map[string]any{"kind": "test"},
		Relations:          map[string][]string{"relates_to": {"other-oid"}},
		Confidence:         0.5,
	}
}

func TestStore_StoreLoadDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := sampleConcept("concept-1")
	if err := store.StoreConcept(ctx, c); err != nil {
		t.Fatalf("StoreConcept: %v", err)
	}

	got, err := store.LoadConcept(ctx, c.OID)
	if err != nil {
		t.Fatalf("LoadConcept: %v", err)
	}
	if got.Confidence != c.Confidence {
		t.Errorf("Confidence: want %v, got %v", c.Confidence, got.Confidence)
	}
	if got.Metadata["kind"] != "test" {
		t.Errorf("Metadata: want kind=test, got %v", got.Metadata)
	}
	if len(got.GeometricEmbedding) != testDim {
		t.Errorf("GeometricEmbedding: want dim %d, got %d", testDim, len(got.GeometricEmbedding))
	}

	if err := store.DeleteConcept(ctx, c.OID); err != nil {
		t.Fatalf("DeleteConcept: %v", err)
	}
	if _, err := store.LoadConcept(ctx, c.OID); !errors.Is(err, fabric.ErrNotFound) {
		t.Errorf("LoadConcept after delete: want ErrNotFound, got %v", err)
	}

	// Deleting an absent OID is not an error.
	if err := store.DeleteConcept(ctx, "never-existed"); err != nil {
		t.Errorf("DeleteConcept non-existent: unexpected error: %v", err)
	}
}

func TestStore_LoadConceptMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LoadConcept(ctx, "does-not-exist")
	if !errors.Is(err, fabric.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateConceptMergesAndVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := sampleConcept("concept-2")
	if err := store.StoreConcept(ctx, c); err != nil {
		t.Fatalf("StoreConcept: %v", err)
	}
	stored, err := store.LoadConcept(ctx, c.OID)
	if err != nil {
		t.Fatalf("LoadConcept: %v", err)
	}

	newConfidence := 0.9
	diff := fabric.ConceptDiff{
		BaseVersion:    stored.Version,
		MetadataSet:    map[string]any{"extra": "value"},
		MetadataDelete: []string{"kind"},
		Confidence:     &newConfidence,
	}
	updated, err := store.UpdateConcept(ctx, c.OID, diff)
	if err != nil {
		t.Fatalf("UpdateConcept: %v", err)
	}
	if updated.Confidence != newConfidence {
		t.Errorf("Confidence: want %v, got %v", newConfidence, updated.Confidence)
	}
	if _, ok := updated.Metadata["kind"]; ok {
		t.Error("Metadata[kind]: want deleted, got present")
	}
	if updated.Metadata["extra"] != "value" {
		t.Errorf("Metadata[extra]: want value, got %v", updated.Metadata["extra"])
	}
	if updated.Version != stored.Version+1 {
		t.Errorf("Version: want %d, got %d", stored.Version+1, updated.Version)
	}

	// A stale BaseVersion is rejected as a conflict.
	_, err = store.UpdateConcept(ctx, c.OID, fabric.ConceptDiff{BaseVersion: stored.Version})
	if !errors.Is(err, fabric.ErrConflict) {
		t.Errorf("stale update: want ErrConflict, got %v", err)
	}
}

func TestStore_ReadOnlyRejectsMutation(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	rw := newTestStore(t)
	if err := rw.StoreConcept(ctx, sampleConcept("concept-3")); err != nil {
		t.Fatalf("seed StoreConcept: %v", err)
	}

	ro, err := l3.NewStore(ctx, l3.Config{DSN: dsn, EmbeddingDimensions: testDim, ReadOnly: true})
	if err != nil {
		t.Fatalf("NewStore read-only: %v", err)
	}
	t.Cleanup(ro.Close)

	if err := ro.StoreConcept(ctx, sampleConcept("concept-4")); !errors.Is(err, fabric.ErrReadOnly) {
		t.Errorf("StoreConcept on read-only store: want ErrReadOnly, got %v", err)
	}

	got, err := ro.LoadConcept(ctx, "concept-3")
	if err != nil {
		t.Fatalf("LoadConcept via read-only store: %v", err)
	}
	if got.OID != "concept-3" {
		t.Errorf("OID: want concept-3, got %s", got.OID)
	}
}

func TestStore_FaultInjection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.ForceConflictError(true)
	err := store.StoreConcept(ctx, sampleConcept("concept-5"))
	if !errors.Is(err, fabric.ErrConflict) {
		t.Errorf("forced conflict: want ErrConflict, got %v", err)
	}
	store.ForceConflictError(false)

	store.ForceDiskError(true)
	if _, err := store.LoadConcept(ctx, "concept-5"); !errors.Is(err, fabric.ErrResource) {
		t.Errorf("forced disk error: want ErrResource, got %v", err)
	}
	store.ForceDiskError(false)

	store.ForceUnhandledError(true)
	if _, err := store.LoadConcept(ctx, "concept-5"); err == nil {
		t.Error("forced unhandled error: want non-nil error")
	}
	store.ForceUnhandledError(false)

	if err := store.StoreConcept(ctx, sampleConcept("concept-5")); err != nil {
		t.Fatalf("StoreConcept after clearing faults: %v", err)
	}
}

func TestStore_GetStatistics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.StoreConcept(ctx, sampleConcept("concept-6")); err != nil {
		t.Fatalf("StoreConcept: %v", err)
	}
	stats := store.GetStatistics(ctx)
	if stats.TotalConcepts < 1 {
		t.Errorf("TotalConcepts: want >=1, got %d", stats.TotalConcepts)
	}
	if stats.ReadOnly {
		t.Error("ReadOnly: want false for a read-write store")
	}
}
