package l3

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/fabricmem/pkg/fabric"
)

// Enqueuer is the outbox's half of the L3/outbox coupling: it enqueues an
// intent against an already-open transaction, so that the enqueue commits
// atomically with the concept mutation that produced it. pkg/fabric/outbox's
// *Outbox satisfies this interface.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, intent fabric.Intent) error
}

// Stats is the structured report returned by [Store.GetStatistics]. The
// façade never raises from statistics calls (spec §7); this type is returned
// even on partial failure, with zero values for unavailable counts.
type Stats struct {
	TotalConcepts int64 `json:"total_concepts"`
	ReadOnly      bool  `json:"read_only"`
}

// Store is the L3 ground-truth store: a transactional, OID-keyed object
// store over a PostgreSQL database. It is the single authority tier — L1 and
// L2 values may lag but must never contradict a committed Store value once
// the corresponding outbox entry reaches "processed".
//
// All methods are safe for concurrent use. At most one interactively-driven
// transaction (Begin/MutateWithoutCommit/Commit/Abort) is modeled per call
// site — concurrent callers simply open independent pgx.Tx values, with
// conflicts detected by Postgres's SERIALIZABLE isolation rather than a
// single in-process lock.
type Store struct {
	pool        *pgxpool.Pool
	replicaPool *pgxpool.Pool // optional, read-only; nil if not configured
	readOnly    bool
	dim         int
	enqueuer    Enqueuer

	// Fault-injection hooks. Test-only; never set in production code paths.
	forceConflict  atomic.Bool
	forceDisk      atomic.Bool
	forceUnhandled atomic.Bool
}

// Config configures [NewStore].
type Config struct {
	// DSN is the PostgreSQL connection string for the primary (read-write,
	// unless ReadOnly) connection.
	DSN string

	// ReplicaDSN, if non-empty, is a PostgreSQL streaming-replica DSN that
	// LoadConcept reads from in preference to the primary.
	ReplicaDSN string

	// ReadOnly rejects all mutating operations with [fabric.ErrReadOnly].
	ReadOnly bool

	// EmbeddingDimensions must match the configured vector dimension.
	EmbeddingDimensions int
}

// NewStore opens a connection pool to dsn, registers pgvector types on every
// connection, runs [Migrate], and optionally opens a read-only replica pool.
// In ReadOnly mode the primary pool is still used (Postgres enforces
// `default_transaction_read_only`), but no migration is attempted — a
// read-only store must be pointed at an already-migrated database.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: l3.dsn is required", fabric.ErrConfiguration)
	}
	if cfg.EmbeddingDimensions <= 0 {
		return nil, fmt.Errorf("%w: l3 embedding dimension must be positive", fabric.ErrConfiguration)
	}

	dsn := cfg.DSN
	if cfg.ReadOnly {
		dsn = appendReadOnly(dsn)
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("l3: parse dsn: %w", err)
	}
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("l3: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("l3: ping: %w", err)
	}

	if !cfg.ReadOnly {
		if err := Migrate(ctx, pool, cfg.EmbeddingDimensions); err != nil {
			pool.Close()
			return nil, err
		}
	}

	s := &Store{
		pool:     pool,
		readOnly: cfg.ReadOnly,
		dim:      cfg.EmbeddingDimensions,
	}

	if cfg.ReplicaDSN != "" {
		rcfg, err := pgxpool.ParseConfig(appendReadOnly(cfg.ReplicaDSN))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("l3: parse replica dsn: %w", err)
		}
		rcfg.AfterConnect = pcfg.AfterConnect
		replicaPool, err := pgxpool.NewWithConfig(ctx, rcfg)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("l3: create replica pool: %w", err)
		}
		s.replicaPool = replicaPool
	}

	return s, nil
}

// SetEnqueuer wires the colocated outbox. Must be called once, after the
// outbox has been constructed from the same pool, before any mutator is
// invoked — matching the Fabric façade's fixed init order (L3 → outbox →
// L2 → L1 → coordinator → promotion).
func (s *Store) SetEnqueuer(e Enqueuer) { s.enqueuer = e }

// Pool exposes the underlying connection pool so the colocated outbox
// (pkg/fabric/outbox) can share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// ReadOnly reports whether the store rejects mutators.
func (s *Store) ReadOnly() bool { return s.readOnly }

// GetStatistics returns a structured report. It never returns an error to
// the caller (spec §7); on query failure it logs and returns zero counts.
func (s *Store) GetStatistics(ctx context.Context) Stats {
	stats := Stats{ReadOnly: s.readOnly}
	const q = `SELECT count(*) FROM concepts`
	if err := s.pool.QueryRow(ctx, q).Scan(&stats.TotalConcepts); err != nil {
		slog.Warn("l3: get statistics failed", "error", err)
	}
	return stats
}

// Close releases all connections held by the primary and, if configured,
// replica pools.
func (s *Store) Close() {
	s.pool.Close()
	if s.replicaPool != nil {
		s.replicaPool.Close()
	}
}

// ForceConflictError makes every subsequent Commit return [fabric.ErrConflict]
// without touching the database. Test-only.
func (s *Store) ForceConflictError(on bool) { s.forceConflict.Store(on) }

// ForceDiskError makes every subsequent Begin and LoadConcept return
// [fabric.ErrResource] without touching the database. Test-only.
func (s *Store) ForceDiskError(on bool) { s.forceDisk.Store(on) }

// ForceUnhandledError makes every subsequent Begin and LoadConcept return an
// opaque, non-sentinel error, exercising the "surface raw error" propagation path.
// Test-only.
func (s *Store) ForceUnhandledError(on bool) { s.forceUnhandled.Store(on) }

// enqueue stages an outbox entry against txn's open transaction so it
// commits atomically with the concept mutation that produced it. A nil
// enqueuer (no colocated outbox wired) is a no-op, so l3 remains usable on
// its own in tests and tools that never touch the coordinator.
func (s *Store) enqueue(ctx context.Context, txn *Txn, kind fabric.IntentKind, oid string, vec []float32, metaDiff map[string]any) error {
	if s.enqueuer == nil {
		return nil
	}
	intent := fabric.Intent{Kind: kind, OID: oid, Vector: vec, MetaDiff: metaDiff}
	return s.enqueuer.EnqueueTx(ctx, txn.Tx(), intent)
}

func appendReadOnly(dsn string) string {
	sep := "?"
	for _, r := range dsn {
		if r == '?' {
			sep = "&"
			break
		}
	}
	return dsn + sep + "default_transaction_read_only=on"
}
