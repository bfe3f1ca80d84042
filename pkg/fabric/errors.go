package fabric

import "errors"

// Sentinel error kinds for the fabric, checked with [errors.Is]. Fatal
// configuration errors surface at initialize time, dimension mismatches and
// not-found are per-operation, conflicts are returned to the caller as
// [ErrConflict] (the fabric does not retry them internally), and outbox
// exhaustion is recorded in the outbox's dead-letter state and statistics
// rather than returned to the original writer (which has already committed).
var (
	// ErrConfiguration signals a bad or missing configuration value,
	// detected during facade.New or l3.NewStore, or when an operation needs
	// a component that was not configured.
	ErrConfiguration = errors.New("fabric: configuration error")

	// ErrDimensionMismatch signals a vector whose length does not match the
	// configured dimension. No tier is mutated when this error is returned.
	ErrDimensionMismatch = errors.New("fabric: dimension mismatch")

	// ErrNotFound signals that an OID is absent. Read operations return
	// (nil, nil) instead of this error; it is exposed for operations (like
	// UpdateConcept) where absence is itself the failure.
	ErrNotFound = errors.New("fabric: not found")

	// ErrConflict signals an L3 serialization conflict on commit.
	ErrConflict = errors.New("fabric: conflict")

	// ErrReadOnly signals that a mutator was attempted against an L3 store
	// opened in read-only mode.
	ErrReadOnly = errors.New("fabric: read-only store")

	// ErrCoordinatorStopped signals that a coordinator operation was
	// attempted while stopped and auto-restart is disabled or suppressed by
	// an explicit prior stop.
	ErrCoordinatorStopped = errors.New("fabric: coordinator stopped")

	// ErrOutboxFull signals that the outbox is at capacity; callers should
	// treat this as backpressure.
	ErrOutboxFull = errors.New("fabric: outbox full")

	// ErrOutboxExhausted signals that an entry reached max_attempts and was
	// moved to the dead-letter queue. It is never returned to the original
	// writer — only surfaced via outbox statistics — but is exported so
	// coordinator/outbox tests can assert on it with errors.Is.
	ErrOutboxExhausted = errors.New("fabric: outbox entry exhausted retries")

	// ErrResource signals a fatal resource failure (disk full, allocation
	// failure). Any partial write is rolled back before this is returned.
	ErrResource = errors.New("fabric: resource error")

	// ErrPromotionFailed signals that an L1 promotion candidate could not be
	// inserted into L2. The candidate is requeued; this error is recorded in
	// the promotion result rather than propagated to an unrelated caller.
	ErrPromotionFailed = errors.New("fabric: promotion failed")

	// ErrClosed signals that an operation was attempted after Shutdown.
	ErrClosed = errors.New("fabric: closed")
)
