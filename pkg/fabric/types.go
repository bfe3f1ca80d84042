// Package fabric defines the shared vocabulary of the federated tiered memory
// fabric: the [Concept] data model used by every tier, the outbox and intent
// types, the search and invalidation result types, and the sentinel errors.
//
// This package holds plain value types only; the tier implementations live in
// sibling sub-packages (pkg/fabric/l1, pkg/fabric/l2, pkg/fabric/l3,
// pkg/fabric/outbox, pkg/fabric/coordinator, pkg/fabric/promotion,
// pkg/fabric/vector), and the façade that composes them is pkg/fabric/facade.
package fabric

import "time"

// Concept is the entity flowing through every tier of the fabric. Its OID is
// assigned at creation and is immutable thereafter; every other field may be
// mutated only through the Fabric façade.
type Concept struct {
	// OID is the stable, globally unique identifier for this concept.
	OID string `json:"oid"`

	// SymbolicVector is the high-dimensional symbolic vector. It is optional
	// at L1/L2, which may cache only the geometric embedding.
	SymbolicVector []float32 `json:"symbolic_vector,omitempty"`

	// GeometricEmbedding is the lower-dimensional vector indexed by the ANN
	// tiers (L1, L2).
	GeometricEmbedding []float32 `json:"geometric_embedding"`

	// Metadata holds application-defined scalar/array values.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Relations maps a relation kind to an ordered list of target OIDs.
	// Relations are directional; the inverse is not materialized.
	Relations map[string][]string `json:"relations,omitempty"`

	// Confidence is a value in [0,1].
	Confidence float64 `json:"confidence"`

	// CreatedAt and UpdatedAt are monotonic timestamps assigned by L3.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the per-OID optimistic-concurrency counter maintained by
	// L3. Callers reading a Concept to build a [ConceptDiff] must echo this
	// value back as BaseVersion so L3 can detect write-write conflicts.
	Version uint64 `json:"version"`
}

// ConceptDiff describes a partial mutation of a [Concept]. Nil/zero fields
// are left unchanged; keys listed in MetadataDelete are removed, and
// MetadataSet entries are stored as given (a nil value is stored, not deleted).
type ConceptDiff struct {
	// BaseVersion is the [Concept.Version] the caller last observed. L3
	// rejects the mutation with ErrConflict if the persisted version has
	// since advanced.
	BaseVersion uint64

	SymbolicVector     []float32
	GeometricEmbedding []float32
	MetadataSet        map[string]any
	MetadataDelete     []string
	RelationsSet       map[string][]string
	Confidence         *float64
}

// IntentKind classifies an [OutboxEntry]'s write-intent.
type IntentKind string

const (
	IntentCreated     IntentKind = "created"
	IntentUpdated     IntentKind = "updated"
	IntentDeleted     IntentKind = "deleted"
	IntentInvalidated IntentKind = "invalidated"
)

// Intent is the durable payload of an [OutboxEntry]: a description of a
// committed L3 write that must be propagated to L2/L1.
type Intent struct {
	Kind     IntentKind     `json:"kind"`
	OID      string         `json:"oid"`
	Vector   []float32      `json:"vector,omitempty"`
	MetaDiff map[string]any `json:"meta_diff,omitempty"`
}

// OutboxState is the lifecycle state of an [OutboxEntry].
type OutboxState string

const (
	StatePending   OutboxState = "pending"
	StateInFlight  OutboxState = "in-flight"
	StateProcessed OutboxState = "processed"
	StateDead      OutboxState = "dead"
)

// OutboxEntry is a single durable write-intent record.
type OutboxEntry struct {
	ID           uint64            `json:"id"`
	Payload      Intent            `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
	EnqueueTime  time.Time         `json:"enqueue_time"`
	VisibleAfter time.Time         `json:"visible_after"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	State        OutboxState       `json:"state"`
	LastError    string            `json:"last_error,omitempty"`
}

// Tier identifies which cache tier produced a search or lookup result.
type Tier string

const (
	TierL1 Tier = "l1"
	TierL2 Tier = "l2"
	TierL3 Tier = "l3"
)

// SearchHit pairs an OID with its similarity/distance score and originating
// tier, as returned by facade.Fabric.SemanticSearch.
type SearchHit struct {
	OID        string
	Similarity float64
	Tier       Tier
}

// InvalidationResult reports, per tier, whether an invalidation actually
// removed something.
type InvalidationResult struct {
	L1 bool
	L2 bool
	L3 bool
}
