// Package fabrictelemetry provides OpenTelemetry metric instruments and a
// health-check probe for a memory fabric deployment. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package fabrictelemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/fabricmem"

// searchLatencyBuckets defines histogram bucket boundaries (in seconds)
// suited to in-process and disk-backed ANN search latencies.
var searchLatencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// Metrics holds all OpenTelemetry metric instruments for the fabric. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Search ---
	L1SearchDuration metric.Float64Histogram
	L2SearchDuration metric.Float64Histogram
	L1SearchHits     metric.Int64Counter
	L2SearchHits     metric.Int64Counter

	// --- L1 / L2 cache state ---
	L1Size      metric.Int64UpDownCounter
	L2Size      metric.Int64UpDownCounter
	L1Evictions metric.Int64Counter
	L2Evictions metric.Int64Counter

	// --- Outbox ---
	OutboxPending  metric.Int64UpDownCounter
	OutboxInFlight metric.Int64UpDownCounter
	OutboxDead     metric.Int64UpDownCounter

	// --- Coordinator ---
	CoordinatorWorkerState metric.Int64UpDownCounter // attribute "state": running|crashed|stopped
	CoordinatorApplyErrors metric.Int64Counter

	// --- Promotion ---
	PromotionsAttempted metric.Int64Counter
	PromotionsSucceeded metric.Int64Counter
	PromotionsRequeued  metric.Int64Counter
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.L1SearchDuration, err = m.Float64Histogram("fabricmem.l1.search.duration",
		metric.WithDescription("Latency of L1 ANN search."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(searchLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.L2SearchDuration, err = m.Float64Histogram("fabricmem.l2.search.duration",
		metric.WithDescription("Latency of L2 ANN search."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(searchLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.L1SearchHits, err = m.Int64Counter("fabricmem.l1.search.hits",
		metric.WithDescription("Total L1 searches that returned at least one match."),
	); err != nil {
		return nil, err
	}
	if met.L2SearchHits, err = m.Int64Counter("fabricmem.l2.search.hits",
		metric.WithDescription("Total L2 searches that returned at least one match."),
	); err != nil {
		return nil, err
	}

	if met.L1Size, err = m.Int64UpDownCounter("fabricmem.l1.size",
		metric.WithDescription("Current number of entries resident in L1."),
	); err != nil {
		return nil, err
	}
	if met.L2Size, err = m.Int64UpDownCounter("fabricmem.l2.size",
		metric.WithDescription("Current number of entries resident in L2."),
	); err != nil {
		return nil, err
	}
	if met.L1Evictions, err = m.Int64Counter("fabricmem.l1.evictions",
		metric.WithDescription("Total L1 eviction events."),
	); err != nil {
		return nil, err
	}
	if met.L2Evictions, err = m.Int64Counter("fabricmem.l2.evictions",
		metric.WithDescription("Total L2 eviction events."),
	); err != nil {
		return nil, err
	}

	if met.OutboxPending, err = m.Int64UpDownCounter("fabricmem.outbox.pending",
		metric.WithDescription("Current number of pending outbox entries."),
	); err != nil {
		return nil, err
	}
	if met.OutboxInFlight, err = m.Int64UpDownCounter("fabricmem.outbox.in_flight",
		metric.WithDescription("Current number of in-flight outbox entries."),
	); err != nil {
		return nil, err
	}
	if met.OutboxDead, err = m.Int64UpDownCounter("fabricmem.outbox.dead",
		metric.WithDescription("Current number of dead-lettered outbox entries."),
	); err != nil {
		return nil, err
	}

	if met.CoordinatorWorkerState, err = m.Int64UpDownCounter("fabricmem.coordinator.worker_state",
		metric.WithDescription("Coordinator worker gauge, tagged by state."),
	); err != nil {
		return nil, err
	}
	if met.CoordinatorApplyErrors, err = m.Int64Counter("fabricmem.coordinator.apply_errors",
		metric.WithDescription("Total intent-apply failures by reason."),
	); err != nil {
		return nil, err
	}

	if met.PromotionsAttempted, err = m.Int64Counter("fabricmem.promotions.attempted",
		metric.WithDescription("Total promotion attempts."),
	); err != nil {
		return nil, err
	}
	if met.PromotionsSucceeded, err = m.Int64Counter("fabricmem.promotions.succeeded",
		metric.WithDescription("Total successful promotions."),
	); err != nil {
		return nil, err
	}
	if met.PromotionsRequeued, err = m.Int64Counter("fabricmem.promotions.requeued",
		metric.WithDescription("Total promotion requeues by reason."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("fabrictelemetry: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordCoordinatorApplyError records an apply-failure counter increment
// tagged by reason (e.g. "l2_apply_failed", "l1_apply_failed").
func (m *Metrics) RecordCoordinatorApplyError(ctx context.Context, reason string) {
	m.CoordinatorApplyErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPromotionRequeue records a requeue counter increment tagged by
// reason (e.g. "missing_vector", "l2_put_failed").
func (m *Metrics) RecordPromotionRequeue(ctx context.Context, reason string) {
	m.PromotionsRequeued.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
