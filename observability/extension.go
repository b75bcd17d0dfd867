// Package observability provides a metrics extension that tracks dead
// letter lifecycle events via OpenTelemetry counters.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/ext"
	"github.com/xraph/deadletter/id"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/xraph/deadletter/observability"

// Compile-time interface checks.
var (
	_ ext.Extension              = (*MetricsExtension)(nil)
	_ ext.EntryClassified        = (*MetricsExtension)(nil)
	_ ext.EntryDispatched        = (*MetricsExtension)(nil)
	_ ext.EntryCompleted         = (*MetricsExtension)(nil)
	_ ext.EntryRetryScheduled    = (*MetricsExtension)(nil)
	_ ext.EntryFailedPermanently = (*MetricsExtension)(nil)
	_ ext.EntryRedriven          = (*MetricsExtension)(nil)
	_ ext.EntryArchived          = (*MetricsExtension)(nil)
	_ ext.EntryDeleted           = (*MetricsExtension)(nil)
	_ ext.SweepCompleted         = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics. Register it as
// an engine extension to automatically track ingestion rates, redrive
// outcomes, permanent failures, and retention sweep volume.
type MetricsExtension struct {
	classified  metric.Int64Counter
	dispatched  metric.Int64Counter
	completed   metric.Int64Counter
	retried     metric.Int64Counter
	failedPerm  metric.Int64Counter
	redriven    metric.Int64Counter
	archived    metric.Int64Counter
	deleted     metric.Int64Counter
	sweepCounts metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. With no provider configured the instruments are noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		_ = err // noop fallback guaranteed by OTel API contract
		return c
	}
	return &MetricsExtension{
		classified:  counter("dlq.entry.classified", "Entries classified and persisted"),
		dispatched:  counter("dlq.entry.dispatched", "Entries handed to the executor"),
		completed:   counter("dlq.entry.completed", "Entries resolved by a successful redrive"),
		retried:     counter("dlq.entry.retried", "Failed attempts rescheduled for retry"),
		failedPerm:  counter("dlq.entry.failed_permanently", "Entries whose retry budget was exhausted"),
		redriven:    counter("dlq.entry.redriven", "Operator-initiated redrives"),
		archived:    counter("dlq.entry.archived", "Entries retired to archive"),
		deleted:     counter("dlq.entry.deleted", "Entries permanently removed"),
		sweepCounts: counter("dlq.sweep.entries", "Entries handled by retention sweeps"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Entry lifecycle hooks ───────────────────────────

// OnEntryClassified implements ext.EntryClassified.
func (m *MetricsExtension) OnEntryClassified(ctx context.Context, e *entry.Entry) error {
	m.classified.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(e.Category)),
		attribute.String("priority", string(e.Priority)),
	))
	return nil
}

// OnEntryDispatched implements ext.EntryDispatched.
func (m *MetricsExtension) OnEntryDispatched(ctx context.Context, e *entry.Entry) error {
	m.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(e.Category)),
	))
	return nil
}

// OnEntryCompleted implements ext.EntryCompleted.
func (m *MetricsExtension) OnEntryCompleted(ctx context.Context, e *entry.Entry, _ time.Duration) error {
	m.completed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(e.Category)),
	))
	return nil
}

// OnEntryRetryScheduled implements ext.EntryRetryScheduled.
func (m *MetricsExtension) OnEntryRetryScheduled(ctx context.Context, e *entry.Entry, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(e.Category)),
	))
	return nil
}

// OnEntryFailedPermanently implements ext.EntryFailedPermanently.
func (m *MetricsExtension) OnEntryFailedPermanently(ctx context.Context, e *entry.Entry, _ error) error {
	m.failedPerm.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(e.Category)),
	))
	return nil
}

// OnEntryRedriven implements ext.EntryRedriven.
func (m *MetricsExtension) OnEntryRedriven(ctx context.Context, _ *entry.Entry, forced bool) error {
	m.redriven.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("forced", forced),
	))
	return nil
}

// ── Housekeeping hooks ──────────────────────────────

// OnEntryArchived implements ext.EntryArchived.
func (m *MetricsExtension) OnEntryArchived(ctx context.Context, _ id.EntryID) error {
	m.archived.Add(ctx, 1)
	return nil
}

// OnEntryDeleted implements ext.EntryDeleted.
func (m *MetricsExtension) OnEntryDeleted(ctx context.Context, _ id.EntryID) error {
	m.deleted.Add(ctx, 1)
	return nil
}

// OnSweepCompleted implements ext.SweepCompleted.
func (m *MetricsExtension) OnSweepCompleted(ctx context.Context, archived, purged int64) error {
	m.sweepCounts.Add(ctx, archived, metric.WithAttributes(attribute.String("action", "archived")))
	m.sweepCounts.Add(ctx, purged, metric.WithAttributes(attribute.String("action", "purged")))
	return nil
}
