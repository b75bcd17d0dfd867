package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/ext"
	"github.com/xraph/deadletter/id"
	"github.com/xraph/deadletter/observability"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, provider
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func testEntry() *entry.Entry {
	return &entry.Entry{
		ID:       id.NewEntryID(),
		TaskName: "billing.charge",
		Category: entry.CategoryNetwork,
		Priority: entry.PriorityHigh,
	}
}

func TestMetricsExtension_Name(t *testing.T) {
	m := observability.NewMetricsExtension()
	if got := m.Name(); got != "observability-metrics" {
		t.Errorf("Name() = %q, want %q", got, "observability-metrics")
	}
}

func TestMetricsExtension_EntryLifecycleCounters(t *testing.T) {
	reader, provider := setupTestMeter()
	m := observability.NewMetricsExtensionWithMeter(provider.Meter("test"))
	ctx := context.Background()
	e := testEntry()

	if err := m.OnEntryClassified(ctx, e); err != nil {
		t.Fatalf("OnEntryClassified: %v", err)
	}
	if err := m.OnEntryDispatched(ctx, e); err != nil {
		t.Fatalf("OnEntryDispatched: %v", err)
	}
	if err := m.OnEntryCompleted(ctx, e, time.Second); err != nil {
		t.Fatalf("OnEntryCompleted: %v", err)
	}
	if err := m.OnEntryRetryScheduled(ctx, e, 1, time.Now()); err != nil {
		t.Fatalf("OnEntryRetryScheduled: %v", err)
	}
	if err := m.OnEntryFailedPermanently(ctx, e, errors.New("budget exhausted")); err != nil {
		t.Fatalf("OnEntryFailedPermanently: %v", err)
	}
	if err := m.OnEntryRedriven(ctx, e, true); err != nil {
		t.Fatalf("OnEntryRedriven: %v", err)
	}

	counters := map[string]int64{
		"dlq.entry.classified":         1,
		"dlq.entry.dispatched":         1,
		"dlq.entry.completed":          1,
		"dlq.entry.retried":            1,
		"dlq.entry.failed_permanently": 1,
		"dlq.entry.redriven":           1,
	}
	for name, want := range counters {
		if got := counterValue(t, reader, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestMetricsExtension_HousekeepingCounters(t *testing.T) {
	reader, provider := setupTestMeter()
	m := observability.NewMetricsExtensionWithMeter(provider.Meter("test"))
	ctx := context.Background()

	if err := m.OnEntryArchived(ctx, id.NewEntryID()); err != nil {
		t.Fatalf("OnEntryArchived: %v", err)
	}
	if err := m.OnEntryDeleted(ctx, id.NewEntryID()); err != nil {
		t.Fatalf("OnEntryDeleted: %v", err)
	}
	if err := m.OnSweepCompleted(ctx, 3, 2); err != nil {
		t.Fatalf("OnSweepCompleted: %v", err)
	}

	if got := counterValue(t, reader, "dlq.entry.archived"); got != 1 {
		t.Errorf("archived = %d, want 1", got)
	}
	if got := counterValue(t, reader, "dlq.entry.deleted"); got != 1 {
		t.Errorf("deleted = %d, want 1", got)
	}
	// Sweep counter records archived and purged under separate action
	// attributes; the rollup sums both.
	if got := counterValue(t, reader, "dlq.sweep.entries"); got != 5 {
		t.Errorf("sweep entries = %d, want 5", got)
	}
}

func TestMetricsExtension_SweepActionAttributes(t *testing.T) {
	reader, provider := setupTestMeter()
	m := observability.NewMetricsExtensionWithMeter(provider.Meter("test"))

	if err := m.OnSweepCompleted(context.Background(), 3, 2); err != nil {
		t.Fatalf("OnSweepCompleted: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	byAction := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "dlq.sweep.entries" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("expected Sum[int64], got %T", metric.Data)
			}
			for _, dp := range sum.DataPoints {
				action, found := dp.Attributes.Value(attribute.Key("action"))
				if !found {
					t.Fatal("data point missing action attribute")
				}
				byAction[action.AsString()] = dp.Value
			}
		}
	}

	if byAction["archived"] != 3 {
		t.Errorf("archived = %d, want 3", byAction["archived"])
	}
	if byAction["purged"] != 2 {
		t.Errorf("purged = %d, want 2", byAction["purged"])
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	reader, provider := setupTestMeter()
	m := observability.NewMetricsExtensionWithMeter(provider.Meter("test"))

	r := ext.NewRegistry(slog.Default())
	r.Register(m)

	ctx := context.Background()
	e := testEntry()
	r.EmitEntryClassified(ctx, e)
	r.EmitEntryCompleted(ctx, e, time.Second)
	r.EmitEntryCompleted(ctx, e, time.Second)

	if got := counterValue(t, reader, "dlq.entry.classified"); got != 1 {
		t.Errorf("classified = %d, want 1", got)
	}
	if got := counterValue(t, reader, "dlq.entry.completed"); got != 2 {
		t.Errorf("completed = %d, want 2", got)
	}
}
