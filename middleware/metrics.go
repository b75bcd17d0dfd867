package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/deadletter/entry"
)

// meterName is the instrumentation scope name for deadletter metrics.
const meterName = "github.com/xraph/deadletter"

// Metrics returns middleware that records per-redrive metrics using the
// global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - dlq.redrive.duration (Float64Histogram): dispatch time in seconds,
//     with attributes: task_name, queue, category, status ("ok" or "error")
//   - dlq.redrive.dispatches (Int64Counter): total dispatches,
//     with attributes: task_name, queue, category, status ("ok" or "error")
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"dlq.redrive.duration",
		metric.WithDescription("Duration of redrive dispatch in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	dispatches, cErr := meter.Int64Counter(
		"dlq.redrive.dispatches",
		metric.WithDescription("Total number of redrive dispatches"),
		metric.WithUnit("{dispatch}"),
	)
	_ = cErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, e *entry.Entry, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("task_name", e.TaskName),
			attribute.String("queue", e.QueueName),
			attribute.String("category", string(e.Category)),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		dispatches.Add(ctx, 1, attrs)

		return err
	}
}
