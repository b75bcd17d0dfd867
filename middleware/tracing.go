package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/deadletter/entry"
)

// tracerName is the instrumentation scope name for deadletter tracing.
const tracerName = "github.com/xraph/deadletter"

// Tracing returns middleware that wraps redrive dispatch in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop tracer
// is used and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: dlq.entry.id, dlq.task.name, dlq.queue,
// dlq.category, dlq.priority, dlq.retry_count.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, e *entry.Entry, next Handler) error {
		ctx, span := tracer.Start(ctx, "dlq.entry.redrive",
			trace.WithAttributes(
				attribute.String("dlq.entry.id", e.ID.String()),
				attribute.String("dlq.task.name", e.TaskName),
				attribute.String("dlq.queue", e.QueueName),
				attribute.String("dlq.category", string(e.Category)),
				attribute.String("dlq.priority", string(e.Priority)),
				attribute.Int("dlq.retry_count", e.RetryCount),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
