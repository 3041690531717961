package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/stowage/job"
)

const instrumentationName = "github.com/xraph/stowage"

// SpanName is the name of the span opened around every attempt.
const SpanName = "stowage.job.attempt"

// Tracing wraps each attempt in a span from the global TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer wraps each attempt in a span from tracer. The span
// carries the job id, queue and payload size, and on failure the outcome
// plus the normalized storage code and status when a backend failed.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, SpanName,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("stowage.job.id", j.ID.String()),
				attribute.String("stowage.queue", j.Queue),
				attribute.Int("stowage.payload.bytes", len(j.Payload)),
			),
		)
		defer span.End()

		err := next(ctx)
		span.SetAttributes(attribute.String("stowage.outcome", Outcome(err)))
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return nil
		}

		if code, status, ok := backendDetail(err); ok {
			span.SetAttributes(
				attribute.String("stowage.storage.code", code),
				attribute.String("stowage.storage.status", status),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
}
