package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/stowage/job"
)

// Instrument names recorded by Metrics.
const (
	MetricAttemptDuration = "stowage.job.duration"
	MetricAttempts        = "stowage.job.executions"
)

// Metrics records attempt duration and count on the global MeterProvider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter records, per attempt, a duration histogram (seconds)
// and a counter. Both carry the queue and the attempt outcome; failed
// storage calls add the normalized backend code.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The API hands back noop instruments on error.
	duration, _ := meter.Float64Histogram(MetricAttemptDuration,
		metric.WithDescription("Duration of one job attempt"),
		metric.WithUnit("s"),
	)
	attempts, _ := meter.Int64Counter(MetricAttempts,
		metric.WithDescription("Job attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		attrs := []attribute.KeyValue{
			attribute.String("queue", j.Queue),
			attribute.String("outcome", Outcome(err)),
		}
		if code, _, ok := backendDetail(err); ok {
			attrs = append(attrs, attribute.String("storage_code", code))
		}
		set := metric.WithAttributes(attrs...)
		duration.Record(ctx, time.Since(start).Seconds(), set)
		attempts.Add(ctx, 1, set)
		return err
	}
}
