package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/stowage/ext"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension      = (*MetricsExtension)(nil)
	_ ext.JobSent        = (*MetricsExtension)(nil)
	_ ext.JobCompleted   = (*MetricsExtension)(nil)
	_ ext.JobRetrying    = (*MetricsExtension)(nil)
	_ ext.JobFailed      = (*MetricsExtension)(nil)
	_ ext.JobEscalated   = (*MetricsExtension)(nil)
	_ ext.MaintenanceRun = (*MetricsExtension)(nil)
)

// meterName is the instrumentation scope for lifecycle metrics.
const meterName = "github.com/xraph/stowage/observability"

// Metric names.
const (
	MetricSent        = "stowage.jobs.sent"
	MetricCompleted   = "stowage.jobs.completed"
	MetricRetried     = "stowage.jobs.retried"
	MetricFailed      = "stowage.jobs.failed"
	MetricEscalated   = "stowage.jobs.escalated"
	MetricMaintenance = "stowage.queue.maintenance"
)

// MetricsExtension records lifecycle counters. Every job counter carries a
// "queue" attribute.
type MetricsExtension struct {
	JobSent      metric.Int64Counter
	JobCompleted metric.Int64Counter
	JobRetried   metric.Int64Counter
	JobFailed    metric.Int64Counter
	JobEscalated metric.Int64Counter
	Maintenance  metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. On instrument errors the OTel API hands back noop
// instruments, so the extension degrades to a no-op.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}")) //nolint:errcheck // noop fallback
		return c
	}
	maintenance, _ := meter.Int64Counter(MetricMaintenance, //nolint:errcheck // noop fallback
		metric.WithDescription("Jobs touched by queue maintenance, by action"),
		metric.WithUnit("{job}"),
	)
	return &MetricsExtension{
		JobSent:      counter(MetricSent, "Jobs accepted by the queue"),
		JobCompleted: counter(MetricCompleted, "Jobs whose handler succeeded"),
		JobRetried:   counter(MetricRetried, "Failed job attempts"),
		JobFailed:    counter(MetricFailed, "Jobs that failed with no retries left"),
		JobEscalated: counter(MetricEscalated, "Jobs resubmitted to a slow-retry queue"),
		Maintenance:  maintenance,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func queueAttr(queue string) metric.AddOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

// OnJobSent implements ext.JobSent.
func (m *MetricsExtension) OnJobSent(ctx context.Context, r *job.Record) error {
	m.JobSent.Add(ctx, 1, queueAttr(r.Queue))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.JobCompleted.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ error) error {
	m.JobRetried.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.JobFailed.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobEscalated implements ext.JobEscalated.
func (m *MetricsExtension) OnJobEscalated(ctx context.Context, j *job.Job, slowQueue string, _ id.JobID) error {
	m.JobEscalated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", j.Queue),
		attribute.String("slow_queue", slowQueue),
	))
	return nil
}

// OnMaintenanceRun implements ext.MaintenanceRun.
func (m *MetricsExtension) OnMaintenanceRun(ctx context.Context, res job.MaintenanceResult) error {
	for action, n := range map[string]int64{
		"expired":  res.Expired,
		"dropped":  res.Dropped,
		"archived": res.Archived,
		"deleted":  res.Deleted,
	} {
		if n > 0 {
			m.Maintenance.Add(ctx, n, metric.WithAttributes(attribute.String("action", action)))
		}
	}
	return nil
}
