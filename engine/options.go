package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/stowage/ext"
	"github.com/xraph/stowage/job"
	mw "github.com/xraph/stowage/middleware"
	"github.com/xraph/stowage/queue"
	"github.com/xraph/stowage/store"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithConnector sets the function used to open the queue connection.
func WithConnector(c store.Connector) Option {
	return func(d *Dispatcher) { d.connector = c }
}

// WithRegistry sets the task registry served by the dispatcher. Without
// it the dispatcher owns an empty registry reachable via Registry.
func WithRegistry(r *job.Registry) Option {
	return func(d *Dispatcher) { d.registry = r }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(d *Dispatcher) { d.pending = append(d.pending, e) }
}

// WithMiddleware appends middleware after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(d *Dispatcher) { d.mws = append(d.mws, m) }
}

// WithQueueConfig registers per-queue concurrency caps and rate limits.
// They override limits derived from task worker options.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(d *Dispatcher) { d.queueConfigs = append(d.queueConfigs, configs...) }
}

// WithTracerProvider sets the OTel TracerProvider used by the tracing
// middleware. If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracerProvider = tp }
}

// WithMeterProvider sets the OTel MeterProvider used by the metrics
// middleware and the observability extension. If not set, the global
// provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(d *Dispatcher) { d.meterProvider = mp }
}

// StartOption configures one Start call.
type StartOption func(*startOptions)

type startOptions struct {
	observer        func(ctx context.Context, j *job.Job)
	registerWorkers func(r *job.Registry) error
}

// WithJobObserver sets a hook invoked with every leased job before its
// handler runs.
func WithJobObserver(fn func(ctx context.Context, j *job.Job)) StartOption {
	return func(o *startOptions) { o.observer = fn }
}

// WithRegisterWorkers sets a hook that may register additional tasks just
// before the worker loops start. It only runs when Config.WorkersEnabled
// is set.
func WithRegisterWorkers(fn func(r *job.Registry) error) StartOption {
	return func(o *startOptions) { o.registerWorkers = fn }
}
