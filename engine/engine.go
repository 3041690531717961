package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/ext"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
	mw "github.com/xraph/stowage/middleware"
	"github.com/xraph/stowage/observability"
	"github.com/xraph/stowage/queue"
	"github.com/xraph/stowage/store"
	"github.com/xraph/stowage/worker"
)

const instrumentationName = "github.com/xraph/stowage"

// Dispatcher owns the queue connection and the worker loops serving the
// tasks in its registry.
type Dispatcher struct {
	cfg        stowage.Config
	logger     *slog.Logger
	connector  store.Connector
	registry   *job.Registry
	extensions *ext.Registry
	pending    []ext.Extension
	mws        []mw.Middleware

	queueConfigs []queue.Config

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	startGroup singleflight.Group

	mu sync.Mutex
	rt *runtime
}

// runtime is the state of one started dispatcher.
type runtime struct {
	store    store.Store
	executor *worker.Executor
	pools    []*worker.Pool
	cron     *cron.Cron
	queues   *queue.Manager

	stopAbort func() bool
	stopOnce  sync.Once
	stopped   chan struct{}
	stopErr   error
}

// New creates a Dispatcher. It does not connect; call Start.
func New(cfg stowage.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = job.NewRegistry()
	}

	d.extensions = ext.NewRegistry(d.logger)
	var obsExt *observability.MetricsExtension
	if d.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(d.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	d.extensions.Register(obsExt)
	for _, e := range d.pending {
		d.extensions.Register(e)
	}
	d.pending = nil
	return d
}

// Config returns a copy of the dispatcher's configuration.
func (d *Dispatcher) Config() stowage.Config { return d.cfg }

// Logger returns the dispatcher's logger.
func (d *Dispatcher) Logger() *slog.Logger { return d.logger }

// Registry returns the task registry. Tasks registered after Start are
// rejected with stowage.ErrRegistryFrozen.
func (d *Dispatcher) Registry() *job.Registry { return d.registry }

// Extensions returns the extension registry.
func (d *Dispatcher) Extensions() *ext.Registry { return d.extensions }

// Store returns the live queue connection, or nil before Start.
func (d *Dispatcher) Store() store.Store {
	if rt := d.current(); rt != nil {
		return rt.store
	}
	return nil
}

// Started reports whether the dispatcher holds a live connection.
func (d *Dispatcher) Started() bool { return d.current() != nil }

// Pools returns the running worker loops.
func (d *Dispatcher) Pools() []*worker.Pool {
	rt := d.current()
	if rt == nil {
		return nil
	}
	return append([]*worker.Pool(nil), rt.pools...)
}

func (d *Dispatcher) current() *runtime {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rt
}

// Register adds a typed task definition to the dispatcher's registry.
func Register[T any](d *Dispatcher, def *job.Definition[T]) error {
	return job.Register(d.registry, def)
}

// Enqueue marshals payload as JSON and submits it to queue.
func Enqueue[T any](ctx context.Context, d *Dispatcher, queue string, payload T, opts ...job.SendOption) (id.JobID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return id.JobID{}, fmt.Errorf("marshal payload for queue %q: %w", queue, err)
	}
	return d.Send(ctx, queue, data, opts...)
}

// Send submits a pre-serialized payload to queue. Options are layered over
// the configured defaults and the task's own send options.
func (d *Dispatcher) Send(ctx context.Context, queue string, payload []byte, opts ...job.SendOption) (id.JobID, error) {
	rt := d.current()
	if rt == nil {
		return id.JobID{}, stowage.ErrQueueUninitialized
	}
	return d.send(ctx, rt.store, queue, payload, opts...)
}

func (d *Dispatcher) send(ctx context.Context, st job.Store, queue string, payload []byte, opts ...job.SendOption) (id.JobID, error) {
	if queue == "" {
		return id.JobID{}, fmt.Errorf("%w: empty queue name", stowage.ErrConfiguration)
	}
	base := d.defaultSendOptions()
	if task, ok := d.registry.Get(queue); ok {
		base = base.Apply(task.Opts.Send...)
	}
	rec := job.NewRecord(queue, payload, base.Apply(opts...))

	if err := st.Send(ctx, rec); err != nil {
		return id.JobID{}, err
	}
	d.extensions.EmitJobSent(ctx, rec)
	return rec.ID, nil
}

func (d *Dispatcher) defaultSendOptions() job.SendOptions {
	return job.SendOptions{
		RetryLimit:      d.cfg.RetryLimit,
		RetryDelay:      d.cfg.RetryDelay,
		RetryBackoff:    d.cfg.RetryBackoff,
		RetryDelayMax:   d.cfg.RetryDelayMax,
		ExpireIn:        d.cfg.ExpireIn,
		RetentionPeriod: d.cfg.RetentionPeriod,
	}
}

// GetJob returns a job with its queue bookkeeping.
func (d *Dispatcher) GetJob(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	rt := d.current()
	if rt == nil {
		return nil, stowage.ErrQueueUninitialized
	}
	return rt.store.GetJob(ctx, jobID)
}

// Maintain runs one maintenance pass immediately.
func (d *Dispatcher) Maintain(ctx context.Context) (job.MaintenanceResult, error) {
	rt := d.current()
	if rt == nil {
		return job.MaintenanceResult{}, stowage.ErrQueueUninitialized
	}
	return d.maintain(ctx, rt.store)
}

func (d *Dispatcher) maintain(ctx context.Context, st store.Store) (job.MaintenanceResult, error) {
	res, err := st.Maintain(ctx, job.MaintenanceOptions{
		ArchiveCompletedAfter: d.cfg.ArchiveCompletedAfter,
		DeleteAfter:           d.cfg.DeleteAfter,
	})
	if err != nil {
		return res, err
	}
	d.extensions.EmitMaintenanceRun(ctx, res)
	return res, nil
}

// observeError is the queue error observer. Steady-state errors are
// logged and absorbed.
func (d *Dispatcher) observeError(queue string, err error) {
	d.logger.Error("queue error",
		slog.String("queue", queue),
		slog.String("error", err.Error()),
	)
}
