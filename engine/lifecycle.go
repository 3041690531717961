package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
	mw "github.com/xraph/stowage/middleware"
	"github.com/xraph/stowage/queue"
	"github.com/xraph/stowage/store"
	"github.com/xraph/stowage/worker"
)

// maintenanceTimeout bounds one scheduled maintenance pass.
const maintenanceTimeout = time.Minute

// Start connects to the queue and starts the worker loops. It returns the
// live connection.
//
// Start is idempotent: once started it returns the existing connection,
// and concurrent callers during startup share a single connect. An
// already-cancelled ctx fails with stowage.ErrAborted. When ctx is later
// cancelled the dispatcher stops gracefully.
func (d *Dispatcher) Start(ctx context.Context, opts ...StartOption) (store.Store, error) {
	if rt := d.current(); rt != nil {
		return rt.store, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", stowage.ErrAborted, err)
	}

	v, err, _ := d.startGroup.Do("start", func() (any, error) {
		if rt := d.current(); rt != nil {
			return rt.store, nil
		}
		rt, err := d.start(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return rt.store, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(store.Store), nil
}

func (d *Dispatcher) start(ctx context.Context, opts ...StartOption) (*runtime, error) {
	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}

	target, err := d.resolveTarget()
	if err != nil {
		return nil, err
	}

	var sched cron.Schedule
	if d.cfg.MaintenanceSchedule != "" {
		sched, err = cron.ParseStandard(d.cfg.MaintenanceSchedule)
		if err != nil {
			return nil, fmt.Errorf("%w: maintenance schedule %q: %w", stowage.ErrConfiguration, d.cfg.MaintenanceSchedule, err)
		}
	}

	if d.connector == nil {
		return nil, stowage.ErrNoConnector
	}
	st, err := d.connector(ctx, d.connectionParams(target))
	if err != nil {
		return nil, fmt.Errorf("stowage/engine: connect: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("stowage/engine: migrate: %w", err)
	}

	if d.cfg.WorkersEnabled && so.registerWorkers != nil {
		if err := so.registerWorkers(d.registry); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("stowage/engine: register workers: %w", err)
		}
	}
	tasks := d.registry.Build()

	rt := &runtime{
		store:   st,
		queues:  d.queueManager(tasks),
		stopped: make(chan struct{}),
	}

	execOpts := []worker.ExecutorOption{
		worker.WithMiddleware(d.middleware()...),
		worker.WithEscalation(func(ctx context.Context, queue string, payload []byte, opts ...job.SendOption) (id.JobID, error) {
			return d.send(ctx, st, queue, payload, opts...)
		}),
	}
	if so.observer != nil {
		execOpts = append(execOpts, worker.WithObserver(so.observer))
	}
	rt.executor = worker.NewExecutor(st, d.extensions, d.logger, execOpts...)

	poolOpts := []worker.PoolOption{
		worker.WithQueueManager(rt.queues),
		worker.WithErrorObserver(d.observeError),
	}
	for _, task := range tasks {
		rt.pools = append(rt.pools, worker.NewPool(st, rt.executor, d.extensions, task, d.logger, poolOpts...))
		if task.HasSlowRetry() {
			slowOpts := append([]worker.PoolOption{worker.WithSlowRetry()}, poolOpts...)
			rt.pools = append(rt.pools, worker.NewPool(st, rt.executor, d.extensions, task, d.logger, slowOpts...))
		}
	}
	for _, p := range rt.pools {
		if err := p.Start(ctx); err != nil {
			d.teardown(context.Background(), rt)
			return nil, fmt.Errorf("stowage/engine: start worker for %q: %w", p.Queue(), err)
		}
	}

	if sched != nil {
		rt.cron = cron.New()
		rt.cron.Schedule(sched, cron.FuncJob(func() {
			mctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
			defer cancel()
			if _, err := d.maintain(mctx, st); err != nil {
				d.observeError("", fmt.Errorf("maintenance: %w", err))
			}
		}))
		rt.cron.Start()
	}

	d.mu.Lock()
	d.rt = rt
	d.mu.Unlock()

	if ctx.Done() != nil {
		rt.stopAbort = context.AfterFunc(ctx, func() {
			d.logger.Info("start context cancelled, stopping dispatcher")
			if err := d.Stop(context.Background()); err != nil {
				d.logger.Error("stop after cancellation failed", slog.String("error", err.Error()))
				return
			}
			d.logger.Info("dispatcher stopped after cancellation")
		})
	}

	d.logger.Info("dispatcher started",
		slog.Int("tasks", len(tasks)),
		slog.Int("loops", len(rt.pools)),
	)
	return rt, nil
}

// resolveTarget picks the queue connection target. The tenant override
// wins; multi-tenant deployments without any target are rejected.
func (d *Dispatcher) resolveTarget() (string, error) {
	switch {
	case d.cfg.TenantQueueURL != "":
		return d.cfg.TenantQueueURL, nil
	case d.cfg.QueueURL != "":
		return d.cfg.QueueURL, nil
	case d.cfg.MultiTenant:
		return "", fmt.Errorf("%w: multi-tenant deployment has no queue connection target", stowage.ErrConfiguration)
	default:
		return "", fmt.Errorf("%w: queue URL is required", stowage.ErrConfiguration)
	}
}

func (d *Dispatcher) connectionParams(target string) store.ConnectionParams {
	return store.ConnectionParams{
		URL:                   target,
		MaxConnections:        d.cfg.MaxConnections,
		ArchiveCompletedAfter: d.cfg.ArchiveCompletedAfter,
		DeleteAfter:           d.cfg.DeleteAfter,
		RetentionPeriod:       d.cfg.RetentionPeriod,
		RetryLimit:            d.cfg.RetryLimit,
		RetryDelay:            d.cfg.RetryDelay,
		RetryBackoff:          d.cfg.RetryBackoff,
		RetryDelayMax:         d.cfg.RetryDelayMax,
		ExpireIn:              d.cfg.ExpireIn,
	}
}

// queueManager derives rate limits from task worker options, then applies
// explicit WithQueueConfig overrides.
func (d *Dispatcher) queueManager(tasks []job.Task) *queue.Manager {
	var configs []queue.Config
	for _, t := range tasks {
		configs = append(configs, queue.Config{
			Name:      t.Queue,
			RateLimit: t.Opts.Worker.RateLimit,
			RateBurst: t.Opts.Worker.RateBurst,
		})
		if t.HasSlowRetry() {
			slow := t.Opts.SlowRetryWorkerOptions()
			configs = append(configs, queue.Config{
				Name:      t.Opts.SlowRetryQueue,
				RateLimit: slow.RateLimit,
				RateBurst: slow.RateBurst,
			})
		}
	}
	m := queue.NewManager(configs...)
	for _, c := range d.queueConfigs {
		m.Configure(c)
	}
	return m
}

// middleware builds the default stack: recover, tracing, metrics, logging
// and timeout, followed by caller middleware.
func (d *Dispatcher) middleware() []mw.Middleware {
	var tracingMw mw.Middleware
	if d.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(d.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if d.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(d.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	mws := []mw.Middleware{
		mw.Recover(d.logger),
		tracingMw,
		metricsMw,
		mw.Logging(d.logger),
	}
	if d.cfg.ExpireIn > 0 {
		mws = append(mws, mw.Timeout(mw.Fixed(d.cfg.ExpireIn)))
	}
	return append(mws, d.mws...)
}

// Stop drains the worker loops and closes the queue connection. In-flight
// jobs may finish until Config.ShutdownTimeout or ctx's deadline, whichever
// comes first; after that they are cancelled. Concurrent callers share one
// teardown and all wait for its completion.
func (d *Dispatcher) Stop(ctx context.Context) error {
	rt := d.current()
	if rt == nil {
		return nil
	}

	rt.stopOnce.Do(func() {
		go d.teardown(context.WithoutCancel(ctx), rt)
	})

	select {
	case <-rt.stopped:
		d.mu.Lock()
		if d.rt == rt {
			d.rt = nil
		}
		d.mu.Unlock()
		return rt.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown stops everything rt owns and closes rt.stopped once done.
func (d *Dispatcher) teardown(ctx context.Context, rt *runtime) {
	defer func() {
		close(rt.stopped)
		d.mu.Lock()
		if d.rt == rt {
			d.rt = nil
		}
		d.mu.Unlock()
	}()

	if rt.stopAbort != nil {
		rt.stopAbort()
	}

	if d.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
		defer cancel()
	}

	var result *multierror.Error

	if rt.cron != nil {
		select {
		case <-rt.cron.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan error, len(rt.pools))
	for _, p := range rt.pools {
		go func() { done <- p.Stop(ctx) }()
	}
	for range rt.pools {
		if err := <-done; err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := rt.executor.WaitEscalations(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("wait escalations: %w", err))
	}

	d.extensions.EmitShutdown(ctx)

	if err := rt.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close store: %w", err))
	}

	rt.stopErr = result.ErrorOrNil()
	if rt.stopErr != nil {
		d.logger.Warn("dispatcher stopped with errors", slog.String("error", rt.stopErr.Error()))
	} else {
		d.logger.Info("dispatcher stopped")
	}
}
