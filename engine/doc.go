// Package engine is the dispatcher: it owns the queue connection
// lifecycle, starts one worker loop per registered task (plus one per
// slow-retry queue), submits jobs and runs queue maintenance.
//
// The engine package sits above every subsystem package. The root stowage
// package holds configuration and sentinel errors only, so job, worker and
// the store backends can import it without cycles.
//
// # Starting a Dispatcher
//
//	reg := job.NewRegistry()
//	_ = job.Register(reg, tasks.AdminDelete(disk))
//
//	d := engine.New(cfg,
//	    engine.WithRegistry(reg),
//	    engine.WithConnector(setup.Connector),
//	    engine.WithLogger(logger),
//	)
//	if _, err := d.Start(ctx, engine.WithJobObserver(observe)); err != nil {
//	    return err
//	}
//	defer d.Stop(context.Background())
//
// Start is idempotent and safe for concurrent callers: a second Start
// during startup waits for and returns the same connection.
//
// # Submitting Jobs
//
//	engine.Enqueue(ctx, d, "object-admin-delete", tasks.AdminDeletePayload{...})
//
//	// With options
//	d.Send(ctx, "object-backup", raw, job.WithPriority(10), job.WithRetryLimit(5))
//
// # Options
//
//   - [WithLogger]: structured logger
//   - [WithConnector]: opens the durable queue
//   - [WithRegistry]: task definitions to serve
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithQueueConfig]: per-queue concurrency caps
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
package engine
