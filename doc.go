// Package stowage is the asynchronous execution layer of an object-storage
// service. It durably dispatches background operations (uploads, copies,
// cleanup) through a prioritized, retrying job pipeline, and exposes a
// uniform storage-backend contract so those operations run against any
// physical object store.
//
// # Quick Start
//
//	reg := job.NewRegistry()
//	_ = job.Register(reg, job.NewDefinition("object-admin-delete", deleteObjects,
//	    job.WithSlowRetryQueue("object-admin-delete-slow"),
//	    job.WithConcurrency(4),
//	))
//
//	d := engine.New(stowage.DefaultConfig(),
//	    engine.WithRegistry(reg),
//	    engine.WithConnector(setup.Connector),
//	)
//	if _, err := d.Start(ctx); err != nil { ... }
//	defer d.Stop(context.Background())
//
// # Architecture
//
// The root package holds configuration and sentinel errors. Subsystems
// live in their own packages: job (task definitions and the queue
// capability), worker (per-queue loops and the executor), engine (the
// dispatcher lifecycle), storage (the Disk contract and its backends),
// and store (queue backends).
package stowage
