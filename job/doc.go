// Package job defines task definitions, the job record and its state
// machine, the task registry, and the queue capability (Store).
//
// # Job lifecycle
//
// The queue owns every state transition. Workers only request them
// through Store.Complete and Store.Fail:
//
//	created → active → completed
//	created → active → retry → active → ...
//	created → active → failed          (retries exhausted)
//	created → cancelled                (retention elapsed before start)
//
// A leased job is handed to handlers as a bare [Job]. Retry bookkeeping
// lives on the [Record], which workers fetch explicitly with
// Store.GetJob when they need it.
//
// # Defining a task
//
//	var Cleanup = job.NewDefinition("object-admin-delete",
//	    func(ctx context.Context, in DeleteInput) error {
//	        return disk.DeleteMany(ctx, in.Bucket, in.Keys)
//	    },
//	    job.WithSlowRetryQueue("object-admin-delete-slow"),
//	)
//
// Definitions are collected in a [Registry] before the dispatcher starts;
// Registry.Build freezes the set.
package job
