// Package ext is the dispatcher's extension point. An Extension opts in
// to lifecycle events by implementing hook interfaces such as
// [JobCompleted] or [JobEscalated]:
//
//	type pager struct{}
//
//	func (pager) Name() string { return "pager" }
//
//	func (pager) OnJobFailed(ctx context.Context, j *job.Job, err error) error {
//	    return page(ctx, j.Queue, err)
//	}
//
// A [Registry] fans each event out in registration order. Hook errors and
// panics are logged and never affect the job.
package ext
