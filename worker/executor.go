// Package worker provides the job execution engine: an Executor that runs
// a leased job through the observer hook, middleware and the task handler,
// and a Pool that polls one queue with a fixed set of goroutines.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/stowage/ext"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
	"github.com/xraph/stowage/middleware"
)

// Observer is called with every leased job before the handler runs.
type Observer func(ctx context.Context, j *job.Job)

// SendFunc submits payload to queue. The executor uses it to escalate
// exhausted jobs to their slow-retry queue.
type SendFunc func(ctx context.Context, queue string, payload []byte, opts ...job.SendOption) (id.JobID, error)

// escalationTimeout bounds one resubmission to a slow-retry queue.
const escalationTimeout = 30 * time.Second

// Executor runs a single job and applies the failure policy.
type Executor struct {
	store      job.Store
	extensions *ext.Registry
	mw         middleware.Middleware
	observer   Observer
	send       SendFunc
	logger     *slog.Logger

	escalations sync.WaitGroup
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithObserver sets the hook invoked for every leased job.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithEscalation sets the function used to resubmit exhausted jobs.
// Without it exhausted jobs are never escalated.
func WithEscalation(send SendFunc) ExecutorOption {
	return func(e *Executor) { e.send = send }
}

// WithMiddleware sets the middleware chain wrapped around every handler.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(store job.Store, extensions *ext.Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:      store,
		extensions: extensions,
		mw:         middleware.Chain(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs j with task's handler. slow reports whether j was leased
// from the task's slow-retry queue.
//
// On success the JobCompleted event fires and the job is acknowledged.
// On failure the returned error is a *job.HandlerError that has already
// been handed to the queue's Fail so its retry bookkeeping applies.
func (e *Executor) Execute(ctx context.Context, task job.Task, slow bool, j *job.Job) error {
	if e.observer != nil {
		e.observer(ctx, j)
	}
	e.extensions.EmitJobStarted(ctx, j)

	start := time.Now()
	err := e.mw(ctx, j, func(ctx context.Context) error {
		return task.Handler(ctx, j.Payload)
	})
	elapsed := time.Since(start)

	if err != nil {
		return e.handleFailure(ctx, task, slow, j, err)
	}
	return e.handleSuccess(ctx, j, elapsed)
}

// handleSuccess emits the lifecycle event and acknowledges the job.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	e.extensions.EmitJobCompleted(ctx, j, elapsed)

	if ackErr := e.store.Complete(ctx, j.ID); ackErr != nil {
		e.logger.Error("failed to acknowledge job",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("error", ackErr.Error()),
		)
		return ackErr
	}
	return nil
}

// handleFailure reports the failed attempt, escalates exhausted jobs and
// hands the error back to the queue.
func (e *Executor) handleFailure(ctx context.Context, task job.Task, slow bool, j *job.Job, handlerErr error) error {
	e.extensions.EmitJobRetrying(ctx, j, handlerErr)

	var (
		exhausted  bool
		retryCount int
		retryLimit int
	)
	rec, lookupErr := e.store.GetJob(ctx, j.ID)
	if lookupErr != nil {
		e.logger.Error("failed to load retry metadata",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("error", lookupErr.Error()),
		)
	} else {
		exhausted = rec.Exhausted()
		retryCount, retryLimit = rec.RetryCount, rec.RetryLimit
	}

	if exhausted && task.HasSlowRetry() && !slow {
		e.escalate(ctx, task, j)
	}
	if exhausted {
		e.extensions.EmitJobFailed(ctx, j, handlerErr)
	}

	e.logger.Error("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.Int("retry_count", retryCount),
		slog.Int("retry_limit", retryLimit),
		slog.Bool("exhausted", exhausted),
		slog.String("payload", string(j.Payload)),
		slog.String("error", handlerErr.Error()),
	)

	herr := &job.HandlerError{Queue: j.Queue, JobID: j.ID, Err: handlerErr}
	if failErr := e.store.Fail(ctx, j.ID, herr); failErr != nil {
		e.logger.Error("failed to record job failure",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("error", failErr.Error()),
		)
	}
	return herr
}

// escalate resubmits j's payload to the task's slow-retry queue in the
// background. Errors are logged only; the primary job's failure path does
// not wait for it.
func (e *Executor) escalate(ctx context.Context, task job.Task, j *job.Job) {
	if e.send == nil {
		return
	}
	slowQueue := task.Opts.SlowRetryQueue
	payload := append([]byte(nil), j.Payload...)
	jobCopy := *j

	e.escalations.Add(1)
	go func() {
		defer e.escalations.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), escalationTimeout)
		defer cancel()

		newID, err := e.send(sendCtx, slowQueue, payload, task.Opts.SlowRetrySendOptions()...)
		if err != nil {
			e.logger.Error("failed to escalate job to slow-retry queue",
				slog.String("job_id", jobCopy.ID.String()),
				slog.String("queue", jobCopy.Queue),
				slog.String("slow_queue", slowQueue),
				slog.String("error", err.Error()),
			)
			return
		}

		e.extensions.EmitJobEscalated(sendCtx, &jobCopy, slowQueue, newID)
		e.logger.Warn("job escalated to slow-retry queue",
			slog.String("job_id", jobCopy.ID.String()),
			slog.String("queue", jobCopy.Queue),
			slog.String("slow_queue", slowQueue),
			slog.String("escalated_job_id", newID.String()),
		)
	}()
}

// WaitEscalations blocks until in-flight escalations finish or ctx is done.
func (e *Executor) WaitEscalations(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.escalations.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
