package ext

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
)

// hooked pairs a hook with the name of the extension that provided it.
type hooked[H any] struct {
	name string
	hook H
}

// Registry fans lifecycle events out to extensions. Hooks are sorted by
// interface at registration so an emit only visits implementors.
// Register everything before the dispatcher starts; emits do not lock.
type Registry struct {
	logger     *slog.Logger
	extensions []Extension

	sent        []hooked[JobSent]
	started     []hooked[JobStarted]
	completed   []hooked[JobCompleted]
	retrying    []hooked[JobRetrying]
	failed      []hooked[JobFailed]
	escalated   []hooked[JobEscalated]
	maintenance []hooked[MaintenanceRun]
	shutdown    []hooked[Shutdown]
}

// NewRegistry returns an empty Registry that logs hook failures to logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// add appends e to hooks when it implements H.
func add[H any](hooks []hooked[H], e Extension) []hooked[H] {
	if h, ok := e.(H); ok {
		return append(hooks, hooked[H]{name: e.Name(), hook: h})
	}
	return hooks
}

// Register adds e. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	r.sent = add(r.sent, e)
	r.started = add(r.started, e)
	r.completed = add(r.completed, e)
	r.retrying = add(r.retrying, e)
	r.failed = add(r.failed, e)
	r.escalated = add(r.escalated, e)
	r.maintenance = add(r.maintenance, e)
	r.shutdown = add(r.shutdown, e)
}

// Extensions returns every registered extension.
func (r *Registry) Extensions() []Extension { return r.extensions }

// emit calls fn for each hook. A failing or panicking hook is logged and
// never reaches the job.
func emit[H any](r *Registry, event string, hooks []hooked[H], fn func(H) error) {
	for _, h := range hooks {
		if err := safeCall(h.hook, fn); err != nil {
			r.logger.Warn("extension hook error",
				slog.String("hook", event),
				slog.String("extension", h.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func safeCall[H any](h H, fn func(H) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(h)
}

func (r *Registry) EmitJobSent(ctx context.Context, rec *job.Record) {
	emit(r, "OnJobSent", r.sent, func(h JobSent) error { return h.OnJobSent(ctx, rec) })
}

func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	emit(r, "OnJobStarted", r.started, func(h JobStarted) error { return h.OnJobStarted(ctx, j) })
}

func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	emit(r, "OnJobCompleted", r.completed, func(h JobCompleted) error { return h.OnJobCompleted(ctx, j, elapsed) })
}

func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, jobErr error) {
	emit(r, "OnJobRetrying", r.retrying, func(h JobRetrying) error { return h.OnJobRetrying(ctx, j, jobErr) })
}

func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	emit(r, "OnJobFailed", r.failed, func(h JobFailed) error { return h.OnJobFailed(ctx, j, jobErr) })
}

func (r *Registry) EmitJobEscalated(ctx context.Context, j *job.Job, slowQueue string, escalated id.JobID) {
	emit(r, "OnJobEscalated", r.escalated, func(h JobEscalated) error {
		return h.OnJobEscalated(ctx, j, slowQueue, escalated)
	})
}

func (r *Registry) EmitMaintenanceRun(ctx context.Context, res job.MaintenanceResult) {
	emit(r, "OnMaintenanceRun", r.maintenance, func(h MaintenanceRun) error { return h.OnMaintenanceRun(ctx, res) })
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, "OnShutdown", r.shutdown, func(h Shutdown) error { return h.OnShutdown(ctx) })
}
