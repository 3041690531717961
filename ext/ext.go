package ext

import (
	"context"
	"time"

	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
)

// Extension is anything registered with a Registry. It opts in to events
// by also implementing one or more hook interfaces below.
type Extension interface {
	Name() string
}

// JobSent fires once the queue has accepted a job.
type JobSent interface {
	OnJobSent(ctx context.Context, r *job.Record) error
}

// JobStarted fires when a worker begins an attempt.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted fires after a successful attempt.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying fires on every failed attempt, before exhaustion is known.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, err error) error
}

// JobFailed fires when the failed attempt was the last one permitted.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobEscalated fires after an exhausted payload was resubmitted to the
// slow-retry queue as job escalated.
type JobEscalated interface {
	OnJobEscalated(ctx context.Context, j *job.Job, slowQueue string, escalated id.JobID) error
}

// MaintenanceRun fires after each queue maintenance pass.
type MaintenanceRun interface {
	OnMaintenanceRun(ctx context.Context, res job.MaintenanceResult) error
}

// Shutdown fires while the dispatcher stops, before the queue closes.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
