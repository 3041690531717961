package job

import (
	"context"
	"time"

	"github.com/xraph/stowage/id"
)

// MaintenanceOptions are the retention windows applied by Store.Maintain.
type MaintenanceOptions struct {
	// ArchiveCompletedAfter moves finished jobs to the archive once they
	// have been finished this long.
	ArchiveCompletedAfter time.Duration
	// DeleteAfter removes archived jobs older than this.
	DeleteAfter time.Duration
}

// MaintenanceResult counts what one maintenance pass touched.
type MaintenanceResult struct {
	Expired  int64
	Dropped  int64
	Archived int64
	Deleted  int64
}

// Store is the durable queue capability.
type Store interface {
	// Send persists a new job in created state.
	Send(ctx context.Context, r *Record) error

	// Fetch leases up to limit leasable jobs from queue, moving them to
	// active. Jobs are ordered by priority (descending) then StartAfter
	// and creation time (ascending).
	Fetch(ctx context.Context, queue string, limit int) ([]*Job, error)

	// Complete acknowledges an active job.
	Complete(ctx context.Context, jobID id.JobID) error

	// Fail records a failed attempt and applies Record.Fail.
	Fail(ctx context.Context, jobID id.JobID, cause error) error

	// GetJob returns the job with its bookkeeping. Archived jobs are
	// still returned.
	GetJob(ctx context.Context, jobID id.JobID) (*Record, error)

	// Maintain expires overdue active jobs, drops stale unstarted jobs,
	// archives finished jobs, and purges the archive.
	Maintain(ctx context.Context, opts MaintenanceOptions) (MaintenanceResult, error)
}
