package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/backoff"
	"github.com/xraph/stowage/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateCreated means the job is waiting to be leased.
	StateCreated State = "created"
	// StateRetry means the job failed and waits for its next attempt.
	StateRetry State = "retry"
	// StateActive means a worker holds the lease.
	StateActive State = "active"
	// StateCompleted means the handler succeeded.
	StateCompleted State = "completed"
	// StateFailed means the job failed with no retries left.
	StateFailed State = "failed"
	// StateCancelled means the job was dropped before running.
	StateCancelled State = "cancelled"
)

// ErrExpired is recorded on jobs that stayed active longer than ExpireIn.
var ErrExpired = errors.New("job: lease expired")

// Job is the bare unit of work handed to a handler.
type Job struct {
	ID      id.JobID `json:"id"`
	Queue   string   `json:"queue"`
	Payload []byte   `json:"payload"`
}

// Record is a job together with the queue's bookkeeping.
type Record struct {
	stowage.Entity
	Job

	State         State         `json:"state"`
	Priority      int           `json:"priority"`
	RetryLimit    int           `json:"retry_limit"`
	RetryCount    int           `json:"retry_count"`
	RetryDelay    time.Duration `json:"retry_delay"`
	RetryBackoff  bool          `json:"retry_backoff"`
	RetryDelayMax time.Duration `json:"retry_delay_max"`
	ExpireIn      time.Duration `json:"expire_in"`
	LastError     string        `json:"last_error,omitempty"`
	StartAfter    time.Time     `json:"start_after"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	KeepUntil     time.Time     `json:"keep_until"`
}

// NewRecord builds a created-state record for payload on queue.
func NewRecord(queue string, payload []byte, opts SendOptions) *Record {
	e := stowage.NewEntity()
	r := &Record{
		Entity:        e,
		Job:           Job{ID: id.NewJobID(), Queue: queue, Payload: payload},
		State:         StateCreated,
		Priority:      opts.Priority,
		RetryLimit:    opts.RetryLimit,
		RetryDelay:    opts.RetryDelay,
		RetryBackoff:  opts.RetryBackoff,
		RetryDelayMax: opts.RetryDelayMax,
		ExpireIn:      opts.ExpireIn,
		StartAfter:    e.CreatedAt,
	}
	if !opts.StartAfter.IsZero() {
		r.StartAfter = opts.StartAfter.UTC()
	}
	if opts.RetentionPeriod > 0 {
		r.KeepUntil = r.StartAfter.Add(opts.RetentionPeriod)
	}
	return r
}

// RetryPolicy returns the backoff policy stored on the record.
func (r *Record) RetryPolicy() backoff.Policy {
	return backoff.Policy{Delay: r.RetryDelay, Backoff: r.RetryBackoff, Max: r.RetryDelayMax}
}

// Exhausted reports whether the current attempt is the last one permitted.
func (r *Record) Exhausted() bool {
	return r.RetryCount >= r.RetryLimit
}

// Leasable reports whether the record may be handed to a worker at now.
func (r *Record) Leasable(now time.Time) bool {
	return (r.State == StateCreated || r.State == StateRetry) && !r.StartAfter.After(now)
}

// Lease moves the record to active.
func (r *Record) Lease(now time.Time) error {
	if !r.Leasable(now) {
		return fmt.Errorf("lease job %s in state %s: %w", r.ID, r.State, stowage.ErrInvalidState)
	}
	r.State = StateActive
	r.StartedAt = &now
	r.UpdatedAt = now
	return nil
}

// Complete acknowledges a successful attempt.
func (r *Record) Complete(now time.Time) error {
	if r.State != StateActive {
		return fmt.Errorf("complete job %s in state %s: %w", r.ID, r.State, stowage.ErrInvalidState)
	}
	r.State = StateCompleted
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// Fail applies the queue's retry bookkeeping: while retries remain the
// record goes to retry with a backoff-scheduled StartAfter, otherwise it
// becomes failed.
func (r *Record) Fail(now time.Time, cause error) error {
	if r.State != StateActive {
		return fmt.Errorf("fail job %s in state %s: %w", r.ID, r.State, stowage.ErrInvalidState)
	}
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.UpdatedAt = now
	if r.RetryCount < r.RetryLimit {
		r.RetryCount++
		r.State = StateRetry
		r.StartAfter = r.RetryPolicy().Next(now, r.RetryCount)
		r.StartedAt = nil
		return nil
	}
	r.State = StateFailed
	r.CompletedAt = &now
	return nil
}

// Expired reports whether an active record has outlived ExpireIn.
func (r *Record) Expired(now time.Time) bool {
	return r.State == StateActive && r.ExpireIn > 0 && r.StartedAt != nil &&
		r.StartedAt.Add(r.ExpireIn).Before(now)
}

// Stale reports whether an unstarted record has outlived its retention.
func (r *Record) Stale(now time.Time) bool {
	return (r.State == StateCreated || r.State == StateRetry) &&
		!r.KeepUntil.IsZero() && r.KeepUntil.Before(now)
}

// Finished reports whether the record reached a terminal state.
func (r *Record) Finished() bool {
	switch r.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// HandlerError is the opaque failure returned by task logic, annotated
// with the job it happened on.
type HandlerError struct {
	Queue string
	JobID id.JobID
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %s on queue %q: %v", e.JobID, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
