package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
	"github.com/xraph/stowage/store"
)

var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]*job.Record
	archive  map[string]*job.Record
	archived map[string]time.Time // archive time per job
	closed   bool

	now func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithClock replaces the wall clock, mainly for maintenance tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:     make(map[string]*job.Record),
		archive:  make(map[string]*job.Record),
		archived: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails once the store is closed.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return stowage.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Jobs are kept so tests can inspect them.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *Store) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Send persists a new job.
func (m *Store) Send(_ context.Context, r *job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return stowage.ErrStoreClosed
	}
	key := r.ID.String()
	if _, exists := m.jobs[key]; exists {
		return stowage.ErrJobAlreadyExists
	}
	if _, exists := m.archive[key]; exists {
		return stowage.ErrJobAlreadyExists
	}
	m.jobs[key] = cloneRecord(r)
	return nil
}

// Fetch leases up to limit jobs from queue.
func (m *Store) Fetch(_ context.Context, queue string, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, stowage.ErrStoreClosed
	}
	now := m.now()

	candidates := make([]*job.Record, 0)
	for _, r := range m.jobs {
		if r.Queue == queue && r.Leasable(now) {
			candidates = append(candidates, r)
		}
	}

	// priority DESC, StartAfter ASC, CreatedAt ASC.
	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.StartAfter.Equal(b.StartAfter) {
			return a.StartAfter.Before(b.StartAfter)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, 0, len(candidates))
	for _, r := range candidates {
		if err := r.Lease(now); err != nil {
			return nil, err
		}
		j := r.Job
		j.Payload = append([]byte(nil), r.Payload...)
		result = append(result, &j)
	}
	return result, nil
}

// Complete acknowledges an active job.
func (m *Store) Complete(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return r.Complete(m.now())
}

// Fail records a failed attempt.
func (m *Store) Fail(_ context.Context, jobID id.JobID, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return r.Fail(m.now(), cause)
}

// GetJob returns a copy of the job, archived or not.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, stowage.ErrStoreClosed
	}
	key := jobID.String()
	if r, ok := m.jobs[key]; ok {
		return cloneRecord(r), nil
	}
	if r, ok := m.archive[key]; ok {
		return cloneRecord(r), nil
	}
	return nil, stowage.ErrJobNotFound
}

// Maintain runs one maintenance pass.
func (m *Store) Maintain(_ context.Context, opts job.MaintenanceOptions) (job.MaintenanceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res job.MaintenanceResult
	if m.closed {
		return res, stowage.ErrStoreClosed
	}
	now := m.now()

	for key, r := range m.jobs {
		switch {
		case r.Expired(now):
			if err := r.Fail(now, job.ErrExpired); err != nil {
				return res, err
			}
			res.Expired++
		case r.Stale(now):
			r.State = job.StateCancelled
			r.CompletedAt = &now
			r.UpdatedAt = now
			res.Dropped++
		}

		if r.Finished() && r.CompletedAt != nil && !r.CompletedAt.Add(opts.ArchiveCompletedAfter).After(now) {
			m.archive[key] = r
			m.archived[key] = now
			delete(m.jobs, key)
			res.Archived++
		}
	}

	for key, at := range m.archived {
		if !at.Add(opts.DeleteAfter).After(now) {
			delete(m.archive, key)
			delete(m.archived, key)
			res.Deleted++
		}
	}
	return res, nil
}

// lookup returns the live record. Callers must hold m.mu.
func (m *Store) lookup(jobID id.JobID) (*job.Record, error) {
	if m.closed {
		return nil, stowage.ErrStoreClosed
	}
	r, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, stowage.ErrJobNotFound
	}
	return r, nil
}

func cloneRecord(r *job.Record) *job.Record {
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
