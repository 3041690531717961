package sqlite_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
	"github.com/xraph/stowage/store/sqlite"
)

// setupTestStore opens a migrated store in a temporary database file.
func setupTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()

	s, err := sqlite.New(ctx, "sqlite://"+filepath.Join(t.TempDir(), "queue.db"), sqlite.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Second run is a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	return s
}

func newRecord(queue string, priority int, opts ...job.SendOption) *job.Record {
	base := job.SendOptions{
		Priority:   priority,
		RetryLimit: 2,
		StartAfter: time.Now().UTC().Add(-time.Second),
	}
	return job.NewRecord(queue, []byte(`{"bucket":"b"}`), base.Apply(opts...))
}

func TestDataSource(t *testing.T) {
	tests := map[string]string{
		"sqlite:///var/lib/q.db":          "/var/lib/q.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		"sqlite://":                       ":memory:?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		"q.db?_pragma=foreign_keys(1)":    "q.db?_pragma=foreign_keys(1)",
		"sqlite://q.db?_txlock=immediate": "q.db?_txlock=immediate",
	}
	for in, want := range tests {
		if got := sqlite.DataSource(in); got != want {
			t.Errorf("DataSource(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSQLiteJobLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	low := newRecord("q", 1)
	high := newRecord("q", 5)
	for _, r := range []*job.Record{low, high} {
		if err := s.Send(ctx, r); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := s.Send(ctx, low); !errors.Is(err, stowage.ErrJobAlreadyExists) {
		t.Fatalf("duplicate Send: got %v", err)
	}

	jobs, err := s.Fetch(ctx, "q", 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != high.ID {
		t.Fatalf("expected high priority job first, got %v", jobs)
	}
	if string(jobs[0].Payload) != `{"bucket":"b"}` {
		t.Fatalf("payload = %s", jobs[0].Payload)
	}

	if err := s.Complete(ctx, high.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Complete(ctx, high.ID); !errors.Is(err, stowage.ErrInvalidState) {
		t.Fatalf("double Complete: got %v", err)
	}
	if err := s.Complete(ctx, id.NewJobID()); !errors.Is(err, stowage.ErrJobNotFound) {
		t.Fatalf("Complete unknown: got %v", err)
	}

	jobs, _ = s.Fetch(ctx, "q", 1)
	if len(jobs) != 1 || jobs[0].ID != low.ID {
		t.Fatalf("expected low job, got %v", jobs)
	}
	if err := s.Fail(ctx, low.ID, errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, err := s.GetJob(ctx, low.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateRetry || got.RetryCount != 1 || got.LastError != "boom" {
		t.Fatalf("after Fail: %+v", got)
	}
	if got.StartedAt == nil || got.RetryLimit != 2 || got.Queue != "q" {
		t.Fatalf("bookkeeping lost: %+v", got)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, stowage.ErrJobNotFound) {
		t.Fatalf("GetJob unknown: got %v", err)
	}
}

func TestSQLiteFetchOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	older := newRecord("q", 3, job.WithStartAfter(time.Now().Add(-time.Hour)))
	newer := newRecord("q", 3)
	urgent := newRecord("q", 9)
	future := newRecord("q", 10, job.WithStartAfter(time.Now().Add(time.Hour)))
	other := newRecord("other", 10)
	for _, r := range []*job.Record{newer, future, other, older, urgent} {
		if err := s.Send(ctx, r); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	jobs, err := s.Fetch(ctx, "q", 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	want := []id.JobID{urgent.ID, older.ID, newer.ID}
	if len(jobs) != len(want) {
		t.Fatalf("leased %d jobs, want %d", len(jobs), len(want))
	}
	for i, j := range jobs {
		if j.ID != want[i] {
			t.Errorf("jobs[%d] = %s, want %s", i, j.ID, want[i])
		}
	}
}

func TestSQLiteConcurrentFetchLeasesOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for range 20 {
		if err := s.Send(ctx, newRecord("q", 0)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[id.JobID]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := s.Fetch(ctx, "q", 3)
				if err != nil {
					t.Errorf("Fetch: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Fatalf("leased %d distinct jobs, want 20", len(seen))
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s leased %d times", jobID, n)
		}
	}
}

func TestSQLiteMaintain(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	done := newRecord("q", 0)
	if err := s.Send(ctx, done); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := s.Fetch(ctx, "q", 1); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := s.Complete(ctx, done.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	stale := newRecord("stale", 0, job.WithStartAfter(time.Now().Add(time.Hour)))
	stale.KeepUntil = time.Now().UTC().Add(-time.Minute)
	if err := s.Send(ctx, stale); err != nil {
		t.Fatalf("Send stale: %v", err)
	}

	stuck := newRecord("stuck", 0, job.WithExpireIn(time.Nanosecond), job.WithRetryLimit(0))
	if err := s.Send(ctx, stuck); err != nil {
		t.Fatalf("Send stuck: %v", err)
	}
	if _, err := s.Fetch(ctx, "stuck", 1); err != nil {
		t.Fatalf("Fetch stuck: %v", err)
	}
	time.Sleep(time.Millisecond)

	res, err := s.Maintain(ctx, job.MaintenanceOptions{ArchiveCompletedAfter: time.Hour, DeleteAfter: time.Hour})
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if res.Expired != 1 || res.Dropped != 1 || res.Archived != 0 {
		t.Fatalf("first pass = %+v, want 1 expired, 1 dropped, 0 archived", res)
	}
	if got, _ := s.GetJob(ctx, stuck.ID); got.State != job.StateFailed || got.LastError != job.ErrExpired.Error() {
		t.Fatalf("expired job = %+v", got)
	}
	if got, _ := s.GetJob(ctx, stale.ID); got.State != job.StateCancelled {
		t.Fatalf("stale job state = %s", got.State)
	}

	res, err = s.Maintain(ctx, job.MaintenanceOptions{DeleteAfter: time.Hour})
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if res.Archived != 3 {
		t.Fatalf("archived = %d, want 3", res.Archived)
	}
	got, err := s.GetJob(ctx, done.ID)
	if err != nil {
		t.Fatalf("archived job lookup: %v", err)
	}
	if got.State != job.StateCompleted || got.CompletedAt == nil {
		t.Fatalf("archived job = %+v", got)
	}

	res, err = s.Maintain(ctx, job.MaintenanceOptions{DeleteAfter: -time.Second})
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if res.Deleted != 3 {
		t.Fatalf("deleted = %d, want 3", res.Deleted)
	}
	if _, err := s.GetJob(ctx, done.ID); !errors.Is(err, stowage.ErrJobNotFound) {
		t.Fatalf("purged job lookup: got %v", err)
	}
}
