//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
	"github.com/xraph/stowage/store/postgres"
)

// setupTestStore creates a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("stowage_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := postgres.New(ctx, connStr, postgres.WithLogger(slog.Default()), postgres.WithMaxConns(4))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if migErr := s.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	// Second run is a no-op.
	if migErr := s.Migrate(ctx); migErr != nil {
		t.Fatalf("re-migrate: %v", migErr)
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

func TestPostgresJobLifecycle(t *testing.T) {
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
}

func TestPostgresMaintain(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newRecord("q", 0)
	if err := s.Send(ctx, r); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := s.Fetch(ctx, "q", 1); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := s.Complete(ctx, r.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	res, err := s.Maintain(ctx, job.MaintenanceOptions{DeleteAfter: time.Hour})
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if res.Archived != 1 {
		t.Fatalf("archived = %d, want 1", res.Archived)
	}

	got, err := s.GetJob(ctx, r.ID)
	if err != nil {
		t.Fatalf("archived job lookup: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("archived state = %s", got.State)
	}
}
