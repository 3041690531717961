package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/job"
)

type deletePayload struct {
	Bucket string   `json:"bucket"`
	Keys   []string `json:"keys"`
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := job.NewRegistry()

	var got deletePayload
	def := job.NewDefinition("object-admin-delete", func(_ context.Context, p deletePayload) error {
		got = p
		return nil
	})
	if err := job.Register(r, def); err != nil {
		t.Fatalf("register: %v", err)
	}

	task, ok := r.Get("object-admin-delete")
	if !ok {
		t.Fatal("expected task to be registered")
	}

	payload, _ := json.Marshal(deletePayload{Bucket: "avatars", Keys: []string{"a.png"}})
	if err := task.Handler(context.Background(), payload); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got.Bucket != "avatars" || len(got.Keys) != 1 {
		t.Errorf("payload = %+v", got)
	}
}

func TestRegistry_InvalidJSON(t *testing.T) {
	r := job.NewRegistry()
	_ = job.Register(r, job.NewDefinition("typed", func(_ context.Context, _ deletePayload) error {
		t.Fatal("handler should not be called with invalid JSON")
		return nil
	}))
	task, _ := r.Get("typed")
	if err := task.Handler(context.Background(), []byte(`{invalid`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestRegistry_EmptyPayload(t *testing.T) {
	r := job.NewRegistry()
	called := false
	_ = job.Register(r, job.NewDefinition("empty", func(_ context.Context, _ struct{}) error {
		called = true
		return nil
	}))
	task, _ := r.Get("empty")
	if err := task.Handler(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestRegistry_DuplicateQueue(t *testing.T) {
	r := job.NewRegistry()
	noop := func(_ context.Context, _ struct{}) error { return nil }

	if err := job.Register(r, job.NewDefinition("a", noop, job.WithSlowRetryQueue("a-slow"))); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := job.Register(r, job.NewDefinition("a", noop)); !errors.Is(err, stowage.ErrDuplicateQueue) {
		t.Fatalf("same queue: expected ErrDuplicateQueue, got %v", err)
	}
	if err := job.Register(r, job.NewDefinition("a-slow", noop)); !errors.Is(err, stowage.ErrDuplicateQueue) {
		t.Fatalf("slow queue clash: expected ErrDuplicateQueue, got %v", err)
	}
}

func TestRegistry_SlowQueueEqualsPrimary(t *testing.T) {
	r := job.NewRegistry()
	err := job.Register(r, job.NewDefinition("x", func(_ context.Context, _ struct{}) error { return nil },
		job.WithSlowRetryQueue("x"),
	))
	if !errors.Is(err, stowage.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestRegistry_BuildFreezes(t *testing.T) {
	r := job.NewRegistry()
	noop := func(_ context.Context, _ struct{}) error { return nil }
	_ = job.Register(r, job.NewDefinition("first", noop))
	_ = job.Register(r, job.NewDefinition("second", noop))

	tasks := r.Build()
	if len(tasks) != 2 || tasks[0].Queue != "first" || tasks[1].Queue != "second" {
		t.Fatalf("tasks = %+v", tasks)
	}
	if err := job.Register(r, job.NewDefinition("late", noop)); !errors.Is(err, stowage.ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
	if len(r.Build()) != 2 {
		t.Fatal("late registration must not change the built set")
	}
}

func TestOptions_SlowRetryDefaults(t *testing.T) {
	def := job.NewDefinition("q", func(_ context.Context, _ struct{}) error { return nil },
		job.WithConcurrency(8),
		job.WithPollInterval(time.Second),
		job.WithSlowRetryQueue("q-slow"),
	)
	slow := def.Opts.SlowRetryWorkerOptions()
	if slow.Concurrency != 1 {
		t.Errorf("slow concurrency = %d, want 1", slow.Concurrency)
	}
	if slow.PollInterval != 10*time.Second {
		t.Errorf("slow poll = %v, want 10s", slow.PollInterval)
	}

	send := job.SendOptions{RetryLimit: 3}.Apply(def.Opts.SlowRetrySendOptions()...)
	if send.RetryDelay != time.Minute || !send.RetryBackoff {
		t.Errorf("slow send = %+v", send)
	}
}
