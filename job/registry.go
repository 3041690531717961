package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xraph/stowage"
)

// HandlerFunc is a type-erased handler that accepts the raw JSON payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Task is a registered, type-erased task definition.
type Task struct {
	Queue   string
	Opts    Options
	Handler HandlerFunc
}

// HasSlowRetry reports whether the task escalates to a slow-retry queue.
func (t Task) HasSlowRetry() bool { return t.Opts.SlowRetryQueue != "" }

// Registry collects task definitions before startup. It is safe for
// concurrent use. Build freezes it; later registrations are rejected.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]Task
	order  []string
	claims map[string]string // queue or slow-retry queue → owning task queue
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]Task),
		claims: make(map[string]string),
	}
}

// Register adds a typed definition. The handler is wrapped in a closure
// that JSON-decodes the payload into T.
//
// Queue names (including slow-retry queue names) are unique across the
// registry.
func Register[T any](r *Registry, def *Definition[T]) error {
	handler := func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("unmarshal payload for queue %q: %w", def.Queue, err)
			}
		}
		return def.Handler(ctx, t)
	}
	return r.add(Task{Queue: def.Queue, Opts: def.Opts, Handler: handler})
}

func (r *Registry) add(t Task) error {
	if t.Queue == "" {
		return fmt.Errorf("job: empty queue name: %w", stowage.ErrConfiguration)
	}
	if t.Opts.SlowRetryQueue == t.Queue {
		return fmt.Errorf("job: slow-retry queue %q equals its primary queue: %w", t.Queue, stowage.ErrConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("job: register %q: %w", t.Queue, stowage.ErrRegistryFrozen)
	}
	names := []string{t.Queue}
	if t.HasSlowRetry() {
		names = append(names, t.Opts.SlowRetryQueue)
	}
	for _, name := range names {
		if owner, taken := r.claims[name]; taken {
			return fmt.Errorf("job: queue %q already claimed by task %q: %w", name, owner, stowage.ErrDuplicateQueue)
		}
	}
	for _, name := range names {
		r.claims[name] = t.Queue
	}
	r.tasks[t.Queue] = t
	r.order = append(r.order, t.Queue)
	return nil
}

// Get returns the task registered for queue.
func (r *Registry) Get(queue string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[queue]
	return t, ok
}

// Queues returns the primary queue names in registration order.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Build freezes the registry and returns its tasks in registration order.
// Calling Build again returns the same set.
func (r *Registry) Build() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	tasks := make([]Task, 0, len(r.order))
	for _, q := range r.order {
		tasks = append(tasks, r.tasks[q])
	}
	return tasks
}

// Frozen reports whether Build has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
