package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/stowage/ext"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
)

// QueueManager gates how fast and how many jobs a queue may start.
type QueueManager interface {
	// Wait blocks until the queue's rate limiter admits one more poll.
	Wait(ctx context.Context, queue string) error
	// Capacity returns how many of want jobs may start now.
	Capacity(queue string, want int) int
	// Track records a started job against the queue.
	Track(queue string)
	// Release records a finished job.
	Release(queue string)
}

// ErrorObserver receives fetch errors raised by a pool.
type ErrorObserver func(queue string, err error)

// Pool runs the worker loop for one queue: a fixed number of goroutines
// lease jobs and hand them to the Executor.
type Pool struct {
	store      job.Store
	executor   *Executor
	extensions *ext.Registry
	task       job.Task
	queue      string
	slow       bool
	opts       job.WorkerOptions
	workerID   id.WorkerID
	logger     *slog.Logger

	queueManager QueueManager
	onError      ErrorObserver

	stopCh     chan struct{}
	pollCtx    context.Context
	pollCancel context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkerOptions overrides the loop's concurrency, poll interval and
// batch size.
func WithWorkerOptions(o job.WorkerOptions) PoolOption {
	return func(p *Pool) { p.opts = o }
}

// WithSlowRetry binds the pool to task's slow-retry queue instead of its
// primary queue, using the task's slow-retry worker options.
func WithSlowRetry() PoolOption {
	return func(p *Pool) {
		p.slow = true
		p.queue = p.task.Opts.SlowRetryQueue
		p.opts = p.task.Opts.SlowRetryWorkerOptions()
	}
}

// WithQueueManager sets the rate limiter and concurrency gate.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithErrorObserver sets the callback for fetch errors. The default logs.
func WithErrorObserver(fn ErrorObserver) PoolOption {
	return func(p *Pool) { p.onError = fn }
}

// NewPool creates a worker pool for task's primary queue.
func NewPool(
	store job.Store,
	executor *Executor,
	extensions *ext.Registry,
	task job.Task,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:      store,
		executor:   executor,
		extensions: extensions,
		task:       task,
		queue:      task.Queue,
		opts:       task.Opts.Worker,
		workerID:   id.NewWorkerID(),
		logger:     logger,
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.opts.Concurrency <= 0 {
		p.opts.Concurrency = 1
	}
	if p.opts.BatchSize <= 0 {
		p.opts.BatchSize = 1
	}
	if p.opts.PollInterval <= 0 {
		p.opts.PollInterval = job.DefaultWorkerOptions().PollInterval
	}
	if p.onError == nil {
		p.onError = func(queue string, err error) {
			p.logger.Error("fetch error",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
	}
	p.pollCtx, p.pollCancel = context.WithCancel(context.Background())
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Queue returns the queue this pool leases from.
func (p *Pool) Queue() string { return p.queue }

// Slow reports whether the pool serves a slow-retry queue.
func (p *Pool) Slow() bool { return p.slow }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.String("queue", p.queue),
		slog.Bool("slow_retry", p.slow),
		slog.Int("concurrency", p.opts.Concurrency),
	)

	for range p.opts.Concurrency {
		p.wg.Add(1)
		go p.fetchLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for in-flight jobs to finish.
// If ctx ends first, active jobs are cancelled and Stop waits for their
// handlers to return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping",
		slog.String("worker_id", p.workerID.String()),
		slog.String("queue", p.queue),
	)

	close(p.stopCh)
	p.pollCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully", slog.String("queue", p.queue))
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs",
			slog.String("queue", p.queue),
		)
		p.cancelActiveJobs()
		p.wg.Wait()
		return ctx.Err()
	}
}

// fetchLoop is run by each worker goroutine.
func (p *Pool) fetchLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		want := p.opts.BatchSize
		if p.queueManager != nil {
			if err := p.queueManager.Wait(p.pollCtx, p.queue); err != nil {
				return
			}
			want = p.queueManager.Capacity(p.queue, want)
			if want == 0 {
				p.sleep()
				continue
			}
		}

		jobs, err := p.store.Fetch(p.pollCtx, p.queue, want)
		if err != nil {
			if errors.Is(err, context.Canceled) && p.stopping() {
				return
			}
			p.onError(p.queue, err)
			p.sleep()
			continue
		}

		if len(jobs) == 0 {
			p.sleep()
			continue
		}

		for _, j := range jobs {
			p.run(j)
		}
	}
}

// run executes one leased job under a cancellable context.
func (p *Pool) run(j *job.Job) {
	if p.queueManager != nil {
		p.queueManager.Track(p.queue)
		defer p.queueManager.Release(p.queue)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID.String(), cancel)
	defer func() {
		p.untrackJob(j.ID.String())
		cancel()
	}()

	if err := p.executor.Execute(ctx, p.task, p.slow, j); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", p.queue),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Pool) sleep() {
	t := time.NewTimer(p.opts.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job",
			slog.String("job_id", jobID),
			slog.String("queue", p.queue),
		)
		cancel()
	}
}
