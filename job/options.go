package job

import "time"

// WorkerOptions configures the worker loop bound to one queue.
type WorkerOptions struct {
	// Concurrency is the number of goroutines leasing from the queue.
	Concurrency int
	// PollInterval is how long an idle goroutine waits before polling again.
	PollInterval time.Duration
	// BatchSize is how many jobs one poll may lease.
	BatchSize int
	// RateLimit caps sustained jobs per second. Zero disables it.
	RateLimit float64
	// RateBurst is the token-bucket burst when RateLimit is set.
	RateBurst int
}

// DefaultWorkerOptions returns the options used for primary queues.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Concurrency:  5,
		PollInterval: 2 * time.Second,
		BatchSize:    1,
	}
}

// slowRetryWorker derives looser options for a slow-retry loop.
func slowRetryWorker(primary WorkerOptions) WorkerOptions {
	poll := primary.PollInterval * 5
	if poll < 10*time.Second {
		poll = 10 * time.Second
	}
	return WorkerOptions{Concurrency: 1, PollInterval: poll, BatchSize: 1}
}

// SendOptions is the retry and scheduling policy applied to a new job.
type SendOptions struct {
	Priority        int
	RetryLimit      int
	RetryDelay      time.Duration
	RetryBackoff    bool
	RetryDelayMax   time.Duration
	ExpireIn        time.Duration
	RetentionPeriod time.Duration
	StartAfter      time.Time
}

// SendOption adjusts SendOptions.
type SendOption func(*SendOptions)

// Apply runs opts over a copy of o.
func (o SendOptions) Apply(opts ...SendOption) SendOptions {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPriority sets the job priority. Higher values are leased first.
func WithPriority(p int) SendOption {
	return func(o *SendOptions) { o.Priority = p }
}

// WithRetryLimit sets how many retries the queue grants.
func WithRetryLimit(n int) SendOption {
	return func(o *SendOptions) { o.RetryLimit = n }
}

// WithRetryDelay sets the base retry delay.
func WithRetryDelay(d time.Duration) SendOption {
	return func(o *SendOptions) { o.RetryDelay = d }
}

// WithRetryBackoff toggles exponential retry delays.
func WithRetryBackoff(enabled bool) SendOption {
	return func(o *SendOptions) { o.RetryBackoff = enabled }
}

// WithExpireIn sets the maximum active time per attempt.
func WithExpireIn(d time.Duration) SendOption {
	return func(o *SendOptions) { o.ExpireIn = d }
}

// WithStartAfter delays the first attempt.
func WithStartAfter(t time.Time) SendOption {
	return func(o *SendOptions) { o.StartAfter = t }
}

// Options configures a task definition.
type Options struct {
	// SlowRetryQueue receives the payload once primary retries run out.
	// Empty means the task has no slow-retry queue.
	SlowRetryQueue string

	Worker          WorkerOptions
	SlowRetryWorker *WorkerOptions

	Send          []SendOption
	SlowRetrySend []SendOption
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{Worker: DefaultWorkerOptions()}
}

// SlowRetryWorkerOptions returns the options for the slow-retry loop.
func (o Options) SlowRetryWorkerOptions() WorkerOptions {
	if o.SlowRetryWorker != nil {
		return *o.SlowRetryWorker
	}
	return slowRetryWorker(o.Worker)
}

// SlowRetrySendOptions returns the send options used on escalation: a
// one-minute exponential schedule unless overridden.
func (o Options) SlowRetrySendOptions() []SendOption {
	opts := []SendOption{WithRetryDelay(time.Minute), WithRetryBackoff(true)}
	return append(opts, o.SlowRetrySend...)
}

// Option is a functional option for a task definition.
type Option func(*Options)

// WithSlowRetryQueue routes exhausted jobs to queue.
func WithSlowRetryQueue(queue string) Option {
	return func(o *Options) { o.SlowRetryQueue = queue }
}

// WithConcurrency sets the number of goroutines for the primary loop.
func WithConcurrency(n int) Option {
	return func(o *Options) { o.Worker.Concurrency = n }
}

// WithPollInterval sets the idle poll interval for the primary loop.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.Worker.PollInterval = d }
}

// WithBatchSize sets how many jobs one poll leases.
func WithBatchSize(n int) Option {
	return func(o *Options) { o.Worker.BatchSize = n }
}

// WithRateLimit caps jobs per second for the primary loop.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *Options) {
		o.Worker.RateLimit = perSecond
		o.Worker.RateBurst = burst
	}
}

// WithSlowRetryWorker overrides the slow-retry loop options.
func WithSlowRetryWorker(w WorkerOptions) Option {
	return func(o *Options) { o.SlowRetryWorker = &w }
}

// WithSend sets the default send options for jobs on this queue.
func WithSend(opts ...SendOption) Option {
	return func(o *Options) { o.Send = append(o.Send, opts...) }
}

// WithSlowRetrySend sets the send options used when escalating.
func WithSlowRetrySend(opts ...SendOption) Option {
	return func(o *Options) { o.SlowRetrySend = append(o.SlowRetrySend, opts...) }
}
