package middleware

import (
	"context"
	"time"

	"github.com/xraph/stowage/job"
)

// Limit picks the attempt deadline for a job. Zero means none.
type Limit func(*job.Job) time.Duration

// Timeout bounds each attempt by limit. Storage calls made by the handler
// see the cancelled context and report an aborted BackendError.
func Timeout(limit Limit) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		d := limit(j)
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}

// Fixed is a Limit that always yields d.
func Fixed(d time.Duration) Limit {
	return func(*job.Job) time.Duration { return d }
}

// PerQueue is a Limit looked up by queue name, falling back to def.
func PerQueue(limits map[string]time.Duration, def time.Duration) Limit {
	return func(j *job.Job) time.Duration {
		if d, ok := limits[j.Queue]; ok {
			return d
		}
		return def
	}
}
