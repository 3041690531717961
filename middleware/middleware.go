package middleware

import (
	"context"

	"github.com/xraph/stowage/job"
)

// Handler runs one attempt of a job.
type Handler func(ctx context.Context) error

// Middleware wraps an attempt. It must call next unless it deliberately
// short-circuits.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain folds mws into one Middleware; mws[0] runs outermost.
func Chain(mws ...Middleware) Middleware {
	switch len(mws) {
	case 0:
		return func(ctx context.Context, _ *job.Job, next Handler) error { return next(ctx) }
	case 1:
		return mws[0]
	}
	outer, rest := mws[0], Chain(mws[1:]...)
	return func(ctx context.Context, j *job.Job, next Handler) error {
		return outer(ctx, j, func(ctx context.Context) error {
			return rest(ctx, j, next)
		})
	}
}
