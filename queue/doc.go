// Package queue enforces per-queue rate limits and concurrency caps for
// the worker loops.
//
// Every registered task gets a [Config] derived from its worker options:
//
//	queue.Config{
//	    Name:           "object-admin-delete",
//	    MaxConcurrency: 5,   // at most 5 jobs running in this process
//	    RateLimit:      10,  // at most 10 jobs/s started
//	    RateBurst:      20,
//	}
//
// [Manager] uses a token-bucket limiter (golang.org/x/time/rate) and an
// active-count gate. Worker pools ask [Manager.Capacity] how many jobs to
// lease, call [Manager.Wait] before starting each one, and pair
// [Manager.Track] with [Manager.Release].
//
// Queues without a [Config] have no limits.
package queue
