// Package middleware wraps job attempts with cross-cutting behavior.
//
//	chain := middleware.Chain(
//	    middleware.Recover(logger),
//	    middleware.Tracing(),
//	    middleware.Metrics(),
//	    middleware.Logging(logger),
//	    middleware.Timeout(middleware.Fixed(time.Hour)),
//	)
//
// Every attempt is classified by [Outcome]: ok, aborted, not_found,
// storage_error or error. Storage outcomes come from the
// *storage.BackendError a Disk returns, so a bucket outage shows up as
// storage_error with its backend code rather than as a generic failure.
package middleware
