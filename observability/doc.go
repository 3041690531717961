// Package observability provides the OpenTelemetry metrics extension for
// the job dispatcher. MetricsExtension implements lifecycle hooks and
// records per-queue counters for sent, completed, retried, failed and
// escalated jobs, plus maintenance activity.
//
// For per-attempt tracing and duration metrics, see the middleware
// package: middleware.Tracing() and middleware.Metrics().
package observability
