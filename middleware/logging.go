package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/stowage/job"
)

// Logging debug-logs every attempt. The worker logs exhausted failures in
// full, so a failed attempt here only records its outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		log := logger.With(slog.String("job_id", j.ID.String()), slog.String("queue", j.Queue))
		log.Debug("attempt started", slog.Int("payload_bytes", len(j.Payload)))

		start := time.Now()
		err := next(ctx)

		attrs := []any{
			slog.String("outcome", Outcome(err)),
			slog.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
			if code, status, ok := backendDetail(err); ok {
				attrs = append(attrs, slog.String("storage_code", code), slog.String("storage_status", status))
			}
		}
		log.Debug("attempt finished", attrs...)
		return err
	}
}
