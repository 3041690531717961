package middleware

import (
	"context"
	"errors"
	"strconv"

	"github.com/xraph/stowage/storage"
)

// Attempt outcomes reported by the logging, tracing and metrics middleware.
const (
	OutcomeOK           = "ok"
	OutcomeAborted      = "aborted"
	OutcomeNotFound     = "not_found"
	OutcomeStorageError = "storage_error"
	OutcomeError        = "error"
)

// Outcome classifies the result of an attempt. Storage failures are told
// apart from handler bugs so dashboards can separate backend trouble from
// broken payloads.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case storage.IsAborted(err), errors.Is(err, context.DeadlineExceeded):
		return OutcomeAborted
	case storage.IsNotFound(err):
		return OutcomeNotFound
	}
	var be *storage.BackendError
	if errors.As(err, &be) {
		return OutcomeStorageError
	}
	return OutcomeError
}

// backendDetail returns the normalized backend code and status of err.
func backendDetail(err error) (code, status string, ok bool) {
	var be *storage.BackendError
	if !errors.As(err, &be) {
		return "", "", false
	}
	return be.Code, strconv.Itoa(be.Status), true
}
