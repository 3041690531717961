package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error codes carried by BackendError.
const (
	CodeAborted              = "Aborted"
	CodeNotFound             = "NoSuchKey"
	CodeNoSuchUpload         = "NoSuchUpload"
	CodeInvalidUploadSession = "InvalidUploadSession"
	CodePreconditionFailed   = "PreconditionFailed"
	CodeInvalidRange         = "InvalidRange"
	CodeInvalidPart          = "InvalidPart"
	CodeEntityTooLarge       = "EntityTooLarge"
	CodeInternal             = "InternalError"
)

// StatusClientClosedRequest is reported for aborted operations.
const StatusClientClosedRequest = 499

// ErrInvalidUploadSession is wrapped when the backend returned no upload
// id or does not know the one given.
var ErrInvalidUploadSession = errors.New("storage: invalid upload session")

// BackendError is the normalized shape of every backend failure.
type BackendError struct {
	Op      string
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("storage: %s: %s (%d): %s", e.Op, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("storage: %s: %s (%d)", e.Op, e.Code, e.Status)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewError builds a BackendError.
func NewError(op, code string, status int, err error) *BackendError {
	be := &BackendError{Op: op, Code: code, Status: status, Err: err}
	if err != nil {
		be.Message = err.Error()
	}
	return be
}

// Aborted classifies a cancellation.
func Aborted(op string, err error) *BackendError {
	return &BackendError{Op: op, Code: CodeAborted, Status: StatusClientClosedRequest, Message: "operation aborted", Err: err}
}

// NotFound builds the error for a missing object.
func NotFound(op string, ref ObjectRef) *BackendError {
	return &BackendError{Op: op, Code: CodeNotFound, Status: http.StatusNotFound,
		Message: fmt.Sprintf("object %s/%s not found", ref.Bucket, ref.Key)}
}

// IsAborted reports whether err is a cancellation, classified or not.
func IsAborted(err error) bool {
	var be *BackendError
	if errors.As(err, &be) && be.Code == CodeAborted {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether err means the object or upload does not exist.
func IsNotFound(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Status == http.StatusNotFound
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Status
	}
	return 0
}
