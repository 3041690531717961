package storage

import (
	"context"
	"io"
	"time"
)

// SignedURLExpiry is the validity of every URL returned by SignURL.
const SignedURLExpiry = 600 * time.Second

// MaxSingleCopySize is the largest object a single server-side copy may
// move. Larger objects must be copied part by part with UploadPartCopy.
const MaxSingleCopySize int64 = 5 << 30

// ObjectRef addresses one object.
type ObjectRef struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Version string `json:"version,omitempty"`
}

// ByteRange is an inclusive byte range. An End below zero reads to the
// end of the object.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// ReadOptions are the conditional and range headers of a read.
type ReadOptions struct {
	IfNoneMatch     string
	IfModifiedSince time.Time
	Range           *ByteRange
}

// ReadResult is the outcome of Read. Body is nil for 304 and 412; the
// caller closes it otherwise.
type ReadResult struct {
	Metadata       ObjectMetadata
	Body           io.ReadCloser
	HTTPStatusCode int
}

// CopyConditions map to the conditional-copy headers.
type CopyConditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
}

// CopyResult is the outcome of a server-side copy.
type CopyResult struct {
	HTTPStatusCode int
	ETag           string
	LastModified   time.Time
}

// Part is one uploaded part of a multipart upload.
type Part struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// PartCopyResult is the outcome of UploadPartCopy. LastModified is zero
// when the backend does not report it.
type PartCopyResult struct {
	ETag         string
	LastModified time.Time
}

// CompletedUpload describes the object assembled by
// CompleteMultipartUpload.
type CompletedUpload struct {
	Ref      ObjectRef
	Key      string
	ETag     string
	Location string
}

// Disk is the object storage capability. Implementations are safe for
// concurrent use. Every method honours ctx cancellation.
type Disk interface {
	// Read fetches an object body and its metadata.
	Read(ctx context.Context, ref ObjectRef, opts *ReadOptions) (*ReadResult, error)

	// Save streams body into ref and returns the stored metadata as
	// reported by the backend afterwards.
	Save(ctx context.Context, ref ObjectRef, body io.Reader, contentType, cacheControl string) (*ObjectMetadata, error)

	// Delete removes one object.
	Delete(ctx context.Context, ref ObjectRef) error

	// DeleteMany removes keys from bucket. Failures are reported as one
	// aggregate error.
	DeleteMany(ctx context.Context, bucket string, keys []string) error

	// Copy performs a server-side copy subject to cond.
	Copy(ctx context.Context, from, to ObjectRef, cond *CopyConditions) (*CopyResult, error)

	// Metadata fetches object metadata without the body.
	Metadata(ctx context.Context, ref ObjectRef) (*ObjectMetadata, error)

	// SignURL returns a pre-authorized GET URL valid for SignedURLExpiry.
	SignURL(ctx context.Context, ref ObjectRef) (string, error)

	CreateMultipartUpload(ctx context.Context, ref ObjectRef, contentType, cacheControl string) (string, error)
	UploadPart(ctx context.Context, ref ObjectRef, uploadID string, partNumber int, body io.Reader, length int64) (*Part, error)
	UploadPartCopy(ctx context.Context, uploadID string, partNumber int, from, to ObjectRef, rng *ByteRange) (*PartCopyResult, error)

	// CompleteMultipartUpload assembles the upload. With nil parts the
	// backend's own part list is used.
	CompleteMultipartUpload(ctx context.Context, ref ObjectRef, uploadID string, parts []Part) (*CompletedUpload, error)

	AbortMultipartUpload(ctx context.Context, ref ObjectRef, uploadID string) error
}
