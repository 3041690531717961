// Package storage defines Disk, the backend-agnostic object storage
// contract, along with the value types every backend returns.
//
// A Disk is selected once by configuration (see the s3 and memory
// subpackages) and used through this interface only. Every backend:
//
//   - derives the effective key with ObjectKey, in every operation
//   - returns ObjectMetadata normalized with NormalizeMetadata
//   - reports failures as *BackendError, with cancellation classified as
//     CodeAborted
//
// Conditional and ranged reads surface 304, 412 and 206 through
// ReadResult.HTTPStatusCode instead of as errors.
package storage
