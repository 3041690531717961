package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/stowage/storage"
)

// Save streams body to ref. A body shorter than one part is written with
// a single PUT; anything larger becomes a multipart upload whose parts are
// sent in parallel. A failed or cancelled multipart save is aborted so no
// partial object becomes visible. The returned metadata is re-fetched from
// the backend.
func (d *Disk) Save(ctx context.Context, ref storage.ObjectRef, body io.Reader, contentType, cacheControl string) (*storage.ObjectMetadata, error) {
	first := make([]byte, d.partSize)
	n, err := io.ReadFull(body, first)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return d.putSingle(ctx, ref, first[:n], contentType, cacheControl)
	case err != nil:
		return nil, normalize(ctx, "save", err)
	}

	if err := d.putMultipart(ctx, ref, first, body, contentType, cacheControl); err != nil {
		return nil, err
	}
	return d.Metadata(ctx, ref)
}

func (d *Disk) putSingle(ctx context.Context, ref storage.ObjectRef, data []byte, contentType, cacheControl string) (*storage.ObjectMetadata, error) {
	_, err := d.api.PutObject(ctx, d.bucket, d.key(ref), bytes.NewReader(data), int64(len(data)), putOptions(contentType, cacheControl))
	if err != nil {
		return nil, normalize(ctx, "save", err)
	}
	return d.Metadata(ctx, ref)
}

func (d *Disk) putMultipart(ctx context.Context, ref storage.ObjectRef, first []byte, rest io.Reader, contentType, cacheControl string) error {
	uploadID, err := d.CreateMultipartUpload(ctx, ref, contentType, cacheControl)
	if err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		parts []storage.Part
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	upload := func(num int, chunk []byte) {
		g.Go(func() error {
			p, err := d.UploadPart(gctx, ref, uploadID, num, bytes.NewReader(chunk), int64(len(chunk)))
			if err != nil {
				return err
			}
			mu.Lock()
			parts = append(parts, *p)
			mu.Unlock()
			return nil
		})
	}

	upload(1, first)
	readErr := func() error {
		for num := 2; ; num++ {
			if err := gctx.Err(); err != nil {
				return err
			}
			chunk := make([]byte, d.chunkSize(num))
			n, err := io.ReadFull(rest, chunk)
			if n > 0 {
				if num > d.maxParts {
					return storage.NewError("save", storage.CodeEntityTooLarge, http.StatusBadRequest,
						fmt.Errorf("stream needs more than %d parts", d.maxParts))
				}
				upload(num, chunk[:n])
			}
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return nil
			case err != nil:
				return err
			}
		}
	}()

	uploadErr := g.Wait()
	if err := errors.Join(readErr, uploadErr); err != nil {
		d.abort(ctx, ref, uploadID)
		return saveError(ctx, uploadID, err)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	if _, err := d.CompleteMultipartUpload(ctx, ref, uploadID, parts); err != nil {
		d.abort(ctx, ref, uploadID)
		return err
	}
	return nil
}

// chunkSize is the size of part num: the configured part size, doubled
// every growEvery parts and capped at MaxPartSize.
func (d *Disk) chunkSize(num int) int64 {
	size := d.partSize
	for tier := (num - 1) / d.growEvery; tier > 0 && size < MaxPartSize; tier-- {
		size <<= 1
	}
	return min(size, MaxPartSize)
}

// abort discards a failed upload. It runs detached from ctx so a
// cancelled save still cleans up.
func (d *Disk) abort(ctx context.Context, ref storage.ObjectRef, uploadID string) {
	if err := d.AbortMultipartUpload(context.WithoutCancel(ctx), ref, uploadID); err != nil {
		d.logger.Warn("failed to abort multipart upload",
			slog.String("key", d.key(ref)),
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}
}

// saveError reports a failed multipart save as one BackendError.
func saveError(ctx context.Context, uploadID string, err error) error {
	if ctx.Err() != nil {
		return storage.Aborted("save", err)
	}
	var be *storage.BackendError
	if errors.As(err, &be) {
		return &storage.BackendError{Op: "save", Code: be.Code, Status: be.Status, Message: be.Message, Err: err}
	}
	return normalize(ctx, "save", fmt.Errorf("multipart upload %s: %w", uploadID, err))
}
