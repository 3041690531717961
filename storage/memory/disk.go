// Package memory provides an in-memory storage.Disk for tests and local
// development. It honours conditional reads, ranges, copy conditions and
// multipart sessions the way an S3-style backend does.
package memory

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // ETags are MD5 digests by convention
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/xraph/stowage/storage"
)

// Compile-time interface check.
var _ storage.Disk = (*Disk)(nil)

type object struct {
	data         []byte
	contentType  string
	cacheControl string
	etag         string
	lastModified time.Time
}

type upload struct {
	key          string
	contentType  string
	cacheControl string
	parts        map[int]object
}

// Disk is an in-memory storage.Disk.
type Disk struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]*object
	uploads map[string]*upload
	now     func() time.Time
}

// Option configures a Disk.
type Option func(*Disk)

// WithKeyPrefix sets the prefix applied to every effective key.
func WithKeyPrefix(prefix string) Option {
	return func(d *Disk) { d.prefix = prefix }
}

// WithClock overrides the time source used for LastModified.
func WithClock(now func() time.Time) Option {
	return func(d *Disk) { d.now = now }
}

// New returns an empty Disk.
func New(opts ...Option) *Disk {
	d := &Disk{
		objects: make(map[string]*object),
		uploads: make(map[string]*upload),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Disk) key(ref storage.ObjectRef) string { return storage.ObjectKey(d.prefix, ref) }

// Keys returns the effective keys currently stored, sorted.
func (d *Disk) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.objects))
	for k := range d.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Uploads returns the number of open multipart sessions.
func (d *Disk) Uploads() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.uploads)
}

func (d *Disk) Read(ctx context.Context, ref storage.ObjectRef, opts *storage.ReadOptions) (*storage.ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Aborted("read", err)
	}
	d.mu.RLock()
	obj, ok := d.objects[d.key(ref)]
	d.mu.RUnlock()
	if !ok {
		return nil, storage.NotFound("read", ref)
	}

	meta := obj.metadata()
	if opts == nil {
		opts = &storage.ReadOptions{}
	}

	notModified := false
	if opts.IfNoneMatch != "" {
		notModified = etagMatch(opts.IfNoneMatch, obj.etag)
	} else if !opts.IfModifiedSince.IsZero() {
		notModified = !obj.lastModified.Truncate(time.Second).After(opts.IfModifiedSince)
	}
	if notModified {
		meta.HTTPStatusCode = http.StatusNotModified
		return &storage.ReadResult{Metadata: meta, HTTPStatusCode: http.StatusNotModified}, nil
	}

	body := obj.data
	if opts.Range != nil {
		start, end, err := resolveRange(opts.Range, int64(len(obj.data)))
		if err != nil {
			return nil, err
		}
		body = obj.data[start : end+1]
		meta.ContentLength = int64(len(body))
		meta.ContentRange = fmt.Sprintf("bytes %d-%d/%d", start, end, len(obj.data))
		meta.HTTPStatusCode = http.StatusPartialContent
	}

	return &storage.ReadResult{
		Metadata:       meta,
		Body:           io.NopCloser(bytes.NewReader(body)),
		HTTPStatusCode: meta.HTTPStatusCode,
	}, nil
}

func (d *Disk) Save(ctx context.Context, ref storage.ObjectRef, body io.Reader, contentType, cacheControl string) (*storage.ObjectMetadata, error) {
	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: body})
	if err != nil {
		if storage.IsAborted(err) {
			return nil, storage.Aborted("save", err)
		}
		return nil, storage.NewError("save", storage.CodeInternal, http.StatusInternalServerError, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Aborted("save", err)
	}

	d.mu.Lock()
	obj := &object{
		data:         data,
		contentType:  contentType,
		cacheControl: cacheControl,
		etag:         etagOf(data),
		lastModified: d.now(),
	}
	d.objects[d.key(ref)] = obj
	meta := obj.metadata()
	d.mu.Unlock()

	// Committed: a cancellation from here on no longer fails the save.
	return &meta, nil
}

func (d *Disk) Delete(ctx context.Context, ref storage.ObjectRef) error {
	if err := ctx.Err(); err != nil {
		return storage.Aborted("delete", err)
	}
	d.mu.Lock()
	delete(d.objects, d.key(ref))
	d.mu.Unlock()
	return nil
}

func (d *Disk) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	var result *multierror.Error
	for _, k := range keys {
		if err := d.Delete(ctx, storage.ObjectRef{Bucket: bucket, Key: k}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (d *Disk) Copy(ctx context.Context, from, to storage.ObjectRef, cond *storage.CopyConditions) (*storage.CopyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Aborted("copy", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	src, ok := d.objects[d.key(from)]
	if !ok {
		return nil, storage.NotFound("copy", from)
	}
	if cond != nil && !copyAllowed(src, cond) {
		return nil, &storage.BackendError{Op: "copy", Code: storage.CodePreconditionFailed,
			Status: http.StatusPreconditionFailed, Message: "copy precondition failed"}
	}

	dst := *src
	dst.data = append([]byte(nil), src.data...)
	dst.lastModified = d.now()
	d.objects[d.key(to)] = &dst

	return &storage.CopyResult{HTTPStatusCode: http.StatusOK, ETag: dst.etag, LastModified: dst.lastModified}, nil
}

func (d *Disk) Metadata(ctx context.Context, ref storage.ObjectRef) (*storage.ObjectMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Aborted("metadata", err)
	}
	d.mu.RLock()
	obj, ok := d.objects[d.key(ref)]
	d.mu.RUnlock()
	if !ok {
		return nil, storage.NotFound("metadata", ref)
	}
	meta := obj.metadata()
	return &meta, nil
}

func (d *Disk) SignURL(ctx context.Context, ref storage.ObjectRef) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Aborted("sign", err)
	}
	u := url.URL{Scheme: "memory", Path: "/" + d.key(ref)}
	q := u.Query()
	q.Set("expires", strconv.FormatInt(d.now().Add(storage.SignedURLExpiry).Unix(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Disk) CreateMultipartUpload(ctx context.Context, ref storage.ObjectRef, contentType, cacheControl string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Aborted("create multipart upload", err)
	}
	uploadID := uuid.NewString()
	d.mu.Lock()
	d.uploads[uploadID] = &upload{
		key:          d.key(ref),
		contentType:  contentType,
		cacheControl: cacheControl,
		parts:        make(map[int]object),
	}
	d.mu.Unlock()
	return uploadID, nil
}

func (d *Disk) UploadPart(ctx context.Context, ref storage.ObjectRef, uploadID string, partNumber int, body io.Reader, length int64) (*storage.Part, error) {
	data, err := io.ReadAll(io.LimitReader(&ctxReader{ctx: ctx, r: body}, length))
	if err != nil {
		if storage.IsAborted(err) {
			return nil, storage.Aborted("upload part", err)
		}
		return nil, storage.NewError("upload part", storage.CodeInternal, http.StatusInternalServerError, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	up, err := d.session("upload part", ref, uploadID)
	if err != nil {
		return nil, err
	}
	part := object{data: data, etag: etagOf(data), lastModified: d.now()}
	up.parts[partNumber] = part
	return &storage.Part{PartNumber: partNumber, ETag: part.etag}, nil
}

func (d *Disk) UploadPartCopy(ctx context.Context, uploadID string, partNumber int, from, to storage.ObjectRef, rng *storage.ByteRange) (*storage.PartCopyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Aborted("upload part copy", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	src, ok := d.objects[d.key(from)]
	if !ok {
		return nil, storage.NotFound("upload part copy", from)
	}
	up, err := d.session("upload part copy", to, uploadID)
	if err != nil {
		return nil, err
	}

	data := src.data
	if rng != nil {
		start, end, err := resolveRange(rng, int64(len(src.data)))
		if err != nil {
			return nil, err
		}
		data = src.data[start : end+1]
	}
	part := object{data: append([]byte(nil), data...), etag: etagOf(data), lastModified: d.now()}
	up.parts[partNumber] = part
	return &storage.PartCopyResult{ETag: part.etag, LastModified: part.lastModified}, nil
}

func (d *Disk) CompleteMultipartUpload(ctx context.Context, ref storage.ObjectRef, uploadID string, parts []storage.Part) (*storage.CompletedUpload, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Aborted("complete multipart upload", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	up, err := d.session("complete multipart upload", ref, uploadID)
	if err != nil {
		return nil, err
	}
	if parts == nil {
		parts = up.listParts()
	}
	if len(parts) == 0 {
		return nil, &storage.BackendError{Op: "complete multipart upload", Code: storage.CodeInvalidPart,
			Status: http.StatusBadRequest, Message: "no parts to assemble"}
	}

	var (
		buf     bytes.Buffer
		digests []byte
		prev    int
	)
	for _, p := range parts {
		stored, ok := up.parts[p.PartNumber]
		if !ok || stored.etag != p.ETag || p.PartNumber <= prev {
			return nil, &storage.BackendError{Op: "complete multipart upload", Code: storage.CodeInvalidPart,
				Status: http.StatusBadRequest, Message: fmt.Sprintf("part %d does not match an uploaded part", p.PartNumber)}
		}
		prev = p.PartNumber
		buf.Write(stored.data)
		sum, _ := hex.DecodeString(stored.etag)
		digests = append(digests, sum...)
	}

	sum := md5.Sum(digests) //nolint:gosec // multipart ETag convention
	obj := &object{
		data:         buf.Bytes(),
		contentType:  up.contentType,
		cacheControl: up.cacheControl,
		etag:         fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:]), len(parts)),
		lastModified: d.now(),
	}
	d.objects[up.key] = obj
	delete(d.uploads, uploadID)

	return &storage.CompletedUpload{Ref: ref, Key: up.key, ETag: obj.etag, Location: "memory:///" + up.key}, nil
}

func (d *Disk) AbortMultipartUpload(ctx context.Context, ref storage.ObjectRef, uploadID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.session("abort multipart upload", ref, uploadID); err != nil {
		return err
	}
	delete(d.uploads, uploadID)
	return nil
}

// session looks up an upload bound to ref. Callers hold d.mu.
func (d *Disk) session(op string, ref storage.ObjectRef, uploadID string) (*upload, error) {
	up, ok := d.uploads[uploadID]
	if !ok || up.key != d.key(ref) {
		return nil, &storage.BackendError{Op: op, Code: storage.CodeNoSuchUpload, Status: http.StatusNotFound,
			Message: fmt.Sprintf("upload %q not found", uploadID), Err: storage.ErrInvalidUploadSession}
	}
	return up, nil
}

func (u *upload) listParts() []storage.Part {
	parts := make([]storage.Part, 0, len(u.parts))
	for n, p := range u.parts {
		parts = append(parts, storage.Part{PartNumber: n, ETag: p.etag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

func (o *object) metadata() storage.ObjectMetadata {
	return storage.NormalizeMetadata(storage.ObjectMetadata{
		CacheControl:  o.cacheControl,
		Mimetype:      o.contentType,
		ETag:          o.etag,
		LastModified:  o.lastModified,
		ContentLength: int64(len(o.data)),
		Size:          int64(len(o.data)),
	})
}

func copyAllowed(src *object, c *storage.CopyConditions) bool {
	if c.IfMatch != "" && !etagMatch(c.IfMatch, src.etag) {
		return false
	}
	if c.IfNoneMatch != "" && etagMatch(c.IfNoneMatch, src.etag) {
		return false
	}
	modified := src.lastModified.Truncate(time.Second)
	if !c.IfModifiedSince.IsZero() && !modified.After(c.IfModifiedSince) {
		return false
	}
	if !c.IfUnmodifiedSince.IsZero() && modified.After(c.IfUnmodifiedSince) {
		return false
	}
	return true
}

func resolveRange(r *storage.ByteRange, size int64) (int64, int64, error) {
	start, end := r.Start, r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	if start < 0 || start > end {
		return 0, 0, &storage.BackendError{Op: "read", Code: storage.CodeInvalidRange,
			Status: http.StatusRequestedRangeNotSatisfiable, Message: fmt.Sprintf("range %d-%d of %d", r.Start, r.End, size)}
	}
	return start, end, nil
}

func etagMatch(header, etag string) bool {
	return header == "*" || trimQuotes(header) == etag
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func etagOf(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec // ETag convention
	return hex.EncodeToString(sum[:])
}

// ctxReader fails reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
