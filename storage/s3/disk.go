// Package s3 implements storage.Disk over an S3-style object store using
// minio-go. Effective keys (prefix/bucket/key@version) live inside one
// physical bucket chosen at construction time.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/xraph/stowage/storage"
)

// Compile-time interface check.
var _ storage.Disk = (*Disk)(nil)

// Defaults for the streaming save.
const (
	DefaultPartSize    = 5 << 20
	DefaultConcurrency = 4
	DefaultMaxSockets  = 200
)

// S3 multipart limits. A streaming save doubles its part size every
// partGrowthStep parts so an unbounded body reaches the object size limit
// before it runs out of part numbers.
const (
	MaxParts       = 10000
	MaxPartSize    = 5 << 30
	partGrowthStep = 1000
)

// Config holds the construction options of a Disk.
type Config struct {
	// Bucket is the physical bucket every effective key lives in.
	Bucket    string
	Endpoint  string
	Region    string
	KeyPrefix string
	PathStyle bool
	UseSSL    bool
	AccessKey string
	SecretKey string
	// RoleARN switches credentials to STS AssumeRole.
	RoleARN string
	// MaxSockets bounds the keep-alive connection pool.
	MaxSockets int
}

// Disk is a storage.Disk backed by an S3-style object store.
type Disk struct {
	api         objectAPI
	bucket      string
	prefix      string
	partSize    int64
	growEvery   int
	maxParts    int
	concurrency int
	logger      *slog.Logger
}

// Option configures a Disk.
type Option func(*Disk)

// WithLogger sets the logger used for best-effort cleanup failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Disk) { d.logger = l }
}

// WithPartSize sets the initial chunk size of streaming saves. Bodies
// shorter than one part are written with a single PUT.
func WithPartSize(n int64) Option {
	return func(d *Disk) { d.partSize = n }
}

// WithConcurrency bounds how many parts of one save upload in parallel.
func WithConcurrency(n int) Option {
	return func(d *Disk) { d.concurrency = n }
}

// New connects a Disk using cfg.
func New(cfg Config, opts ...Option) (*Disk, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("stowage/s3: bucket is required")
	}
	host, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	creds, err := resolveCredentials(cfg, host, secure)
	if err != nil {
		return nil, err
	}

	transport, err := minio.DefaultTransport(secure)
	if err != nil {
		return nil, fmt.Errorf("stowage/s3: transport: %w", err)
	}
	maxSockets := cfg.MaxSockets
	if maxSockets <= 0 {
		maxSockets = DefaultMaxSockets
	}
	transport.MaxConnsPerHost = maxSockets
	transport.MaxIdleConnsPerHost = maxSockets
	transport.MaxIdleConns = maxSockets

	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	core, err := minio.NewCore(host, &minio.Options{
		Creds:        creds,
		Secure:       secure,
		Region:       cfg.Region,
		Transport:    transport,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("stowage/s3: create client: %w", err)
	}
	return newDisk(coreAPI{core: core}, cfg.Bucket, cfg.KeyPrefix, opts...), nil
}

func newDisk(api objectAPI, bucket, prefix string, opts ...Option) *Disk {
	d := &Disk{
		api:         api,
		bucket:      bucket,
		prefix:      prefix,
		partSize:    DefaultPartSize,
		growEvery:   partGrowthStep,
		maxParts:    MaxParts,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// parseEndpoint accepts "host:port" or a URL. A URL scheme decides TLS.
func parseEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if endpoint == "" {
		return "s3.amazonaws.com", true, nil
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("stowage/s3: parse endpoint %q: %w", endpoint, err)
	}
	return u.Host, u.Scheme == "https", nil
}

func resolveCredentials(cfg Config, host string, secure bool) (*credentials.Credentials, error) {
	if cfg.RoleARN == "" {
		if cfg.AccessKey == "" {
			return credentials.NewEnvAWS(), nil
		}
		return credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""), nil
	}

	stsEndpoint := "https://sts.amazonaws.com"
	if cfg.Region != "" {
		stsEndpoint = fmt.Sprintf("https://sts.%s.amazonaws.com", cfg.Region)
	}
	if cfg.Endpoint != "" && !strings.HasSuffix(host, "amazonaws.com") {
		scheme := "http"
		if secure {
			scheme = "https"
		}
		stsEndpoint = scheme + "://" + host
	}
	creds, err := credentials.NewSTSAssumeRole(stsEndpoint, credentials.STSAssumeRoleOptions{
		AccessKey:       cfg.AccessKey,
		SecretKey:       cfg.SecretKey,
		RoleARN:         cfg.RoleARN,
		RoleSessionName: "stowage",
		Location:        cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("stowage/s3: assume role %q: %w", cfg.RoleARN, err)
	}
	return creds, nil
}

func (d *Disk) key(ref storage.ObjectRef) string { return storage.ObjectKey(d.prefix, ref) }

// Bucket returns the physical bucket.
func (d *Disk) Bucket() string { return d.bucket }

func (d *Disk) Read(ctx context.Context, ref storage.ObjectRef, opts *storage.ReadOptions) (*storage.ReadResult, error) {
	var getOpts minio.GetObjectOptions
	if opts != nil {
		if opts.IfNoneMatch != "" {
			if err := getOpts.SetMatchETagExcept(strings.Trim(opts.IfNoneMatch, `"`)); err != nil {
				return nil, normalize(ctx, "read", err)
			}
		}
		if !opts.IfModifiedSince.IsZero() {
			if err := getOpts.SetModified(opts.IfModifiedSince); err != nil {
				return nil, normalize(ctx, "read", err)
			}
		}
		if rangeHeader(opts.Range) {
			end := opts.Range.End
			if end < 0 {
				end = 0
			}
			if err := getOpts.SetRange(opts.Range.Start, end); err != nil {
				return nil, normalize(ctx, "read", err)
			}
		}
	}

	body, info, err := d.api.GetObject(ctx, d.bucket, d.key(ref), getOpts)
	if err != nil {
		switch status := minio.ToErrorResponse(err).StatusCode; status {
		case http.StatusNotModified, http.StatusPreconditionFailed:
			meta := storage.NormalizeMetadata(storage.ObjectMetadata{HTTPStatusCode: status})
			return &storage.ReadResult{Metadata: meta, HTTPStatusCode: status}, nil
		}
		return nil, normalize(ctx, "read", err)
	}

	meta := metadataFromInfo(info)
	if opts != nil && rangeHeader(opts.Range) {
		meta.HTTPStatusCode = http.StatusPartialContent
		if meta.ContentRange == "" {
			meta.ContentRange = fmt.Sprintf("bytes %d-%d/*", opts.Range.Start, opts.Range.Start+info.Size-1)
		}
	}
	return &storage.ReadResult{Metadata: meta, Body: body, HTTPStatusCode: meta.HTTPStatusCode}, nil
}

func (d *Disk) Delete(ctx context.Context, ref storage.ObjectRef) error {
	if err := d.api.RemoveObject(ctx, d.bucket, d.key(ref)); err != nil {
		return normalize(ctx, "delete", err)
	}
	return nil
}

func (d *Disk) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = d.key(storage.ObjectRef{Bucket: bucket, Key: k})
	}

	var result *multierror.Error
	for rerr := range d.api.RemoveObjects(ctx, d.bucket, full) {
		result = multierror.Append(result, fmt.Errorf("%s: %w", rerr.ObjectName, rerr.Err))
	}
	if err := result.ErrorOrNil(); err != nil {
		return normalize(ctx, "delete many", err)
	}
	if err := ctx.Err(); err != nil {
		return storage.Aborted("delete many", err)
	}
	return nil
}

func (d *Disk) Copy(ctx context.Context, from, to storage.ObjectRef, cond *storage.CopyConditions) (*storage.CopyResult, error) {
	src := minio.CopySrcOptions{Bucket: d.bucket, Object: d.key(from)}
	if cond != nil {
		src.MatchETag = strings.Trim(cond.IfMatch, `"`)
		src.NoMatchETag = strings.Trim(cond.IfNoneMatch, `"`)
		src.MatchModifiedSince = cond.IfModifiedSince
		src.MatchUnmodifiedSince = cond.IfUnmodifiedSince
	}
	info, err := d.api.CopyObject(ctx, minio.CopyDestOptions{Bucket: d.bucket, Object: d.key(to)}, src)
	if err != nil {
		return nil, normalize(ctx, "copy", err)
	}
	return &storage.CopyResult{
		HTTPStatusCode: http.StatusOK,
		ETag:           strings.Trim(info.ETag, `"`),
		LastModified:   info.LastModified,
	}, nil
}

func (d *Disk) Metadata(ctx context.Context, ref storage.ObjectRef) (*storage.ObjectMetadata, error) {
	info, err := d.api.StatObject(ctx, d.bucket, d.key(ref))
	if err != nil {
		return nil, normalize(ctx, "metadata", err)
	}
	meta := metadataFromInfo(info)
	return &meta, nil
}

func (d *Disk) SignURL(ctx context.Context, ref storage.ObjectRef) (string, error) {
	u, err := d.api.PresignedGetObject(ctx, d.bucket, d.key(ref), storage.SignedURLExpiry)
	if err != nil {
		return "", normalize(ctx, "sign", err)
	}
	return u.String(), nil
}

func (d *Disk) CreateMultipartUpload(ctx context.Context, ref storage.ObjectRef, contentType, cacheControl string) (string, error) {
	uploadID, err := d.api.NewMultipartUpload(ctx, d.bucket, d.key(ref), putOptions(contentType, cacheControl))
	if err != nil {
		return "", normalize(ctx, "create multipart upload", err)
	}
	if uploadID == "" {
		return "", &storage.BackendError{Op: "create multipart upload", Code: storage.CodeInvalidUploadSession,
			Status: http.StatusBadGateway, Message: "backend returned no upload id", Err: storage.ErrInvalidUploadSession}
	}
	return uploadID, nil
}

func (d *Disk) UploadPart(ctx context.Context, ref storage.ObjectRef, uploadID string, partNumber int, body io.Reader, length int64) (*storage.Part, error) {
	p, err := d.api.PutObjectPart(ctx, d.bucket, d.key(ref), uploadID, partNumber, body, length)
	if err != nil {
		return nil, normalize(ctx, "upload part", err)
	}
	return &storage.Part{PartNumber: partNumber, ETag: strings.Trim(p.ETag, `"`)}, nil
}

func (d *Disk) UploadPartCopy(ctx context.Context, uploadID string, partNumber int, from, to storage.ObjectRef, rng *storage.ByteRange) (*storage.PartCopyResult, error) {
	offset, length := int64(0), int64(-1)
	if rng != nil {
		offset = rng.Start
		if rng.End >= 0 {
			length = rng.End - rng.Start + 1
		}
	}
	p, err := d.api.CopyObjectPart(ctx, d.bucket, d.key(from), d.bucket, d.key(to), uploadID, partNumber, offset, length)
	if err != nil {
		return nil, normalize(ctx, "upload part copy", err)
	}
	// The copy-part response's LastModified is not surfaced by minio.Core.
	return &storage.PartCopyResult{ETag: strings.Trim(p.ETag, `"`)}, nil
}

func (d *Disk) CompleteMultipartUpload(ctx context.Context, ref storage.ObjectRef, uploadID string, parts []storage.Part) (*storage.CompletedUpload, error) {
	key := d.key(ref)
	if parts == nil {
		listed, err := d.api.ListObjectParts(ctx, d.bucket, key, uploadID)
		if err != nil {
			return nil, normalize(ctx, "list parts", err)
		}
		parts = make([]storage.Part, 0, len(listed))
		for _, p := range listed {
			parts = append(parts, storage.Part{PartNumber: p.PartNumber, ETag: strings.Trim(p.ETag, `"`)})
		}
	}

	complete := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		complete = append(complete, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	info, err := d.api.CompleteMultipartUpload(ctx, d.bucket, key, uploadID, complete, minio.PutObjectOptions{})
	if err != nil {
		return nil, normalize(ctx, "complete multipart upload", err)
	}
	return &storage.CompletedUpload{
		Ref:      ref,
		Key:      key,
		ETag:     strings.Trim(info.ETag, `"`),
		Location: info.Location,
	}, nil
}

func (d *Disk) AbortMultipartUpload(ctx context.Context, ref storage.ObjectRef, uploadID string) error {
	if err := d.api.AbortMultipartUpload(ctx, d.bucket, d.key(ref), uploadID); err != nil {
		return normalize(ctx, "abort multipart upload", err)
	}
	return nil
}

// rangeHeader reports whether r needs a Range header. "bytes=0-" is the
// whole object.
func rangeHeader(r *storage.ByteRange) bool {
	return r != nil && (r.Start > 0 || r.End >= 0)
}

func putOptions(contentType, cacheControl string) minio.PutObjectOptions {
	return minio.PutObjectOptions{ContentType: contentType, CacheControl: cacheControl}
}

// metadataFromInfo maps backend object info onto the uniform shape.
func metadataFromInfo(info minio.ObjectInfo) storage.ObjectMetadata {
	m := storage.ObjectMetadata{
		Mimetype:      info.ContentType,
		ETag:          strings.Trim(info.ETag, `"`),
		LastModified:  info.LastModified,
		ContentLength: info.Size,
		Size:          info.Size,
	}
	if info.Metadata != nil {
		m.CacheControl = info.Metadata.Get("Cache-Control")
		m.ContentRange = info.Metadata.Get("Content-Range")
	}
	return storage.NormalizeMetadata(m)
}

// normalize funnels every backend failure into a *storage.BackendError.
func normalize(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var be *storage.BackendError
	if errors.As(err, &be) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return storage.Aborted(op, err)
	}
	if resp := minio.ToErrorResponse(err); resp.StatusCode != 0 || resp.Code != "" {
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		code := resp.Code
		if code == "" {
			code = storage.CodeInternal
		}
		if code == storage.CodeNoSuchUpload {
			err = fmt.Errorf("%w: %w", storage.ErrInvalidUploadSession, err)
		}
		return &storage.BackendError{Op: op, Code: code, Status: status, Message: resp.Message, Err: err}
	}
	return storage.NewError(op, storage.CodeInternal, http.StatusInternalServerError, err)
}
