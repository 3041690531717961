package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/stowage/job"
	"github.com/xraph/stowage/storage"
)

// BackupQueue is the queue of the backup task.
const BackupQueue = "object-backup"

// DefaultCopyPartSize is the range each UploadPartCopy carries.
const DefaultCopyPartSize = 512 << 20

// BackupPayload copies Source to Destination on the same disk.
type BackupPayload struct {
	Source      storage.ObjectRef `json:"source"`
	Destination storage.ObjectRef `json:"destination"`
	// IfMatch pins the source version being backed up.
	IfMatch string `json:"if_match,omitempty"`
}

// BackupOption configures the backup task.
type BackupOption func(*backup)

type backup struct {
	disk        storage.Disk
	threshold   int64
	partSize    int64
	concurrency int
	jobOpts     []job.Option
	logger      *slog.Logger
}

// WithCopyThreshold sets the size above which a backup is assembled from
// part copies instead of one server-side copy.
func WithCopyThreshold(n int64) BackupOption {
	return func(b *backup) { b.threshold = n }
}

// WithCopyPartSize sets the byte range of each part copy.
func WithCopyPartSize(n int64) BackupOption {
	return func(b *backup) { b.partSize = n }
}

// WithCopyConcurrency bounds parallel part copies.
func WithCopyConcurrency(n int) BackupOption {
	return func(b *backup) { b.concurrency = n }
}

// WithBackupJobOptions passes worker options through to the definition.
func WithBackupJobOptions(opts ...job.Option) BackupOption {
	return func(b *backup) { b.jobOpts = append(b.jobOpts, opts...) }
}

// WithBackupLogger sets the logger for abort failures.
func WithBackupLogger(l *slog.Logger) BackupOption {
	return func(b *backup) { b.logger = l }
}

// Backup returns the server-side copy task.
func Backup(disk storage.Disk, opts ...BackupOption) *job.Definition[BackupPayload] {
	b := &backup{
		disk:        disk,
		threshold:   storage.MaxSingleCopySize,
		partSize:    DefaultCopyPartSize,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.partSize <= 0 {
		b.partSize = DefaultCopyPartSize
	}
	if b.concurrency < 1 {
		b.concurrency = 1
	}
	return job.NewDefinition(BackupQueue, b.run, append([]job.Option{job.WithConcurrency(2)}, b.jobOpts...)...)
}

func (b *backup) run(ctx context.Context, p BackupPayload) error {
	meta, err := b.disk.Metadata(ctx, p.Source)
	if err != nil {
		return fmt.Errorf("tasks: backup: stat source: %w", err)
	}
	if p.IfMatch != "" && p.IfMatch != meta.ETag {
		return fmt.Errorf("tasks: backup: source changed: %w",
			storage.NewError("backup", storage.CodePreconditionFailed, http.StatusPreconditionFailed, nil))
	}

	if meta.ContentLength <= b.threshold {
		_, err := b.disk.Copy(ctx, p.Source, p.Destination, &storage.CopyConditions{IfMatch: p.IfMatch})
		if err != nil {
			return fmt.Errorf("tasks: backup: copy: %w", err)
		}
		return nil
	}
	return b.copyParts(ctx, p, meta)
}

// copyParts assembles the destination from ranged part copies.
func (b *backup) copyParts(ctx context.Context, p BackupPayload, meta *storage.ObjectMetadata) error {
	uploadID, err := b.disk.CreateMultipartUpload(ctx, p.Destination, meta.Mimetype, meta.CacheControl)
	if err != nil {
		return fmt.Errorf("tasks: backup: create upload: %w", err)
	}

	var (
		mu    sync.Mutex
		parts []storage.Part
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for num, start := 1, int64(0); start < meta.ContentLength; num, start = num+1, start+b.partSize {
		rng := &storage.ByteRange{Start: start, End: min(start+b.partSize, meta.ContentLength) - 1}
		g.Go(func() error {
			res, err := b.disk.UploadPartCopy(gctx, uploadID, num, p.Source, p.Destination, rng)
			if err != nil {
				return err
			}
			mu.Lock()
			parts = append(parts, storage.Part{PartNumber: num, ETag: res.ETag})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		b.abort(ctx, p.Destination, uploadID)
		return fmt.Errorf("tasks: backup: copy part: %w", err)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	if _, err := b.disk.CompleteMultipartUpload(ctx, p.Destination, uploadID, parts); err != nil {
		b.abort(ctx, p.Destination, uploadID)
		return fmt.Errorf("tasks: backup: complete: %w", err)
	}
	return nil
}

func (b *backup) abort(ctx context.Context, ref storage.ObjectRef, uploadID string) {
	if err := b.disk.AbortMultipartUpload(context.WithoutCancel(ctx), ref, uploadID); err != nil {
		b.logger.Warn("failed to abort backup upload",
			slog.String("bucket", ref.Bucket),
			slog.String("key", ref.Key),
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}
}
