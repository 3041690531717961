package tasks_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/job"
	"github.com/xraph/stowage/storage"
	"github.com/xraph/stowage/storage/memory"
	"github.com/xraph/stowage/tasks"
)

// countingDisk records calls to the bulk and copy operations.
type countingDisk struct {
	storage.Disk
	deleteMany atomic.Int32
	copies     atomic.Int32
	partCopies atomic.Int32
	aborts     atomic.Int32
	failPart   int
}

func (c *countingDisk) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	c.deleteMany.Add(1)
	return c.Disk.DeleteMany(ctx, bucket, keys)
}

func (c *countingDisk) Copy(ctx context.Context, from, to storage.ObjectRef, cond *storage.CopyConditions) (*storage.CopyResult, error) {
	c.copies.Add(1)
	return c.Disk.Copy(ctx, from, to, cond)
}

func (c *countingDisk) UploadPartCopy(ctx context.Context, uploadID string, partNumber int, from, to storage.ObjectRef, rng *storage.ByteRange) (*storage.PartCopyResult, error) {
	c.partCopies.Add(1)
	if partNumber == c.failPart {
		return nil, storage.NewError("upload part copy", storage.CodeInternal, 500, errors.New("boom"))
	}
	return c.Disk.UploadPartCopy(ctx, uploadID, partNumber, from, to, rng)
}

func (c *countingDisk) AbortMultipartUpload(ctx context.Context, ref storage.ObjectRef, uploadID string) error {
	c.aborts.Add(1)
	return c.Disk.AbortMultipartUpload(ctx, ref, uploadID)
}

func put(t *testing.T, d storage.Disk, ref storage.ObjectRef, body string) *storage.ObjectMetadata {
	t.Helper()
	meta, err := d.Save(context.Background(), ref, strings.NewReader(body), "text/plain", "max-age=10")
	require.NoError(t, err)
	return meta
}

func read(t *testing.T, d storage.Disk, ref storage.ObjectRef) string {
	t.Helper()
	res, err := d.Read(context.Background(), ref, nil)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

// handle runs a definition's handler through the registry, the way a
// worker does.
func handle[T any](t *testing.T, def *job.Definition[T], payload T) error {
	t.Helper()
	reg := job.NewRegistry()
	require.NoError(t, job.Register(reg, def))
	task, ok := reg.Get(def.Queue)
	require.True(t, ok)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return task.Handler(context.Background(), raw)
}

func TestAdminDelete_Definition(t *testing.T) {
	def := tasks.AdminDelete(memory.New())
	assert.Equal(t, tasks.AdminDeleteQueue, def.Queue)
	assert.Equal(t, tasks.AdminDeleteSlowQueue, def.Opts.SlowRetryQueue)
	assert.Equal(t, 4, def.Opts.Worker.Concurrency)

	def = tasks.AdminDelete(memory.New(), job.WithConcurrency(9))
	assert.Equal(t, 9, def.Opts.Worker.Concurrency)
}

func TestAdminDelete_RemovesKeys(t *testing.T) {
	disk := &countingDisk{Disk: memory.New()}
	for _, k := range []string{"a", "b", "c"} {
		put(t, disk, storage.ObjectRef{Bucket: "media", Key: k}, k)
	}
	put(t, disk, storage.ObjectRef{Bucket: "media", Key: "keep"}, "keep")

	err := handle(t, tasks.AdminDelete(disk), tasks.AdminDeletePayload{Bucket: "media", Keys: []string{"a", "b", "c"}})
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c"} {
		_, err := disk.Metadata(context.Background(), storage.ObjectRef{Bucket: "media", Key: k})
		assert.True(t, storage.IsNotFound(err), k)
	}
	_, err = disk.Metadata(context.Background(), storage.ObjectRef{Bucket: "media", Key: "keep"})
	assert.NoError(t, err)
	assert.Equal(t, int32(1), disk.deleteMany.Load())
}

func TestAdminDelete_Batches(t *testing.T) {
	disk := &countingDisk{Disk: memory.New()}
	keys := make([]string, 2500)
	for i := range keys {
		keys[i] = fmt.Sprintf("k/%d", i)
	}

	err := handle(t, tasks.AdminDelete(disk), tasks.AdminDeletePayload{Bucket: "media", Keys: keys})
	require.NoError(t, err)
	assert.Equal(t, int32(3), disk.deleteMany.Load())
}

func TestAdminDelete_EmptyBucket(t *testing.T) {
	err := handle(t, tasks.AdminDelete(memory.New()), tasks.AdminDeletePayload{Keys: []string{"x"}})
	assert.ErrorIs(t, err, stowage.ErrConfiguration)
}

func TestBackup_SingleCopy(t *testing.T) {
	disk := &countingDisk{Disk: memory.New()}
	src := storage.ObjectRef{Bucket: "media", Key: "doc.txt"}
	dst := storage.ObjectRef{Bucket: "backup", Key: "doc.txt"}
	meta := put(t, disk, src, "contents")

	err := handle(t, tasks.Backup(disk), tasks.BackupPayload{Source: src, Destination: dst, IfMatch: meta.ETag})
	require.NoError(t, err)
	assert.Equal(t, "contents", read(t, disk, dst))
	assert.Equal(t, int32(1), disk.copies.Load())
	assert.Equal(t, int32(0), disk.partCopies.Load())
}

func TestBackup_PartCopiesAboveThreshold(t *testing.T) {
	disk := &countingDisk{Disk: memory.New()}
	src := storage.ObjectRef{Bucket: "media", Key: "big.bin"}
	dst := storage.ObjectRef{Bucket: "backup", Key: "big.bin"}
	body := "0123456789abcdefghij"
	put(t, disk, src, body)

	def := tasks.Backup(disk, tasks.WithCopyThreshold(8), tasks.WithCopyPartSize(6), tasks.WithCopyConcurrency(2))
	err := handle(t, def, tasks.BackupPayload{Source: src, Destination: dst})
	require.NoError(t, err)

	assert.Equal(t, body, read(t, disk, dst))
	assert.Equal(t, int32(0), disk.copies.Load())
	assert.Equal(t, int32(4), disk.partCopies.Load())

	meta, err := disk.Metadata(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", meta.Mimetype)
	assert.Equal(t, "max-age=10", meta.CacheControl)
}

func TestBackup_FailedPartAborts(t *testing.T) {
	mem := memory.New()
	disk := &countingDisk{Disk: mem, failPart: 2}
	src := storage.ObjectRef{Bucket: "media", Key: "big.bin"}
	dst := storage.ObjectRef{Bucket: "backup", Key: "big.bin"}
	put(t, disk, src, "0123456789")

	def := tasks.Backup(disk, tasks.WithCopyThreshold(4), tasks.WithCopyPartSize(4))
	err := handle(t, def, tasks.BackupPayload{Source: src, Destination: dst})
	require.Error(t, err)

	var be *storage.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, storage.CodeInternal, be.Code)
	assert.Equal(t, int32(1), disk.aborts.Load())
	assert.Equal(t, 0, mem.Uploads())

	_, err = disk.Metadata(context.Background(), dst)
	assert.True(t, storage.IsNotFound(err))
}

func TestBackup_SourceChanged(t *testing.T) {
	disk := memory.New()
	src := storage.ObjectRef{Bucket: "media", Key: "doc.txt"}
	put(t, disk, src, "v1")

	err := handle(t, tasks.Backup(disk), tasks.BackupPayload{
		Source:      src,
		Destination: storage.ObjectRef{Bucket: "backup", Key: "doc.txt"},
		IfMatch:     "stale-etag",
	})
	require.Error(t, err)
	assert.Equal(t, 412, storage.StatusOf(err))
}

func TestBackup_MissingSource(t *testing.T) {
	err := handle(t, tasks.Backup(memory.New()), tasks.BackupPayload{
		Source:      storage.ObjectRef{Bucket: "media", Key: "nope"},
		Destination: storage.ObjectRef{Bucket: "backup", Key: "nope"},
	})
	assert.True(t, storage.IsNotFound(err))
}
