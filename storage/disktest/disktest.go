// Package disktest is a conformance suite for storage.Disk
// implementations.
package disktest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/stowage/storage"
)

// Factory returns an empty Disk for one subtest.
type Factory func(t *testing.T) storage.Disk

// Run exercises the Disk contract against disks produced by newDisk.
func Run(t *testing.T, newDisk Factory) {
	t.Run("SaveReadRoundTrip", func(t *testing.T) { testSaveRead(t, newDisk(t)) })
	t.Run("MetadataDefaults", func(t *testing.T) { testMetadataDefaults(t, newDisk(t)) })
	t.Run("ConditionalRead", func(t *testing.T) { testConditionalRead(t, newDisk(t)) })
	t.Run("RangeRead", func(t *testing.T) { testRangeRead(t, newDisk(t)) })
	t.Run("VersionedKeys", func(t *testing.T) { testVersions(t, newDisk(t)) })
	t.Run("DotSegmentsStayInBucket", func(t *testing.T) { testDotSegments(t, newDisk(t)) })
	t.Run("DeleteAndDeleteMany", func(t *testing.T) { testDelete(t, newDisk(t)) })
	t.Run("CopyConditions", func(t *testing.T) { testCopy(t, newDisk(t)) })
	t.Run("MultipartRoundTrip", func(t *testing.T) { testMultipart(t, newDisk(t)) })
	t.Run("MultipartListsPartsWhenOmitted", func(t *testing.T) { testMultipartNilParts(t, newDisk(t)) })
	t.Run("MultipartAbort", func(t *testing.T) { testMultipartAbort(t, newDisk(t)) })
	t.Run("UploadPartCopy", func(t *testing.T) { testUploadPartCopy(t, newDisk(t)) })
	t.Run("CancelledSave", func(t *testing.T) { testCancelledSave(t, newDisk(t)) })
	t.Run("SignURL", func(t *testing.T) { testSignURL(t, newDisk(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newDisk(t)) })
}

func ref(key string) storage.ObjectRef {
	return storage.ObjectRef{Bucket: "tenant-bucket", Key: key}
}

func save(t *testing.T, d storage.Disk, r storage.ObjectRef, body string) *storage.ObjectMetadata {
	t.Helper()
	meta, err := d.Save(context.Background(), r, strings.NewReader(body), "text/plain", "max-age=60")
	require.NoError(t, err)
	return meta
}

func readAll(t *testing.T, res *storage.ReadResult) string {
	t.Helper()
	require.NotNil(t, res.Body)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func testSaveRead(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	meta := save(t, d, ref("a/b.txt"), "hello world")

	assert.Equal(t, int64(11), meta.ContentLength)
	assert.Equal(t, "text/plain", meta.Mimetype)
	assert.Equal(t, "max-age=60", meta.CacheControl)
	assert.NotEmpty(t, meta.ETag)

	res, err := d.Read(ctx, ref("a/b.txt"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.HTTPStatusCode)
	assert.Equal(t, "hello world", readAll(t, res))
	assert.Equal(t, meta.ETag, res.Metadata.ETag)
}

func testMetadataDefaults(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	_, err := d.Save(ctx, ref("empty"), bytes.NewReader(nil), "", "")
	require.NoError(t, err)

	meta, err := d.Metadata(ctx, ref("empty"))
	require.NoError(t, err)
	assert.Equal(t, storage.DefaultCacheControl, meta.CacheControl)
	assert.Equal(t, storage.DefaultMimetype, meta.Mimetype)
	assert.Equal(t, int64(0), meta.ContentLength)

	res, err := d.Read(ctx, ref("empty"), nil)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, storage.DefaultCacheControl, res.Metadata.CacheControl)
	assert.Equal(t, storage.DefaultMimetype, res.Metadata.Mimetype)
}

func testConditionalRead(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	meta := save(t, d, ref("cond"), "payload")

	res, err := d.Read(ctx, ref("cond"), &storage.ReadOptions{IfNoneMatch: meta.ETag})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, res.HTTPStatusCode)
	assert.Nil(t, res.Body)

	res, err = d.Read(ctx, ref("cond"), &storage.ReadOptions{IfNoneMatch: `"something-else"`})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.HTTPStatusCode)
	assert.Equal(t, "payload", readAll(t, res))

	res, err = d.Read(ctx, ref("cond"), &storage.ReadOptions{IfModifiedSince: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, res.HTTPStatusCode)
}

func testRangeRead(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	save(t, d, ref("range"), "0123456789")

	res, err := d.Read(ctx, ref("range"), &storage.ReadOptions{Range: &storage.ByteRange{Start: 2, End: 5}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, res.HTTPStatusCode)
	assert.Equal(t, "2345", readAll(t, res))
	assert.Equal(t, int64(4), res.Metadata.ContentLength)
	assert.Equal(t, "bytes 2-5/10", res.Metadata.ContentRange)

	res, err = d.Read(ctx, ref("range"), &storage.ReadOptions{Range: &storage.ByteRange{Start: 7, End: -1}})
	require.NoError(t, err)
	assert.Equal(t, "789", readAll(t, res))
}

func testVersions(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	v1 := storage.ObjectRef{Bucket: "b", Key: "doc", Version: "v1"}
	v2 := storage.ObjectRef{Bucket: "b", Key: "doc", Version: "v2"}
	save(t, d, v1, "first")
	save(t, d, v2, "second")

	res, err := d.Read(ctx, v1, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", readAll(t, res))

	_, err = d.Metadata(ctx, storage.ObjectRef{Bucket: "b", Key: "doc"})
	assert.True(t, storage.IsNotFound(err), "unversioned key must not alias a versioned one")

	nested := storage.ObjectRef{Bucket: "b", Key: "doc/v1"}
	save(t, d, nested, "nested")
	res, err = d.Read(ctx, v1, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", readAll(t, res), "doc/v1 must not alias doc at version v1")

	require.NoError(t, d.Delete(ctx, v1))
	_, err = d.Metadata(ctx, v2)
	assert.NoError(t, err)
	_, err = d.Metadata(ctx, nested)
	assert.NoError(t, err)
}

func testDotSegments(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	target := storage.ObjectRef{Bucket: "b", Key: "x"}
	save(t, d, target, "B-DATA")

	escape := storage.ObjectRef{Bucket: "a", Key: "../b/x"}
	_, err := d.Read(ctx, escape, nil)
	assert.True(t, storage.IsNotFound(err), "a/../b/x must not resolve to b/x")
	_, err = d.Metadata(ctx, escape)
	assert.True(t, storage.IsNotFound(err))

	save(t, d, escape, "A-DATA")
	require.NoError(t, d.Delete(ctx, escape))
	require.NoError(t, d.DeleteMany(ctx, "a", []string{"../b/x", "../../x"}))

	res, err := d.Read(ctx, target, nil)
	require.NoError(t, err)
	assert.Equal(t, "B-DATA", readAll(t, res))
}

func testDelete(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	for _, k := range []string{"x/1", "x/2", "x/3"} {
		save(t, d, ref(k), k)
	}

	require.NoError(t, d.Delete(ctx, ref("x/1")))
	_, err := d.Metadata(ctx, ref("x/1"))
	assert.True(t, storage.IsNotFound(err))

	require.NoError(t, d.DeleteMany(ctx, "tenant-bucket", []string{"x/2", "x/3"}))
	for _, k := range []string{"x/2", "x/3"} {
		_, err := d.Metadata(ctx, ref(k))
		assert.True(t, storage.IsNotFound(err), k)
	}
}

func testCopy(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	meta := save(t, d, ref("src"), "copy me")

	res, err := d.Copy(ctx, ref("src"), ref("dst"), &storage.CopyConditions{IfMatch: meta.ETag})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.HTTPStatusCode)
	assert.NotEmpty(t, res.ETag)

	got, err := d.Read(ctx, ref("dst"), nil)
	require.NoError(t, err)
	assert.Equal(t, "copy me", readAll(t, got))

	_, err = d.Copy(ctx, ref("src"), ref("dst2"), &storage.CopyConditions{IfMatch: `"mismatch"`})
	require.Error(t, err)
	assert.Equal(t, http.StatusPreconditionFailed, storage.StatusOf(err))

	_, err = d.Copy(ctx, ref("src"), ref("dst3"), &storage.CopyConditions{IfNoneMatch: meta.ETag})
	assert.Equal(t, http.StatusPreconditionFailed, storage.StatusOf(err))

	_, err = d.Copy(ctx, ref("src"), ref("dst4"), &storage.CopyConditions{IfUnmodifiedSince: time.Now().Add(time.Hour)})
	assert.NoError(t, err)
}

func testMultipart(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	r := ref("big.bin")
	uploadID, err := d.CreateMultipartUpload(ctx, r, "application/zip", "")
	require.NoError(t, err)
	require.NotEmpty(t, uploadID)

	chunks := []string{strings.Repeat("a", 1024), strings.Repeat("b", 1024), "tail"}
	parts := make([]storage.Part, 0, len(chunks))
	for i, c := range chunks {
		p, err := d.UploadPart(ctx, r, uploadID, i+1, strings.NewReader(c), int64(len(c)))
		require.NoError(t, err)
		assert.Equal(t, i+1, p.PartNumber)
		parts = append(parts, *p)
	}

	done, err := d.CompleteMultipartUpload(ctx, r, uploadID, parts)
	require.NoError(t, err)
	assert.NotEmpty(t, done.ETag)

	res, err := d.Read(ctx, r, nil)
	require.NoError(t, err)
	body := readAll(t, res)
	assert.Equal(t, int64(2052), res.Metadata.ContentLength)
	assert.Equal(t, strings.Join(chunks, ""), body)
	assert.Equal(t, "application/zip", res.Metadata.Mimetype)
}

func testMultipartNilParts(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	r := ref("listed.bin")
	uploadID, err := d.CreateMultipartUpload(ctx, r, "", "")
	require.NoError(t, err)

	_, err = d.UploadPart(ctx, r, uploadID, 2, strings.NewReader("world"), 5)
	require.NoError(t, err)
	_, err = d.UploadPart(ctx, r, uploadID, 1, strings.NewReader("hello "), 6)
	require.NoError(t, err)

	_, err = d.CompleteMultipartUpload(ctx, r, uploadID, nil)
	require.NoError(t, err)

	res, err := d.Read(ctx, r, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", readAll(t, res))
}

func testMultipartAbort(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	r := ref("aborted.bin")
	uploadID, err := d.CreateMultipartUpload(ctx, r, "", "")
	require.NoError(t, err)
	_, err = d.UploadPart(ctx, r, uploadID, 1, strings.NewReader("data"), 4)
	require.NoError(t, err)

	require.NoError(t, d.AbortMultipartUpload(ctx, r, uploadID))

	_, err = d.UploadPart(ctx, r, uploadID, 2, strings.NewReader("more"), 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidUploadSession)

	_, err = d.Metadata(ctx, r)
	assert.True(t, storage.IsNotFound(err))
}

func testUploadPartCopy(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	save(t, d, ref("source"), "abcdefghij")
	dst := ref("assembled")

	uploadID, err := d.CreateMultipartUpload(ctx, dst, "text/plain", "")
	require.NoError(t, err)
	p1, err := d.UploadPartCopy(ctx, uploadID, 1, ref("source"), dst, &storage.ByteRange{Start: 0, End: 4})
	require.NoError(t, err)
	p2, err := d.UploadPartCopy(ctx, uploadID, 2, ref("source"), dst, &storage.ByteRange{Start: 5, End: 9})
	require.NoError(t, err)

	_, err = d.CompleteMultipartUpload(ctx, dst, uploadID, []storage.Part{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: p2.ETag},
	})
	require.NoError(t, err)

	res, err := d.Read(ctx, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", readAll(t, res))
}

// blockingReader yields one chunk, then blocks until ctx is cancelled.
type blockingReader struct {
	ctx  context.Context
	sent bool
}

func (b *blockingReader) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, "partial"), nil
	}
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func testCancelledSave(t *testing.T, d storage.Disk) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := d.Save(ctx, ref("cancelled"), &blockingReader{ctx: ctx}, "text/plain", "")
	require.Error(t, err)
	assert.True(t, storage.IsAborted(err))
	var be *storage.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, storage.CodeAborted, be.Code)

	_, err = d.Metadata(context.Background(), ref("cancelled"))
	assert.True(t, storage.IsNotFound(err), "no partial object may be visible")
}

func testSignURL(t *testing.T, d storage.Disk) {
	save(t, d, ref("signed"), "x")
	u, err := d.SignURL(context.Background(), ref("signed"))
	require.NoError(t, err)
	assert.Contains(t, u, "signed")
}

func testNotFound(t *testing.T, d storage.Disk) {
	ctx := context.Background()
	_, err := d.Read(ctx, ref("missing"), nil)
	assert.True(t, storage.IsNotFound(err))
	_, err = d.Metadata(ctx, ref("missing"))
	assert.True(t, storage.IsNotFound(err))
	var be *storage.BackendError
	assert.ErrorAs(t, err, &be)
}
