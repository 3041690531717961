package s3

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
)

// objectAPI is the slice of the S3 wire protocol the Disk uses. It is
// satisfied by coreAPI in production and by fakes in tests.
type objectAPI interface {
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	RemoveObjects(ctx context.Context, bucket string, keys []string) <-chan minio.RemoveObjectError
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration) (*url.URL, error)

	NewMultipartUpload(ctx context.Context, bucket, key string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, size int64) (minio.ObjectPart, error)
	CopyObjectPart(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey, uploadID string, partNumber int, offset, length int64) (minio.CompletePart, error)
	ListObjectParts(ctx context.Context, bucket, key, uploadID string) ([]minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// coreAPI adapts *minio.Core to objectAPI.
type coreAPI struct {
	core *minio.Core
}

func (c coreAPI) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, error) {
	obj, err := c.core.Client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, minio.ObjectInfo{}, err
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, minio.ObjectInfo{}, err
	}
	return obj, info, nil
}

func (c coreAPI) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.core.Client.PutObject(ctx, bucket, key, body, size, opts)
}

func (c coreAPI) StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error) {
	return c.core.Client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
}

func (c coreAPI) RemoveObject(ctx context.Context, bucket, key string) error {
	return c.core.Client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

func (c coreAPI) RemoveObjects(ctx context.Context, bucket string, keys []string) <-chan minio.RemoveObjectError {
	objects := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objects <- minio.ObjectInfo{Key: k}
	}
	close(objects)
	return c.core.Client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{})
}

func (c coreAPI) CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	return c.core.Client.CopyObject(ctx, dst, src)
}

func (c coreAPI) PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration) (*url.URL, error) {
	return c.core.Client.PresignedGetObject(ctx, bucket, key, expiry, nil)
}

func (c coreAPI) NewMultipartUpload(ctx context.Context, bucket, key string, opts minio.PutObjectOptions) (string, error) {
	return c.core.NewMultipartUpload(ctx, bucket, key, opts)
}

func (c coreAPI) PutObjectPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, size int64) (minio.ObjectPart, error) {
	return c.core.PutObjectPart(ctx, bucket, key, uploadID, partNumber, body, size, minio.PutObjectPartOptions{})
}

func (c coreAPI) CopyObjectPart(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey, uploadID string, partNumber int, offset, length int64) (minio.CompletePart, error) {
	return c.core.CopyObjectPart(ctx, srcBucket, srcKey, dstBucket, dstKey, uploadID, partNumber, offset, length, nil)
}

// ListObjectParts pages through the backend's part list.
func (c coreAPI) ListObjectParts(ctx context.Context, bucket, key, uploadID string) ([]minio.ObjectPart, error) {
	var (
		parts  []minio.ObjectPart
		marker int
	)
	for {
		res, err := c.core.ListObjectParts(ctx, bucket, key, uploadID, marker, 1000)
		if err != nil {
			return nil, err
		}
		parts = append(parts, res.ObjectParts...)
		if !res.IsTruncated {
			return parts, nil
		}
		marker = res.NextPartNumberMarker
	}
}

func (c coreAPI) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, parts, opts)
}

func (c coreAPI) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return c.core.AbortMultipartUpload(ctx, bucket, key, uploadID)
}
