package s3

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // test ETags
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
)

// fakeAPI is an in-memory objectAPI speaking minio's error shapes.
type fakeAPI struct {
	mu      sync.Mutex
	objects map[string]*fakeObject
	uploads map[string]*fakeUpload
	nextID  int

	puts      int
	creates   int
	aborts    int
	noUpload  bool
	failPart  int
	blockPart int
}

type fakeObject struct {
	data         []byte
	contentType  string
	cacheControl string
	etag         string
	modified     time.Time
}

type fakeUpload struct {
	key   string
	opts  minio.PutObjectOptions
	parts map[int][]byte
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string]*fakeObject{}, uploads: map[string]*fakeUpload{}}
}

func objKey(bucket, key string) string { return bucket + "|" + key }

func md5hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec // test ETags
	return hex.EncodeToString(sum[:])
}

func errResp(status int, code string) error {
	return minio.ErrorResponse{StatusCode: status, Code: code, Message: code}
}

func (f *fakeAPI) info(key string, o *fakeObject, size int64) minio.ObjectInfo {
	h := http.Header{}
	if o.cacheControl != "" {
		h.Set("Cache-Control", o.cacheControl)
	}
	return minio.ObjectInfo{
		Key:          key,
		ETag:         `"` + o.etag + `"`,
		Size:         size,
		ContentType:  o.contentType,
		LastModified: o.modified,
		Metadata:     h,
	}
}

func (f *fakeAPI) GetObject(_ context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[objKey(bucket, key)]
	if !ok {
		return nil, minio.ObjectInfo{}, errResp(http.StatusNotFound, "NoSuchKey")
	}
	h := opts.Header()
	if inm := h.Get("If-None-Match"); inm != "" && strings.Trim(inm, `"`) == o.etag {
		return nil, minio.ObjectInfo{}, errResp(http.StatusNotModified, "")
	}
	if ims := h.Get("If-Modified-Since"); ims != "" {
		since, _ := http.ParseTime(ims)
		if !o.modified.Truncate(time.Second).After(since) {
			return nil, minio.ObjectInfo{}, errResp(http.StatusNotModified, "")
		}
	}

	data := o.data
	info := f.info(key, o, int64(len(data)))
	if rng := h.Get("Range"); rng != "" {
		spec := strings.TrimPrefix(rng, "bytes=")
		lo, hi, _ := strings.Cut(spec, "-")
		start, _ := strconv.ParseInt(lo, 10, 64)
		end := int64(len(data)) - 1
		if hi != "" {
			end, _ = strconv.ParseInt(hi, 10, 64)
		}
		info.Metadata.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		data = data[start : end+1]
		info.Size = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (f *fakeAPI) PutObject(_ context.Context, bucket, key string, body io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	o := &fakeObject{data: data, contentType: opts.ContentType, cacheControl: opts.CacheControl, etag: md5hex(data), modified: time.Now()}
	f.objects[objKey(bucket, key)] = o
	return minio.UploadInfo{Bucket: bucket, Key: key, ETag: o.etag, Size: int64(len(data))}, nil
}

func (f *fakeAPI) StatObject(_ context.Context, bucket, key string) (minio.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[objKey(bucket, key)]
	if !ok {
		return minio.ObjectInfo{}, errResp(http.StatusNotFound, "NoSuchKey")
	}
	return f.info(key, o, int64(len(o.data))), nil
}

func (f *fakeAPI) RemoveObject(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objKey(bucket, key))
	return nil
}

func (f *fakeAPI) RemoveObjects(_ context.Context, bucket string, keys []string) <-chan minio.RemoveObjectError {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan minio.RemoveObjectError, len(keys))
	for _, k := range keys {
		if strings.Contains(k, "locked") {
			ch <- minio.RemoveObjectError{ObjectName: k, Err: errResp(http.StatusForbidden, "AccessDenied")}
			continue
		}
		delete(f.objects, objKey(bucket, k))
	}
	close(ch)
	return ch
}

func (f *fakeAPI) CopyObject(_ context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[objKey(src.Bucket, src.Object)]
	if !ok {
		return minio.UploadInfo{}, errResp(http.StatusNotFound, "NoSuchKey")
	}
	modified := o.modified.Truncate(time.Second)
	failed := (src.MatchETag != "" && src.MatchETag != o.etag) ||
		(src.NoMatchETag != "" && src.NoMatchETag == o.etag) ||
		(!src.MatchModifiedSince.IsZero() && !modified.After(src.MatchModifiedSince)) ||
		(!src.MatchUnmodifiedSince.IsZero() && modified.After(src.MatchUnmodifiedSince))
	if failed {
		return minio.UploadInfo{}, errResp(http.StatusPreconditionFailed, "PreconditionFailed")
	}
	cp := *o
	cp.modified = time.Now()
	f.objects[objKey(dst.Bucket, dst.Object)] = &cp
	return minio.UploadInfo{ETag: `"` + cp.etag + `"`, LastModified: cp.modified}, nil
}

func (f *fakeAPI) PresignedGetObject(_ context.Context, bucket, key string, expiry time.Duration) (*url.URL, error) {
	return url.Parse(fmt.Sprintf("https://fake.local/%s/%s?X-Amz-Expires=%d", bucket, key, int(expiry.Seconds())))
}

func (f *fakeAPI) NewMultipartUpload(_ context.Context, _, key string, opts minio.PutObjectOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.noUpload {
		return "", nil
	}
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{key: key, opts: opts, parts: map[int][]byte{}}
	return id, nil
}

func (f *fakeAPI) PutObjectPart(ctx context.Context, _, key, uploadID string, partNumber int, body io.Reader, _ int64) (minio.ObjectPart, error) {
	if f.blockPart == partNumber {
		<-ctx.Done()
		return minio.ObjectPart{}, ctx.Err()
	}
	if f.failPart == partNumber {
		return minio.ObjectPart{}, errResp(http.StatusInternalServerError, "InternalError")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return minio.ObjectPart{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[uploadID]
	if !ok || up.key != key {
		return minio.ObjectPart{}, errResp(http.StatusNotFound, "NoSuchUpload")
	}
	up.parts[partNumber] = data
	return minio.ObjectPart{PartNumber: partNumber, ETag: `"` + md5hex(data) + `"`, Size: int64(len(data))}, nil
}

func (f *fakeAPI) CopyObjectPart(_ context.Context, srcBucket, srcKey, _, dstKey, uploadID string, partNumber int, offset, length int64) (minio.CompletePart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[objKey(srcBucket, srcKey)]
	if !ok {
		return minio.CompletePart{}, errResp(http.StatusNotFound, "NoSuchKey")
	}
	up, ok := f.uploads[uploadID]
	if !ok || up.key != dstKey {
		return minio.CompletePart{}, errResp(http.StatusNotFound, "NoSuchUpload")
	}
	data := o.data[offset:]
	if length >= 0 {
		data = o.data[offset : offset+length]
	}
	up.parts[partNumber] = append([]byte(nil), data...)
	return minio.CompletePart{PartNumber: partNumber, ETag: md5hex(data)}, nil
}

func (f *fakeAPI) ListObjectParts(_ context.Context, _, key, uploadID string) ([]minio.ObjectPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[uploadID]
	if !ok || up.key != key {
		return nil, errResp(http.StatusNotFound, "NoSuchUpload")
	}
	var parts []minio.ObjectPart
	for n, data := range up.parts {
		parts = append(parts, minio.ObjectPart{PartNumber: n, ETag: md5hex(data), Size: int64(len(data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (f *fakeAPI) CompleteMultipartUpload(_ context.Context, bucket, key, uploadID string, parts []minio.CompletePart, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[uploadID]
	if !ok || up.key != key {
		return minio.UploadInfo{}, errResp(http.StatusNotFound, "NoSuchUpload")
	}
	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := up.parts[p.PartNumber]
		if !ok || md5hex(data) != strings.Trim(p.ETag, `"`) {
			return minio.UploadInfo{}, errResp(http.StatusBadRequest, "InvalidPart")
		}
		buf.Write(data)
	}
	o := &fakeObject{
		data:         buf.Bytes(),
		contentType:  up.opts.ContentType,
		cacheControl: up.opts.CacheControl,
		etag:         fmt.Sprintf("%s-%d", md5hex(buf.Bytes()), len(parts)),
		modified:     time.Now(),
	}
	f.objects[objKey(bucket, key)] = o
	delete(f.uploads, uploadID)
	return minio.UploadInfo{Bucket: bucket, Key: key, ETag: `"` + o.etag + `"`, Location: "https://fake.local/" + key}, nil
}

func (f *fakeAPI) AbortMultipartUpload(_ context.Context, _, key, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	up, ok := f.uploads[uploadID]
	if !ok || up.key != key {
		return errResp(http.StatusNotFound, "NoSuchUpload")
	}
	delete(f.uploads, uploadID)
	return nil
}

func (f *fakeAPI) counts() (puts, creates, aborts, open int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts, f.creates, f.aborts, len(f.uploads)
}
