package storage

import (
	"net/http"
	"strings"
	"time"
)

// Metadata defaults applied when a backend omits a field.
const (
	DefaultCacheControl = "no-cache"
	DefaultMimetype     = "application/octet-stream"
)

// ObjectMetadata is the uniform metadata shape returned by every backend.
type ObjectMetadata struct {
	CacheControl   string    `json:"cache_control"`
	Mimetype       string    `json:"mimetype"`
	ETag           string    `json:"etag"`
	LastModified   time.Time `json:"last_modified"`
	ContentLength  int64     `json:"content_length"`
	Size           int64     `json:"size"`
	ContentRange   string    `json:"content_range,omitempty"`
	HTTPStatusCode int       `json:"http_status_code"`
}

// NormalizeMetadata fills absent fields with their defaults.
func NormalizeMetadata(m ObjectMetadata) ObjectMetadata {
	if m.CacheControl == "" {
		m.CacheControl = DefaultCacheControl
	}
	if m.Mimetype == "" {
		m.Mimetype = DefaultMimetype
	}
	if m.ContentLength < 0 {
		m.ContentLength = 0
	}
	if m.Size <= 0 {
		m.Size = m.ContentLength
	}
	if m.HTTPStatusCode == 0 {
		m.HTTPStatusCode = http.StatusOK
	}
	return m
}

// ObjectKey derives the effective storage key prefix/bucket/key[@version].
// Segments are joined verbatim: dot segments in the key are never resolved,
// so a key cannot leave its bucket or prefix. An empty prefix or version is
// omitted.
func ObjectKey(prefix string, ref ObjectRef) string {
	var b strings.Builder
	if p := strings.Trim(prefix, "/"); p != "" {
		b.WriteString(p)
		b.WriteByte('/')
	}
	b.WriteString(ref.Bucket)
	b.WriteByte('/')
	b.WriteString(strings.TrimPrefix(ref.Key, "/"))
	if ref.Version != "" {
		b.WriteByte('@')
		b.WriteString(ref.Version)
	}
	return b.String()
}
