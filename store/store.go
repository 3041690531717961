package store

import (
	"context"
	"time"

	"github.com/xraph/stowage/job"
)

// Store is a connection to the durable queue.
type Store interface {
	job.Store

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection. In-flight calls may fail afterwards.
	Close() error
}

// ConnectionParams are the fixed operational parameters a queue connection
// is opened with.
type ConnectionParams struct {
	// URL is the resolved connection target.
	URL string

	// MaxConnections bounds the connection pool.
	MaxConnections int

	ArchiveCompletedAfter time.Duration
	DeleteAfter           time.Duration
	RetentionPeriod       time.Duration

	RetryLimit    int
	RetryDelay    time.Duration
	RetryBackoff  bool
	RetryDelayMax time.Duration
	ExpireIn      time.Duration
}

// Connector opens a queue connection. It must return an error rather
// than a half-open Store when the initial connect fails.
type Connector func(ctx context.Context, params ConnectionParams) (Store, error)
