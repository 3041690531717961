// Package setup builds the runtime pieces named by a stowage.Config: the
// queue connector handed to the engine and the storage Disk the tasks
// operate on.
package setup

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/storage"
	memdisk "github.com/xraph/stowage/storage/memory"
	"github.com/xraph/stowage/storage/s3"
	"github.com/xraph/stowage/store"
	"github.com/xraph/stowage/store/memory"
	"github.com/xraph/stowage/store/postgres"
	redisstore "github.com/xraph/stowage/store/redis"
	"github.com/xraph/stowage/store/sqlite"
)

// Connector opens the queue named by params.URL using the default logger.
// It satisfies store.Connector.
func Connector(ctx context.Context, params store.ConnectionParams) (store.Store, error) {
	return NewConnector(slog.Default())(ctx, params)
}

// NewConnector returns a store.Connector that picks the backend from the
// URL scheme: postgres/postgresql, redis/rediss, sqlite or memory.
func NewConnector(logger *slog.Logger) store.Connector {
	return func(ctx context.Context, params store.ConnectionParams) (store.Store, error) {
		scheme, err := schemeOf(params.URL)
		if err != nil {
			return nil, err
		}

		var st store.Store
		switch scheme {
		case "postgres", "postgresql":
			opts := []postgres.Option{postgres.WithLogger(logger)}
			if params.MaxConnections > 0 {
				opts = append(opts, postgres.WithMaxConns(int32(params.MaxConnections))) //nolint:gosec // bounded by config
			}
			st, err = postgres.New(ctx, params.URL, opts...)
			if err != nil {
				return nil, err
			}
		case "redis", "rediss":
			ropts, perr := goredis.ParseURL(params.URL)
			if perr != nil {
				return nil, fmt.Errorf("stowage/setup: parse redis url: %w", perr)
			}
			if params.MaxConnections > 0 {
				ropts.PoolSize = params.MaxConnections
			}
			st = redisstore.New(goredis.NewClient(ropts), redisstore.WithLogger(logger), redisstore.WithOwnedClient())
		case "sqlite":
			st, err = sqlite.New(ctx, params.URL, sqlite.WithLogger(logger))
			if err != nil {
				return nil, err
			}
		case "memory":
			st = memory.New()
		default:
			return nil, fmt.Errorf("stowage/setup: unsupported queue scheme %q: %w", scheme, stowage.ErrConfiguration)
		}

		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("stowage/setup: ping %s: %w", scheme, err)
		}
		logger.Info("queue connected", slog.String("backend", scheme))
		return st, nil
	}
}

func schemeOf(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("stowage/setup: empty queue url: %w", stowage.ErrConfiguration)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("stowage/setup: parse queue url: %w", err)
	}
	return strings.ToLower(u.Scheme), nil
}

// NewDisk builds the storage backend selected by cfg.Backend.
func NewDisk(cfg stowage.StorageConfig, logger *slog.Logger) (storage.Disk, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "s3":
		return s3.New(s3.Config{
			Bucket:     cfg.Bucket,
			Endpoint:   cfg.Endpoint,
			Region:     cfg.Region,
			KeyPrefix:  cfg.KeyPrefix,
			PathStyle:  cfg.PathStyle,
			UseSSL:     cfg.UseSSL,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
			RoleARN:    cfg.RoleARN,
			MaxSockets: cfg.MaxSockets,
		}, s3.WithLogger(logger))
	case "memory":
		return memdisk.New(memdisk.WithKeyPrefix(cfg.KeyPrefix)), nil
	default:
		return nil, fmt.Errorf("stowage/setup: unsupported storage backend %q: %w", cfg.Backend, stowage.ErrConfiguration)
	}
}
