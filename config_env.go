package stowage

import (
	"os"
	"strconv"
	"time"
)

// ConfigFromEnv overlays STOWAGE_* environment variables onto cfg.
// Unparseable values are ignored and the existing setting is kept.
func ConfigFromEnv(cfg *Config) {
	envString("STOWAGE_QUEUE_URL", &cfg.QueueURL)
	envString("STOWAGE_TENANT_QUEUE_URL", &cfg.TenantQueueURL)
	envBool("STOWAGE_MULTI_TENANT", &cfg.MultiTenant)
	envBool("STOWAGE_WORKERS_ENABLED", &cfg.WorkersEnabled)
	envInt("STOWAGE_MAX_CONNECTIONS", &cfg.MaxConnections)
	envInt("STOWAGE_RETRY_LIMIT", &cfg.RetryLimit)
	envDuration("STOWAGE_RETRY_DELAY", &cfg.RetryDelay)
	envBool("STOWAGE_RETRY_BACKOFF", &cfg.RetryBackoff)
	envDuration("STOWAGE_RETRY_DELAY_MAX", &cfg.RetryDelayMax)
	envDuration("STOWAGE_EXPIRE_IN", &cfg.ExpireIn)
	envDuration("STOWAGE_ARCHIVE_COMPLETED_AFTER", &cfg.ArchiveCompletedAfter)
	envDuration("STOWAGE_DELETE_AFTER", &cfg.DeleteAfter)
	envDuration("STOWAGE_RETENTION_PERIOD", &cfg.RetentionPeriod)
	envString("STOWAGE_MAINTENANCE_SCHEDULE", &cfg.MaintenanceSchedule)
	envDuration("STOWAGE_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	envString("STOWAGE_STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("STOWAGE_STORAGE_BUCKET", &cfg.Storage.Bucket)
	envString("STOWAGE_STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	envString("STOWAGE_STORAGE_REGION", &cfg.Storage.Region)
	envString("STOWAGE_STORAGE_KEY_PREFIX", &cfg.Storage.KeyPrefix)
	envBool("STOWAGE_STORAGE_PATH_STYLE", &cfg.Storage.PathStyle)
	envBool("STOWAGE_STORAGE_USE_SSL", &cfg.Storage.UseSSL)
	envString("STOWAGE_STORAGE_ACCESS_KEY", &cfg.Storage.AccessKey)
	envString("STOWAGE_STORAGE_SECRET_KEY", &cfg.Storage.SecretKey)
	envString("STOWAGE_STORAGE_ROLE_ARN", &cfg.Storage.RoleARN)
	envInt("STOWAGE_STORAGE_MAX_SOCKETS", &cfg.Storage.MaxSockets)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
