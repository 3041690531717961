package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/job"
	"github.com/xraph/stowage/storage"
)

// Queue names of the admin delete task.
const (
	AdminDeleteQueue     = "object-admin-delete"
	AdminDeleteSlowQueue = "object-admin-delete-slow"
)

// deleteBatchSize is the most keys one DeleteMany call carries.
const deleteBatchSize = 1000

// AdminDeletePayload names the keys to remove from one bucket.
type AdminDeletePayload struct {
	Bucket string   `json:"bucket"`
	Keys   []string `json:"keys"`
}

// AdminDelete returns the bulk delete task. Exhausted jobs move to a slow
// queue served by a single worker with a long fixed delay.
func AdminDelete(disk storage.Disk, opts ...job.Option) *job.Definition[AdminDeletePayload] {
	base := []job.Option{
		job.WithSlowRetryQueue(AdminDeleteSlowQueue),
		job.WithConcurrency(4),
		job.WithSlowRetrySend(job.WithRetryLimit(5), job.WithRetryDelay(5*time.Minute), job.WithRetryBackoff(false)),
	}
	return job.NewDefinition(AdminDeleteQueue, func(ctx context.Context, p AdminDeletePayload) error {
		return deleteKeys(ctx, disk, p)
	}, append(base, opts...)...)
}

func deleteKeys(ctx context.Context, disk storage.Disk, p AdminDeletePayload) error {
	if p.Bucket == "" {
		return fmt.Errorf("tasks: admin delete: empty bucket: %w", stowage.ErrConfiguration)
	}

	var result *multierror.Error
	for start := 0; start < len(p.Keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(p.Keys))
		if err := disk.DeleteMany(ctx, p.Bucket, p.Keys[start:end]); err != nil {
			if storage.IsAborted(err) {
				return err
			}
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
