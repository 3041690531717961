package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
)

// leaseScript moves due jobs from the scheduled set to the ready set, then
// pops up to limit ready jobs into the active set. Running it as one script
// guarantees a job is leased by exactly one caller.
//
// KEYS: scheduled, ready, active. ARGV: now (ms), limit, job key prefix.
var leaseScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
	local prio = tonumber(redis.call('HGET', ARGV[3] .. id, 'priority') or '0')
	local start = redis.call('ZSCORE', KEYS[1], id)
	redis.call('ZADD', KEYS[2], -prio * 1e13 + tonumber(start), id)
	redis.call('ZREM', KEYS[1], id)
end
local popped = redis.call('ZPOPMIN', KEYS[2], ARGV[2])
local ids = {}
for i = 1, #popped, 2 do
	table.insert(ids, popped[i])
	redis.call('ZADD', KEYS[3], ARGV[1], popped[i])
end
return ids
`)

// Send stores the job Hash and schedules it on its queue.
func (s *Store) Send(ctx context.Context, r *job.Record) error {
	jID := r.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("stowage/redis: send check exists: %w", err)
	}
	if exists > 0 {
		return stowage.ErrJobAlreadyExists
	}

	fields, err := recordToMap(r)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, queuesKey, r.Queue)
	pipe.ZAdd(ctx, scheduledKey(r.Queue), goredis.Z{Score: float64(r.StartAfter.UnixMilli()), Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stowage/redis: send job: %w", err)
	}
	return nil
}

// Fetch leases up to limit jobs from queue.
func (s *Store) Fetch(ctx context.Context, queue string, limit int) ([]*job.Job, error) {
	now := time.Now().UTC()

	ids, err := leaseScript.Run(ctx, s.client,
		[]string{scheduledKey(queue), readyKey(queue), activeKey},
		now.UnixMilli(), limit, jobKeyPrefix,
	).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("stowage/redis: lease jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		r, getErr := s.getRecord(ctx, jID)
		if getErr != nil {
			return nil, getErr
		}
		if leaseErr := r.Lease(now); leaseErr != nil {
			// Cancelled by maintenance between scheduling and lease.
			s.client.ZRem(ctx, activeKey, jID)
			continue
		}
		if err := s.saveRecord(ctx, s.client, r); err != nil {
			return nil, err
		}
		j := r.Job
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// Complete acknowledges an active job.
func (s *Store) Complete(ctx context.Context, jobID id.JobID) error {
	return s.update(ctx, jobID.String(), func(r *job.Record, now time.Time) error {
		return r.Complete(now)
	})
}

// Fail records a failed attempt.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, cause error) error {
	return s.update(ctx, jobID.String(), func(r *job.Record, now time.Time) error {
		return r.Fail(now, cause)
	})
}

// GetJob retrieves a job by ID. Archived jobs keep their Hash until purged.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	return s.getRecord(ctx, jobID.String())
}

// Maintain runs one maintenance pass.
func (s *Store) Maintain(ctx context.Context, opts job.MaintenanceOptions) (job.MaintenanceResult, error) {
	var res job.MaintenanceResult

	active, err := s.client.ZRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return res, fmt.Errorf("stowage/redis: list active: %w", err)
	}
	for _, jID := range active {
		expired := false
		err := s.update(ctx, jID, func(r *job.Record, now time.Time) error {
			if !r.Expired(now) {
				return errSkip
			}
			expired = true
			return r.Fail(now, job.ErrExpired)
		})
		if err != nil && !errors.Is(err, errSkip) && !errors.Is(err, stowage.ErrJobNotFound) {
			return res, err
		}
		if expired {
			res.Expired++
		}
	}

	queues, err := s.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return res, fmt.Errorf("stowage/redis: list queues: %w", err)
	}
	for _, q := range queues {
		n, err := s.dropStale(ctx, q)
		if err != nil {
			return res, err
		}
		res.Dropped += n
	}

	now := time.Now().UTC()

	cutoff := now.Add(-opts.ArchiveCompletedAfter).UnixMilli()
	done, err := s.client.ZRangeByScore(ctx, finishedKey, &goredis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return res, fmt.Errorf("stowage/redis: list finished: %w", err)
	}
	if len(done) > 0 {
		pipe := s.client.TxPipeline()
		for _, jID := range done {
			pipe.ZRem(ctx, finishedKey, jID)
			pipe.ZAdd(ctx, archiveKey, goredis.Z{Score: float64(now.UnixMilli()), Member: jID})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return res, fmt.Errorf("stowage/redis: archive jobs: %w", err)
		}
		res.Archived = int64(len(done))
	}

	cutoff = now.Add(-opts.DeleteAfter).UnixMilli()
	old, err := s.client.ZRangeByScore(ctx, archiveKey, &goredis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return res, fmt.Errorf("stowage/redis: list archive: %w", err)
	}
	if len(old) > 0 {
		pipe := s.client.TxPipeline()
		for _, jID := range old {
			pipe.Del(ctx, jobKey(jID))
			pipe.ZRem(ctx, archiveKey, jID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return res, fmt.Errorf("stowage/redis: purge archive: %w", err)
		}
		res.Deleted = int64(len(old))
	}
	return res, nil
}

var errSkip = errors.New("skip")

// dropStale cancels unstarted jobs on queue that outlived their retention.
func (s *Store) dropStale(ctx context.Context, queue string) (int64, error) {
	var dropped int64
	for _, set := range []string{scheduledKey(queue), readyKey(queue)} {
		ids, err := s.client.ZRange(ctx, set, 0, -1).Result()
		if err != nil {
			return dropped, fmt.Errorf("stowage/redis: list %s: %w", set, err)
		}
		for _, jID := range ids {
			err := s.update(ctx, jID, func(r *job.Record, now time.Time) error {
				if !r.Stale(now) {
					return errSkip
				}
				r.State = job.StateCancelled
				r.CompletedAt = &now
				r.UpdatedAt = now
				return nil
			})
			switch {
			case err == nil:
				dropped++
			case errors.Is(err, errSkip), errors.Is(err, stowage.ErrJobNotFound):
			default:
				return dropped, err
			}
		}
	}
	return dropped, nil
}

// update applies fn to the record under WATCH and re-indexes it according
// to its new state.
func (s *Store) update(ctx context.Context, jID string, fn func(*job.Record, time.Time) error) error {
	key := jobKey(jID)
	txf := func(tx *goredis.Tx) error {
		r, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := fn(r, now); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if err := s.saveRecord(ctx, pipe, r); err != nil {
				return err
			}
			pipe.ZRem(ctx, activeKey, jID)
			pipe.ZRem(ctx, readyKey(r.Queue), jID)
			pipe.ZRem(ctx, scheduledKey(r.Queue), jID)
			switch {
			case r.State == job.StateActive:
				pipe.ZAdd(ctx, activeKey, goredis.Z{Score: float64(now.UnixMilli()), Member: jID})
			case r.Finished():
				pipe.ZAdd(ctx, finishedKey, goredis.Z{Score: float64(r.CompletedAt.UnixMilli()), Member: jID})
			default:
				pipe.ZAdd(ctx, scheduledKey(r.Queue), goredis.Z{Score: float64(r.StartAfter.UnixMilli()), Member: jID})
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("stowage/redis: update job %s: too much contention", jID)
}

func (s *Store) getRecord(ctx context.Context, jID string) (*job.Record, error) {
	return readRecord(ctx, s.client, jobKey(jID))
}

func (s *Store) saveRecord(ctx context.Context, c goredis.Cmdable, r *job.Record) error {
	fields, err := recordToMap(r)
	if err != nil {
		return err
	}
	return c.HSet(ctx, jobKey(r.ID.String()), fields).Err()
}

func readRecord(ctx context.Context, c goredis.Cmdable, key string) (*job.Record, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("stowage/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, stowage.ErrJobNotFound
	}
	var r job.Record
	if err := json.Unmarshal([]byte(vals["data"]), &r); err != nil {
		return nil, fmt.Errorf("stowage/redis: decode job: %w", err)
	}
	return &r, nil
}

// recordToMap stores the full record as JSON plus the fields the lease
// script and operators need to read without decoding.
func recordToMap(r *job.Record) (map[string]interface{}, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("stowage/redis: encode job: %w", err)
	}
	return map[string]interface{}{
		"data":     string(data),
		"queue":    r.Queue,
		"state":    string(r.State),
		"priority": strconv.Itoa(r.Priority),
	}, nil
}
