package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
)

const recordColumns = `
	id, queue, payload, state, priority,
	retry_limit, retry_count, retry_delay, retry_backoff, retry_delay_max,
	expire_in, last_error, start_after, started_at, completed_at, keep_until,
	created_at, updated_at`

// Send persists a new job in created state.
func (s *Store) Send(ctx context.Context, r *job.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stowage_jobs (`+recordColumns+`
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18
		)`,
		r.ID.String(), r.Queue, r.Payload, string(r.State), r.Priority,
		r.RetryLimit, r.RetryCount, r.RetryDelay.Nanoseconds(), r.RetryBackoff, r.RetryDelayMax.Nanoseconds(),
		r.ExpireIn.Nanoseconds(), r.LastError, r.StartAfter, r.StartedAt, r.CompletedAt, nullTime(r.KeepUntil),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stowage.ErrJobAlreadyExists
		}
		return fmt.Errorf("stowage/postgres: send job: %w", err)
	}
	return nil
}

// Fetch leases up to limit jobs from queue. Uses SELECT FOR UPDATE SKIP
// LOCKED so concurrent pollers never lease the same job.
func (s *Store) Fetch(ctx context.Context, queue string, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH leased AS (
			UPDATE stowage_jobs
			SET state = 'active', started_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM stowage_jobs
				WHERE queue = $1
				  AND state IN ('created', 'retry')
				  AND start_after <= NOW()
				ORDER BY priority DESC, start_after ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING id, queue, payload, priority, start_after, created_at
		)
		SELECT id, queue, payload FROM leased
		ORDER BY priority DESC, start_after ASC, created_at ASC`,
		queue, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("stowage/postgres: fetch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		var (
			j     job.Job
			idStr string
		)
		if err := rows.Scan(&idStr, &j.Queue, &j.Payload); err != nil {
			return nil, fmt.Errorf("stowage/postgres: scan leased job: %w", err)
		}
		if j.ID, err = id.ParseJobID(idStr); err != nil {
			return nil, fmt.Errorf("stowage/postgres: parse job id %q: %w", idStr, err)
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stowage/postgres: iterate leased jobs: %w", err)
	}
	return jobs, nil
}

// Complete acknowledges an active job.
func (s *Store) Complete(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stowage_jobs
		SET state = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'active'`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("stowage/postgres: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrInvalid(ctx, jobID)
	}
	return nil
}

// Fail records a failed attempt. The row is locked while Record.Fail
// computes the next state.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, cause error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("stowage/postgres: begin fail: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	r, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM stowage_jobs WHERE id = $1 FOR UPDATE`,
		jobID.String(),
	))
	if err != nil {
		if isNoRows(err) {
			return stowage.ErrJobNotFound
		}
		return fmt.Errorf("stowage/postgres: load job: %w", err)
	}

	if err := r.Fail(time.Now().UTC(), cause); err != nil {
		return err
	}
	if err := updateRecord(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("stowage/postgres: commit fail: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID, falling back to the archive.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM stowage_jobs WHERE id = $1
		UNION ALL
		SELECT `+recordColumns+` FROM stowage_jobs_archive WHERE id = $1
		LIMIT 1`,
		jobID.String(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, stowage.ErrJobNotFound
		}
		return nil, fmt.Errorf("stowage/postgres: get job: %w", err)
	}
	return r, nil
}

// Maintain runs one maintenance pass in a single transaction.
func (s *Store) Maintain(ctx context.Context, opts job.MaintenanceOptions) (job.MaintenanceResult, error) {
	var res job.MaintenanceResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("stowage/postgres: begin maintenance: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if res.Expired, err = expireActive(ctx, tx); err != nil {
		return res, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE stowage_jobs
		SET state = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE state IN ('created', 'retry')
		  AND keep_until IS NOT NULL
		  AND keep_until < NOW()`)
	if err != nil {
		return res, fmt.Errorf("stowage/postgres: drop stale jobs: %w", err)
	}
	res.Dropped = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM stowage_jobs
			WHERE state IN ('completed', 'failed', 'cancelled')
			  AND completed_at <= NOW() - make_interval(secs => $1)
			RETURNING *
		)
		INSERT INTO stowage_jobs_archive
		SELECT moved.*, NOW() FROM moved`,
		seconds(opts.ArchiveCompletedAfter),
	)
	if err != nil {
		return res, fmt.Errorf("stowage/postgres: archive jobs: %w", err)
	}
	res.Archived = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `
		DELETE FROM stowage_jobs_archive
		WHERE archived_at <= NOW() - make_interval(secs => $1)`,
		seconds(opts.DeleteAfter),
	)
	if err != nil {
		return res, fmt.Errorf("stowage/postgres: purge archive: %w", err)
	}
	res.Deleted = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("stowage/postgres: commit maintenance: %w", err)
	}
	return res, nil
}

// expireActive fails every active job whose lease outlived expire_in.
func expireActive(ctx context.Context, tx pgx.Tx) (int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+recordColumns+` FROM stowage_jobs
		WHERE state = 'active'
		  AND expire_in > 0
		  AND started_at + make_interval(secs => expire_in / 1e9) < NOW()
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return 0, fmt.Errorf("stowage/postgres: select expired jobs: %w", err)
	}
	expired, err := collectRecords(rows)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, r := range expired {
		if err := r.Fail(now, job.ErrExpired); err != nil {
			return 0, err
		}
		if err := updateRecord(ctx, tx, r); err != nil {
			return 0, err
		}
	}
	return int64(len(expired)), nil
}

// updateRecord writes the mutable bookkeeping columns of r.
func updateRecord(ctx context.Context, tx pgx.Tx, r *job.Record) error {
	_, err := tx.Exec(ctx, `
		UPDATE stowage_jobs SET
			state = $2, retry_count = $3, last_error = $4,
			start_after = $5, started_at = $6, completed_at = $7,
			updated_at = $8
		WHERE id = $1`,
		r.ID.String(), string(r.State), r.RetryCount, r.LastError,
		r.StartAfter, r.StartedAt, r.CompletedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("stowage/postgres: update job: %w", err)
	}
	return nil
}

// missOrInvalid distinguishes an unknown job from one in the wrong state.
func (s *Store) missOrInvalid(ctx context.Context, jobID id.JobID) error {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM stowage_jobs WHERE id = $1`, jobID.String(),
	).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return stowage.ErrJobNotFound
		}
		return fmt.Errorf("stowage/postgres: lookup job: %w", err)
	}
	return fmt.Errorf("job %s in state %s: %w", jobID, state, stowage.ErrInvalidState)
}

// scanRecord scans a single job row.
func scanRecord(row pgx.Row) (*job.Record, error) {
	var (
		r                              job.Record
		idStr, stateStr                string
		retryDelay, delayMax, expireIn int64
		keepUntil                      *time.Time
	)
	err := row.Scan(
		&idStr, &r.Queue, &r.Payload, &stateStr, &r.Priority,
		&r.RetryLimit, &r.RetryCount, &retryDelay, &r.RetryBackoff, &delayMax,
		&expireIn, &r.LastError, &r.StartAfter, &r.StartedAt, &r.CompletedAt, &keepUntil,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("stowage/postgres: parse job id %q: %w", idStr, parseErr)
	}
	r.ID = parsedID
	r.State = job.State(stateStr)
	r.RetryDelay = time.Duration(retryDelay)
	r.RetryDelayMax = time.Duration(delayMax)
	r.ExpireIn = time.Duration(expireIn)
	if keepUntil != nil {
		r.KeepUntil = *keepUntil
	}
	return &r, nil
}

// collectRecords collects all records from query rows.
func collectRecords(rows pgx.Rows) ([]*job.Record, error) {
	defer rows.Close()
	var records []*job.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("stowage/postgres: scan job row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stowage/postgres: iterate job rows: %w", err)
	}
	return records, nil
}
