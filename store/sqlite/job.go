package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/xraph/stowage"
	"github.com/xraph/stowage/id"
	"github.com/xraph/stowage/job"
)

// Timestamps are stored as UTC unix nanoseconds.

const recordColumns = `
	id, queue, payload, state, priority,
	retry_limit, retry_count, retry_delay, retry_backoff, retry_delay_max,
	expire_in, last_error, start_after, started_at, completed_at, keep_until,
	created_at, updated_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Send persists a new job in created state.
func (s *Store) Send(ctx context.Context, r *job.Record) error {
	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stowage_jobs (`+recordColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Queue, payload, string(r.State), r.Priority,
		r.RetryLimit, r.RetryCount, int64(r.RetryDelay), r.RetryBackoff, int64(r.RetryDelayMax),
		int64(r.ExpireIn), r.LastError, nanos(r.StartAfter), nullNanos(r.StartedAt), nullNanos(r.CompletedAt),
		zeroNull(r.KeepUntil), nanos(r.CreatedAt), nanos(r.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stowage.ErrJobAlreadyExists
		}
		return fmt.Errorf("stowage/sqlite: send job: %w", err)
	}
	return nil
}

type leased struct {
	job        *job.Job
	priority   int
	startAfter int64
	createdAt  int64
}

// Fetch leases up to limit jobs from queue in one UPDATE ... RETURNING
// statement. SQLite serializes writers, so two pollers never lease the
// same job.
func (s *Store) Fetch(ctx context.Context, queue string, limit int) ([]*job.Job, error) {
	now := nanos(time.Now())
	rows, err := s.db.QueryContext(ctx, `
		UPDATE stowage_jobs
		SET state = 'active', started_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM stowage_jobs
			WHERE queue = ?
			  AND state IN ('created', 'retry')
			  AND start_after <= ?
			ORDER BY priority DESC, start_after ASC, created_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, priority, start_after, created_at`,
		now, now, queue, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("stowage/sqlite: fetch jobs: %w", err)
	}
	defer rows.Close()

	var batch []leased
	for rows.Next() {
		var (
			l     leased
			j     job.Job
			idStr string
		)
		if err := rows.Scan(&idStr, &j.Queue, &j.Payload, &l.priority, &l.startAfter, &l.createdAt); err != nil {
			return nil, fmt.Errorf("stowage/sqlite: scan leased job: %w", err)
		}
		if j.ID, err = id.ParseJobID(idStr); err != nil {
			return nil, fmt.Errorf("stowage/sqlite: parse job id %q: %w", idStr, err)
		}
		l.job = &j
		batch = append(batch, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stowage/sqlite: iterate leased jobs: %w", err)
	}

	// RETURNING rows come back in no particular order.
	sort.SliceStable(batch, func(a, b int) bool {
		x, y := batch[a], batch[b]
		if x.priority != y.priority {
			return x.priority > y.priority
		}
		if x.startAfter != y.startAfter {
			return x.startAfter < y.startAfter
		}
		return x.createdAt < y.createdAt
	})
	jobs := make([]*job.Job, len(batch))
	for i, l := range batch {
		jobs[i] = l.job
	}
	return jobs, nil
}

// Complete acknowledges an active job.
func (s *Store) Complete(ctx context.Context, jobID id.JobID) error {
	now := nanos(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE stowage_jobs
		SET state = 'completed', completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'active'`,
		now, now, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("stowage/sqlite: complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return missOrInvalid(ctx, s.db, jobID)
	}
	return nil
}

// Fail records a failed attempt inside a transaction while Record.Fail
// computes the next state.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, cause error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stowage/sqlite: begin fail: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	r, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM stowage_jobs WHERE id = ?`, jobID.String()))
	if err != nil {
		if isNoRows(err) {
			return stowage.ErrJobNotFound
		}
		return fmt.Errorf("stowage/sqlite: load job: %w", err)
	}

	if err := r.Fail(time.Now().UTC(), cause); err != nil {
		return err
	}
	if err := updateRecord(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stowage/sqlite: commit fail: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID, falling back to the archive.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM stowage_jobs WHERE id = ?1
		UNION ALL
		SELECT `+recordColumns+` FROM stowage_jobs_archive WHERE id = ?1
		LIMIT 1`,
		jobID.String(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, stowage.ErrJobNotFound
		}
		return nil, fmt.Errorf("stowage/sqlite: get job: %w", err)
	}
	return r, nil
}

// Maintain runs one maintenance pass in a single transaction.
func (s *Store) Maintain(ctx context.Context, opts job.MaintenanceOptions) (job.MaintenanceResult, error) {
	var res job.MaintenanceResult
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("stowage/sqlite: begin maintenance: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if res.Expired, err = expireActive(ctx, tx, now); err != nil {
		return res, err
	}

	out, err := tx.ExecContext(ctx, `
		UPDATE stowage_jobs
		SET state = 'cancelled', completed_at = ?1, updated_at = ?1
		WHERE state IN ('created', 'retry')
		  AND keep_until IS NOT NULL
		  AND keep_until < ?1`,
		nanos(now),
	)
	if err != nil {
		return res, fmt.Errorf("stowage/sqlite: drop stale jobs: %w", err)
	}
	res.Dropped, _ = out.RowsAffected()

	cutoff := nanos(now.Add(-opts.ArchiveCompletedAfter))
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO stowage_jobs_archive
		SELECT `+recordColumns+`, ?1 FROM stowage_jobs
		WHERE state IN ('completed', 'failed', 'cancelled')
		  AND completed_at <= ?2`,
		nanos(now), cutoff,
	); err != nil {
		return res, fmt.Errorf("stowage/sqlite: archive jobs: %w", err)
	}
	out, err = tx.ExecContext(ctx, `
		DELETE FROM stowage_jobs
		WHERE state IN ('completed', 'failed', 'cancelled')
		  AND completed_at <= ?`,
		cutoff,
	)
	if err != nil {
		return res, fmt.Errorf("stowage/sqlite: archive jobs: %w", err)
	}
	res.Archived, _ = out.RowsAffected()

	out, err = tx.ExecContext(ctx,
		`DELETE FROM stowage_jobs_archive WHERE archived_at <= ?`,
		nanos(now.Add(-opts.DeleteAfter)),
	)
	if err != nil {
		return res, fmt.Errorf("stowage/sqlite: purge archive: %w", err)
	}
	res.Deleted, _ = out.RowsAffected()

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("stowage/sqlite: commit maintenance: %w", err)
	}
	return res, nil
}

// expireActive fails every active job whose lease outlived expire_in.
func expireActive(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM stowage_jobs
		WHERE state = 'active'
		  AND expire_in > 0
		  AND started_at + expire_in < ?`,
		nanos(now),
	)
	if err != nil {
		return 0, fmt.Errorf("stowage/sqlite: select expired jobs: %w", err)
	}
	expired, err := collectRecords(rows)
	if err != nil {
		return 0, err
	}

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
func updateRecord(ctx context.Context, q querier, r *job.Record) error {
	_, err := q.ExecContext(ctx, `
		UPDATE stowage_jobs SET
			state = ?, retry_count = ?, last_error = ?,
			start_after = ?, started_at = ?, completed_at = ?,
			updated_at = ?
		WHERE id = ?`,
		string(r.State), r.RetryCount, r.LastError,
		nanos(r.StartAfter), nullNanos(r.StartedAt), nullNanos(r.CompletedAt),
		nanos(r.UpdatedAt), r.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("stowage/sqlite: update job: %w", err)
	}
	return nil
}

// missOrInvalid distinguishes an unknown job from one in the wrong state.
func missOrInvalid(ctx context.Context, q querier, jobID id.JobID) error {
	var state string
	err := q.QueryRowContext(ctx,
		`SELECT state FROM stowage_jobs WHERE id = ?`, jobID.String(),
	).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return stowage.ErrJobNotFound
		}
		return fmt.Errorf("stowage/sqlite: lookup job: %w", err)
	}
	return fmt.Errorf("job %s in state %s: %w", jobID, state, stowage.ErrInvalidState)
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a single job row.
func scanRecord(row scanner) (*job.Record, error) {
	var (
		r                                 job.Record
		idStr, stateStr                   string
		retryDelay, delayMax, expireIn    int64
		startAfter, createdAt, updatedAt  int64
		startedAt, completedAt, keepUntil sql.NullInt64
	)
	err := row.Scan(
		&idStr, &r.Queue, &r.Payload, &stateStr, &r.Priority,
		&r.RetryLimit, &r.RetryCount, &retryDelay, &r.RetryBackoff, &delayMax,
		&expireIn, &r.LastError, &startAfter, &startedAt, &completedAt, &keepUntil,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("stowage/sqlite: parse job id %q: %w", idStr, parseErr)
	}
	r.ID = parsedID
	r.State = job.State(stateStr)
	r.RetryDelay = time.Duration(retryDelay)
	r.RetryDelayMax = time.Duration(delayMax)
	r.ExpireIn = time.Duration(expireIn)
	r.StartAfter = fromNanos(startAfter)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	if startedAt.Valid {
		t := fromNanos(startedAt.Int64)
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		r.CompletedAt = &t
	}
	if keepUntil.Valid {
		r.KeepUntil = fromNanos(keepUntil.Int64)
	}
	return &r, nil
}

// collectRecords collects all records from query rows.
func collectRecords(rows *sql.Rows) ([]*job.Record, error) {
	defer rows.Close()
	var records []*job.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("stowage/sqlite: scan job row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stowage/sqlite: iterate job rows: %w", err)
	}
	return records, nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

// zeroNull maps the zero time to NULL.
func zeroNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return nullNanos(&t)
}
