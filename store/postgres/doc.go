// Package postgres implements store.Store on PostgreSQL using pgx/v5.
//
// Jobs live in stowage_jobs; maintenance moves finished jobs to
// stowage_jobs_archive. Leasing uses SELECT ... FOR UPDATE SKIP LOCKED so
// any number of worker processes can poll the same queue. The schema is
// managed by golang-migrate from SQL files embedded in the binary.
package postgres
