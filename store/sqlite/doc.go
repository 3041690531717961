// Package sqlite implements store.Store on an embedded SQLite database
// through modernc.org/sqlite, a cgo-free driver. It suits single-node
// deployments and CLI tools:
//
//	s, _ := sqlite.New(ctx, "sqlite:///var/lib/stowage/queue.db")
//	_ = s.Migrate(ctx)
//
// The schema mirrors the postgres store (stowage_jobs plus
// stowage_jobs_archive) with timestamps kept as unix nanoseconds.
// Migrations are embedded and applied by golang-migrate.
package sqlite
