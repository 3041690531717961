// Package tasks holds the object-storage task definitions served by the
// dispatcher. Each constructor binds a handler to a storage.Disk and
// returns a job.Definition ready for job.Register or engine.Register.
package tasks
