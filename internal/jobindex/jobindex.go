// Package jobindex implements a queryable listing index mirroring each job's
// job.json together with the job's owning user key. The Resume Store's
// on-disk tree remains the crash-safe source of truth for job state; the
// user key is recorded only here, and the engine reads it when rehydrating
// jobs. The GET /api/export/tasks endpoint lists from the engine's
// in-memory registry, not from this index. One interface, two backends
// selected by run mode.
package jobindex

import "time"

// Record is one job's listing row.
type Record struct {
	ID         string
	Name       string
	UserKey    string
	State      string
	Totals     map[string]int64
	Processed  map[string]int64
	LastError  string
	UpdatedAt  time.Time
}

// Index is the job-listing index contract. Implementations: sqlite
// (standalone mode) and pg (managed mode), selected by
// config.DatabaseConfig.Mode.
type Index interface {
	// Upsert records or updates one job's listing row.
	Upsert(rec Record) error

	// Delete removes a job's listing row.
	Delete(id string) error

	// List returns every job belonging to userKey, newest first. An empty
	// userKey lists every job in the index (administrative/CLI use).
	List(userKey string) ([]Record, error)

	// Close releases the underlying connection.
	Close() error
}
