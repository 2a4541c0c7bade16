// Package sqlite implements jobindex.Index for standalone mode, backed by
// modernc.org/sqlite so the default deployment needs no cgo and no external
// database.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zfonlyone/tg-export/internal/jobindex"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_index (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	user_key    TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	totals      TEXT NOT NULL DEFAULT '{}',
	processed   TEXT NOT NULL DEFAULT '{}',
	last_error  TEXT NOT NULL DEFAULT '',
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS job_index_user_key ON job_index(user_key);
`

// Index is the standalone-mode job-listing index.
type Index struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite database file at path and ensures the
// job_index table exists.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite job index: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create job_index schema: %w", err)
	}
	return &Index{db: db}, nil
}

func (ix *Index) Upsert(rec jobindex.Record) error {
	totals, err := json.Marshal(rec.Totals)
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}
	processed, err := json.Marshal(rec.Processed)
	if err != nil {
		return fmt.Errorf("marshal processed: %w", err)
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = ix.db.Exec(`
		INSERT INTO job_index (id, name, user_key, state, totals, processed, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, user_key=excluded.user_key, state=excluded.state,
			totals=excluded.totals, processed=excluded.processed,
			last_error=excluded.last_error, updated_at=excluded.updated_at
	`, rec.ID, rec.Name, rec.UserKey, rec.State, totals, processed, rec.LastError, updatedAt)
	return err
}

func (ix *Index) Delete(id string) error {
	_, err := ix.db.Exec(`DELETE FROM job_index WHERE id = ?`, id)
	return err
}

func (ix *Index) List(userKey string) ([]jobindex.Record, error) {
	var rows *sql.Rows
	var err error
	if userKey != "" {
		rows, err = ix.db.Query(`SELECT id, name, user_key, state, totals, processed, last_error, updated_at
			FROM job_index WHERE user_key = ? ORDER BY updated_at DESC`, userKey)
	} else {
		rows, err = ix.db.Query(`SELECT id, name, user_key, state, totals, processed, last_error, updated_at
			FROM job_index ORDER BY updated_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobindex.Record
	for rows.Next() {
		var rec jobindex.Record
		var totals, processed []byte
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.UserKey, &rec.State, &totals, &processed, &rec.LastError, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(totals, &rec.Totals)
		json.Unmarshal(processed, &rec.Processed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (ix *Index) Close() error { return ix.db.Close() }
