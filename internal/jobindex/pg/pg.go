// Package pg implements jobindex.Index for managed mode, backed by Postgres
// via jackc/pgx/v5's database/sql driver. Plain SQL, no ORM. The schema is
// owned by migrations/, applied externally via golang-migrate
// (cmd/migrate.go) rather than by this package; it only reads and writes
// rows.
package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/zfonlyone/tg-export/internal/jobindex"
)

// Index is the managed-mode job-listing index.
type Index struct {
	db *sql.DB
}

// Open connects to Postgres at dsn. Assumes migrations/ has already been
// applied (cmd/migrate.go).
func Open(dsn string) (*Index, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres job index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres job index: %w", err)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, user_key = EXCLUDED.user_key, state = EXCLUDED.state,
			totals = EXCLUDED.totals, processed = EXCLUDED.processed,
			last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.Name, rec.UserKey, rec.State, totals, processed, rec.LastError, updatedAt)
	return err
}

func (ix *Index) Delete(id string) error {
	_, err := ix.db.Exec(`DELETE FROM job_index WHERE id = $1`, id)
	return err
}

func (ix *Index) List(userKey string) ([]jobindex.Record, error) {
	var rows *sql.Rows
	var err error
	if userKey != "" {
		rows, err = ix.db.Query(`SELECT id, name, user_key, state, totals, processed, last_error, updated_at
			FROM job_index WHERE user_key = $1 ORDER BY updated_at DESC`, userKey)
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
