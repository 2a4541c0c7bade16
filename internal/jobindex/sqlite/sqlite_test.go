package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/zfonlyone/tg-export/internal/jobindex"
)

func TestUpsertListDelete(t *testing.T) {
	ix, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ix.Close()

	rec := jobindex.Record{
		ID:        "job-1",
		Name:      "export-1",
		UserKey:   "alice",
		State:     "running",
		Totals:    map[string]int64{"media": 10},
		Processed: map[string]int64{"media": 3},
	}
	if err := ix.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	other := jobindex.Record{ID: "job-2", Name: "export-2", UserKey: "bob", State: "pending"}
	if err := ix.Upsert(other); err != nil {
		t.Fatalf("Upsert other: %v", err)
	}

	got, err := ix.List("alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != "job-1" {
		t.Fatalf("List(alice) = %+v, want exactly job-1", got)
	}
	if got[0].Totals["media"] != 10 {
		t.Errorf("totals not round-tripped: %+v", got[0].Totals)
	}

	all, err := ix.List("")
	if err != nil {
		t.Fatalf("List(all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List(\"\") = %d records, want 2", len(all))
	}

	rec.State = "completed"
	if err := ix.Upsert(rec); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}
	got, _ = ix.List("alice")
	if len(got) != 1 || got[0].State != "completed" {
		t.Fatalf("upsert should update in place, got %+v", got)
	}

	if err := ix.Delete("job-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ = ix.List("alice")
	if len(got) != 0 {
		t.Fatalf("after delete, List(alice) = %+v, want empty", got)
	}
}
