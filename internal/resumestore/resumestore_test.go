package resumestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zfonlyone/tg-export/internal/model"
)

func TestSaveLoadJobRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	desc := JobDescriptor{
		ID:     "job-1",
		Name:   "export-1",
		State:  "running",
		Totals: map[string]int64{"messages": 10},
	}
	if err := store.SaveJob(desc); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	loaded, err := store.LoadJob("job-1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if loaded.Name != "export-1" || loaded.Totals["messages"] != 10 {
		t.Fatalf("unexpected loaded descriptor: %+v", loaded)
	}
}

func TestSaveLoadQueueRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)

	items := []model.MediaItem{
		{ID: model.ItemID{JobID: "job-1", ChatID: 1, MessageID: 2}, Size: 10, Status: model.StatusWaiting},
	}
	if err := store.SaveQueue("job-1", items); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}
	loaded, err := store.LoadQueue("job-1")
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Status != model.StatusWaiting {
		t.Fatalf("unexpected loaded queue: %+v", loaded)
	}
}

func TestLoadQueueMissingReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)

	items, err := store.LoadQueue("does-not-exist")
	if err != nil {
		t.Fatalf("expected no error for missing queue, got %v", err)
	}
	if items != nil {
		t.Fatalf("expected nil items, got %+v", items)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)

	if id, err := store.LoadCursor("job-1", 42); err != nil || id != 0 {
		t.Fatalf("expected zero cursor before first save, got %d err=%v", id, err)
	}
	if err := store.SaveCursor("job-1", 42, 12345); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	id, err := store.LoadCursor("job-1", 42)
	if err != nil {
		t.Fatalf("LoadCursor: %v", err)
	}
	if id != 12345 {
		t.Fatalf("expected cursor 12345, got %d", id)
	}
}

func TestAppendMessageAppendsNdjsonLines(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)

	rec := model.MessageRecord{ID: 1, ChatID: 42, Text: "hello"}
	if err := store.AppendMessage("job-1", 42, rec); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	rec2 := model.MessageRecord{ID: 2, ChatID: 42, Text: "world"}
	if err := store.AppendMessage("job-1", 42, rec2); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	path := filepath.Join(dir, "jobs", "job-1", "messages", "42.ndjson")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ndjson: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}
}

func TestDeleteRemovesJobDirectory(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)
	_ = store.SaveJob(JobDescriptor{ID: "job-1"})

	if err := store.Delete("job-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.LoadJob("job-1"); err == nil {
		t.Fatal("expected LoadJob to fail after Delete")
	}
}
