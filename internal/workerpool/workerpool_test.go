package workerpool

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zfonlyone/tg-export/internal/downloadqueue"
	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/progress"
	"github.com/zfonlyone/tg-export/internal/resumestore"
)

type fakeClient struct {
	data []byte
}

func (f *fakeClient) IterateDialogs(ctx context.Context) iter.Seq2[model.ChatDescriptor, error] {
	return func(yield func(model.ChatDescriptor, error) bool) {}
}

func (f *fakeClient) IterateHistory(ctx context.Context, chat model.ChatDescriptor, minID int64) iter.Seq2[model.MessageRecord, error] {
	return func(yield func(model.MessageRecord, error) bool) {}
}

func (f *fakeClient) ResolveChat(ctx context.Context, rawID int64) (model.ChatDescriptor, error) {
	return model.ChatDescriptor{ID: rawID}, nil
}

func (f *fakeClient) Download(ctx context.Context, ref model.MediaRef, offset, chunkSize int64) ([]byte, error) {
	if offset >= int64(len(f.data)) {
		return nil, nil
	}
	end := offset + chunkSize
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	return f.data[offset:end], nil
}

func (f *fakeClient) RefreshReference(ctx context.Context, chatID, messageID int64) (model.MediaRef, error) {
	return model.MediaRef{}, nil
}

func (f *fakeClient) Close() error { return nil }

func TestDownloadOneCompletesFile(t *testing.T) {
	dir := t.TempDir()
	store, err := resumestore.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := make([]byte, 3*1024*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	client := &fakeClient{data: payload}

	q := downloadqueue.New()
	item := &model.MediaItem{
		ID:   model.ItemID{JobID: "job-1", ChatID: 1, MessageID: 2},
		Kind: model.MediaDocument,
		Size: int64(len(payload)),
		Dir:  "1/document",
		Filename: "2-1-file.bin",
		Ref:  &model.MediaRef{FileRef: "f1"},
	}
	q.Enqueue(item)
	claimed, ok := q.ClaimNext()
	if !ok {
		t.Fatal("expected to claim item")
	}

	pool := &Pool{
		JobID:      "job-1",
		Client:     client,
		Queue:      q,
		Store:      store,
		Reporter:   progress.New(),
		ExportRoot: dir,
		Signals:    NewSignals(),
	}

	if err := pool.downloadOne(context.Background(), claimed); err != nil {
		t.Fatalf("downloadOne: %v", err)
	}

	target := filepath.Join(dir, "1/document", "2-1-file.bin")
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("expected final file to exist: %v", err)
	}
	if info.Size() != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), info.Size())
	}
	if _, err := os.Stat(target + ".partial"); !os.IsNotExist(err) {
		t.Fatal("expected .partial to be removed after completion")
	}

	counts := q.Counts()
	if counts[model.StatusCompleted] != 1 {
		t.Fatalf("expected 1 completed, got %+v", counts)
	}
}

func TestDownloadOneResumesFromPartialLength(t *testing.T) {
	dir := t.TempDir()
	store, _ := resumestore.New(dir)

	payload := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	client := &fakeClient{data: payload}

	q := downloadqueue.New()
	item := &model.MediaItem{
		ID:       model.ItemID{JobID: "job-1", ChatID: 1, MessageID: 3},
		Size:     int64(len(payload)),
		Dir:      "1/document",
		Filename: "3-1-file.bin",
		Ref:      &model.MediaRef{FileRef: "f2"},
	}

	partialDir := filepath.Join(dir, "1/document")
	if err := os.MkdirAll(partialDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	partialPath := filepath.Join(partialDir, "3-1-file.bin.partial")
	if err := os.WriteFile(partialPath, payload[:10], 0o644); err != nil {
		t.Fatalf("seed partial: %v", err)
	}

	q.Enqueue(item)
	claimed, _ := q.ClaimNext()

	pool := &Pool{
		JobID:      "job-1",
		Client:     client,
		Queue:      q,
		Store:      store,
		Reporter:   progress.New(),
		ExportRoot: dir,
		Signals:    NewSignals(),
	}
	if err := pool.downloadOne(context.Background(), claimed); err != nil {
		t.Fatalf("downloadOne: %v", err)
	}

	target := filepath.Join(partialDir, "3-1-file.bin")
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("expected resumed file to match payload, got %q", data)
	}
}

func TestSignalsPauseResumeWakesWaiters(t *testing.T) {
	s := NewSignals()
	if s.IsPaused() {
		t.Fatal("expected not paused initially")
	}
	s.SetPaused(true)
	if !s.IsPaused() {
		t.Fatal("expected paused after SetPaused(true)")
	}

	waitCh := s.waitCh()
	done := make(chan struct{})
	go func() {
		<-waitCh
		close(done)
	}()

	s.SetPaused(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected waiters to wake when unpaused")
	}
}

// pausingClient pauses its item through the queue partway into a download,
// standing in for an operator hitting the per-item pause endpoint while a
// worker is mid-file.
type pausingClient struct {
	fakeClient
	queue      *downloadqueue.Queue
	id         model.ItemID
	pauseAfter int
	calls      int
}

func (c *pausingClient) Download(ctx context.Context, ref model.MediaRef, offset, chunkSize int64) ([]byte, error) {
	c.calls++
	if c.calls == c.pauseAfter+1 {
		if err := c.queue.Pause(c.id); err != nil {
			return nil, err
		}
	}
	return c.fakeClient.Download(ctx, ref, offset, chunkSize)
}

func TestPerItemPauseReleasesSlotAndKeepsPartial(t *testing.T) {
	dir := t.TempDir()
	store, _ := resumestore.New(dir)

	payload := make([]byte, 3*1024*1024)
	q := downloadqueue.New()
	item := &model.MediaItem{
		ID:       model.ItemID{JobID: "job-1", ChatID: 1, MessageID: 4},
		Size:     int64(len(payload)),
		Dir:      "1/document",
		Filename: "4-1-file.bin",
		Ref:      &model.MediaRef{FileRef: "f3"},
	}
	client := &pausingClient{
		fakeClient: fakeClient{data: payload},
		queue:      q,
		id:         item.ID,
		pauseAfter: 1,
	}

	q.Enqueue(item)
	claimed, _ := q.ClaimNext()

	pool := &Pool{
		JobID:      "job-1",
		Client:     client,
		Queue:      q,
		Store:      store,
		Reporter:   progress.New(),
		ExportRoot: dir,
		Signals:    NewSignals(),
	}
	if err := pool.downloadOne(context.Background(), claimed); err != nil {
		t.Fatalf("downloadOne after per-item pause: %v", err)
	}

	counts := q.Counts()
	if counts[model.StatusPaused] != 1 {
		t.Fatalf("expected item paused, got %+v", counts)
	}

	partial := filepath.Join(dir, "1/document", "4-1-file.bin.partial")
	info, err := os.Stat(partial)
	if err != nil {
		t.Fatalf("expected .partial retained: %v", err)
	}
	// Two chunks landed before the worker observed the pause.
	if info.Size() != 2*512*1024 {
		t.Fatalf("expected 1 MiB partial, got %d", info.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "1/document", "4-1-file.bin")); !os.IsNotExist(err) {
		t.Fatal("target file must not exist after a pause")
	}

	// Resume puts it back in the waiting bucket; a fresh claim continues
	// from the partial's actual length.
	if err := q.Resume(item.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	reclaimed, ok := q.ClaimNext()
	if !ok {
		t.Fatal("expected resumed item to be claimable")
	}
	if err := pool.downloadOne(context.Background(), reclaimed); err != nil {
		t.Fatalf("downloadOne after resume: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "1/document", "4-1-file.bin"))
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if len(data) != len(payload) {
		t.Fatalf("expected %d bytes after resume, got %d", len(payload), len(data))
	}
}
