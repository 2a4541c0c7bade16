package engine

import (
	"context"
	"iter"
	"testing"

	"github.com/zfonlyone/tg-export/internal/delegate"
	"github.com/zfonlyone/tg-export/internal/jobcontroller"
	"github.com/zfonlyone/tg-export/internal/jobindex"
	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/tdclient"
)

type fakeClient struct{ closed bool }

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
	return nil, nil
}
func (f *fakeClient) RefreshReference(ctx context.Context, chatID, messageID int64) (model.MediaRef, error) {
	return model.MediaRef{}, nil
}
func (f *fakeClient) Close() error { f.closed = true; return nil }

type fakeIndex struct {
	records map[string]jobindex.Record
	closed  bool
}

func newFakeIndex() *fakeIndex { return &fakeIndex{records: make(map[string]jobindex.Record)} }

func (f *fakeIndex) Upsert(rec jobindex.Record) error { f.records[rec.ID] = rec; return nil }
func (f *fakeIndex) Delete(id string) error           { delete(f.records, id); return nil }
func (f *fakeIndex) List(userKey string) ([]jobindex.Record, error) {
	var out []jobindex.Record
	for _, rec := range f.records {
		if userKey == "" || rec.UserKey == userKey {
			out = append(out, rec)
		}
	}
	return out, nil
}
func (f *fakeIndex) Close() error { f.closed = true; return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeIndex) {
	t.Helper()
	idx := newFakeIndex()
	eng, err := New(t.TempDir(), idx, func(ctx context.Context, userKey string) (tdclient.Client, error) {
		return &fakeClient{}, nil
	}, delegate.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, idx
}

func TestCreateJobRegistersAndIndexes(t *testing.T) {
	eng, idx := newTestEngine(t)
	defer eng.Close()

	ctrl, err := eng.CreateJob(context.Background(), "alice", "export-1",
		jobcontroller.Filter{}, jobcontroller.OutputPolicy{RootDir: t.TempDir()}, jobcontroller.PerfPolicy{MaxConcurrentDownloads: 1})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, ok := eng.Get(ctrl.Job().ID)
	if !ok || got != ctrl {
		t.Fatal("Get did not return the created controller")
	}

	recs, err := idx.List("alice")
	if err != nil || len(recs) != 1 {
		t.Fatalf("index List(alice) = %+v, err=%v", recs, err)
	}
}

func TestListScopesByUser(t *testing.T) {
	eng, _ := newTestEngine(t)
	defer eng.Close()

	ctx := context.Background()
	root := t.TempDir()
	if _, err := eng.CreateJob(ctx, "alice", "a", jobcontroller.Filter{}, jobcontroller.OutputPolicy{RootDir: root}, jobcontroller.PerfPolicy{}); err != nil {
		t.Fatalf("CreateJob alice: %v", err)
	}
	if _, err := eng.CreateJob(ctx, "bob", "b", jobcontroller.Filter{}, jobcontroller.OutputPolicy{RootDir: root}, jobcontroller.PerfPolicy{}); err != nil {
		t.Fatalf("CreateJob bob: %v", err)
	}

	if got := eng.List("alice"); len(got) != 1 {
		t.Errorf("List(alice) = %d jobs, want 1", len(got))
	}
	if got := eng.List(""); len(got) != 2 {
		t.Errorf("List(\"\") = %d jobs, want 2", len(got))
	}
}

func TestDeleteRemovesFromRegistryAndIndex(t *testing.T) {
	eng, idx := newTestEngine(t)
	defer eng.Close()

	ctrl, err := eng.CreateJob(context.Background(), "alice", "a", jobcontroller.Filter{}, jobcontroller.OutputPolicy{RootDir: t.TempDir()}, jobcontroller.PerfPolicy{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := eng.Delete(ctrl.Job().ID, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := eng.Get(ctrl.Job().ID); ok {
		t.Error("job should be gone from the registry")
	}
	if recs, _ := idx.List(""); len(recs) != 0 {
		t.Errorf("index should be empty after delete, got %+v", recs)
	}
}

func TestCloseClosesEveryCachedClient(t *testing.T) {
	idx := newFakeIndex()
	clients := make(map[string]*fakeClient)
	eng, err := New(t.TempDir(), idx, func(ctx context.Context, userKey string) (tdclient.Client, error) {
		c := &fakeClient{}
		clients[userKey] = c
		return c, nil
	}, delegate.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := eng.CreateJob(context.Background(), "alice", "a", jobcontroller.Filter{}, jobcontroller.OutputPolicy{RootDir: t.TempDir()}, jobcontroller.PerfPolicy{}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !clients["alice"].closed {
		t.Error("cached client should have been closed")
	}
	if !idx.closed {
		t.Error("index should have been closed")
	}
}
