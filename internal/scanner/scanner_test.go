package scanner

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/resumestore"
)

type fakeClient struct {
	messages []model.MessageRecord
}

func (f *fakeClient) IterateDialogs(ctx context.Context) iter.Seq2[model.ChatDescriptor, error] {
	return func(yield func(model.ChatDescriptor, error) bool) {}
}

func (f *fakeClient) IterateHistory(ctx context.Context, chat model.ChatDescriptor, minID int64) iter.Seq2[model.MessageRecord, error] {
	return func(yield func(model.MessageRecord, error) bool) {
		for _, m := range f.messages {
			if m.ID <= minID {
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}
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

func (f *fakeClient) Close() error { return nil }

type fakeSink struct {
	items []*model.MediaItem
}

func (s *fakeSink) Enqueue(item *model.MediaItem) {
	s.items = append(s.items, item)
}

func TestScanEmitsMessagesAndMediaAscending(t *testing.T) {
	client := &fakeClient{messages: []model.MessageRecord{
		{ID: 1, ChatID: 100, Timestamp: time.Now()},
		{ID: 2, ChatID: 100, Media: &model.MediaRef{Kind: model.MediaPhoto, FileRef: "f2"}},
		{ID: 3, ChatID: 100, Media: &model.MediaRef{Kind: model.MediaDocument, FileRef: "f3"}},
	}}
	store, err := resumestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := &fakeSink{}

	s := &Scanner{
		JobID:  "job-1",
		Client: client,
		Store:  store,
		Sink:   sink,
	}

	chat := model.ChatDescriptor{ID: 100, Title: "test"}
	if err := s.Scan(context.Background(), chat, 0); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(sink.items) != 2 {
		t.Fatalf("expected 2 media items, got %d", len(sink.items))
	}
	if sink.items[0].ID.MessageID != 2 || sink.items[1].ID.MessageID != 3 {
		t.Fatalf("expected ascending message ids, got %+v", sink.items)
	}

	cursor, err := store.LoadCursor("job-1", 100)
	if err != nil {
		t.Fatalf("LoadCursor: %v", err)
	}
	if cursor != 3 {
		t.Fatalf("expected cursor 3, got %d", cursor)
	}
}

func TestScanRespectsMessageToBoundary(t *testing.T) {
	client := &fakeClient{messages: []model.MessageRecord{
		{ID: 1, ChatID: 100},
		{ID: 2, ChatID: 100},
		{ID: 3, ChatID: 100},
	}}
	store, _ := resumestore.New(t.TempDir())
	sink := &fakeSink{}

	s := &Scanner{JobID: "job-1", Client: client, Store: store, Sink: sink, MessageTo: 2}
	if err := s.Scan(context.Background(), model.ChatDescriptor{ID: 100}, 0); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	cursor, _ := store.LoadCursor("job-1", 100)
	if cursor != 2 {
		t.Fatalf("expected cursor stopped at 2, got %d", cursor)
	}
}

func TestMediaFilterKindMask(t *testing.T) {
	f := MediaFilter{Kinds: map[model.MediaKind]bool{model.MediaPhoto: true}}
	if !f.allowsKind(model.MediaPhoto) {
		t.Fatal("expected photo to be allowed")
	}
	if f.allowsKind(model.MediaVideo) {
		t.Fatal("expected video to be rejected")
	}
}

func TestResumeFromPrefersHigherOfMessageFromAndCursor(t *testing.T) {
	if got := ResumeFrom(1, 0); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := ResumeFrom(5, 10); got != 10 {
		t.Fatalf("expected cursor 10 to win, got %d", got)
	}
	if got := ResumeFrom(20, 10); got != 19 {
		t.Fatalf("expected message_from-1=19 to win, got %d", got)
	}
}

func TestScanSkipsMessagesOutsideDateRange(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{messages: []model.MessageRecord{
		{ID: 1, ChatID: 100, Timestamp: base.AddDate(0, -1, 0), Media: &model.MediaRef{Kind: model.MediaPhoto, FileRef: "old"}},
		{ID: 2, ChatID: 100, Timestamp: base.AddDate(0, 1, 0), Media: &model.MediaRef{Kind: model.MediaPhoto, FileRef: "in-range"}},
		{ID: 3, ChatID: 100, Timestamp: base.AddDate(1, 0, 0), Media: &model.MediaRef{Kind: model.MediaPhoto, FileRef: "future"}},
	}}
	store, _ := resumestore.New(t.TempDir())
	sink := &fakeSink{}

	s := &Scanner{
		JobID:    "job-1",
		Client:   client,
		Store:    store,
		Sink:     sink,
		DateFrom: base,
		DateTo:   base.AddDate(0, 6, 0),
	}
	if err := s.Scan(context.Background(), model.ChatDescriptor{ID: 100}, 0); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(sink.items) != 1 || sink.items[0].Ref.FileRef != "in-range" {
		t.Fatalf("expected only the in-range item, got %+v", sink.items)
	}
	// The cursor still advances over skipped messages so a rescan does not
	// revisit them.
	cursor, _ := store.LoadCursor("job-1", 100)
	if cursor != 3 {
		t.Fatalf("expected cursor 3, got %d", cursor)
	}
}

func TestScanCarriesAnnouncedSizeOntoItem(t *testing.T) {
	client := &fakeClient{messages: []model.MessageRecord{
		{ID: 1, ChatID: 100, Media: &model.MediaRef{Kind: model.MediaVideo, FileRef: "v", Size: 4096}},
	}}
	store, _ := resumestore.New(t.TempDir())
	sink := &fakeSink{}

	s := &Scanner{JobID: "job-1", Client: client, Store: store, Sink: sink}
	if err := s.Scan(context.Background(), model.ChatDescriptor{ID: 100}, 0); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(sink.items) != 1 || sink.items[0].Size != 4096 {
		t.Fatalf("expected announced size on item, got %+v", sink.items)
	}
}
