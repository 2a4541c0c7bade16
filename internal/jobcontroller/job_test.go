package jobcontroller

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/zfonlyone/tg-export/internal/chatresolver"
	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/resumestore"
	"github.com/zfonlyone/tg-export/internal/scanner"
)

type fakeClient struct {
	chats    []model.ChatDescriptor
	messages map[int64][]model.MessageRecord
}

func (f *fakeClient) IterateDialogs(ctx context.Context) iter.Seq2[model.ChatDescriptor, error] {
	return func(yield func(model.ChatDescriptor, error) bool) {
		for _, c := range f.chats {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (f *fakeClient) IterateHistory(ctx context.Context, chat model.ChatDescriptor, minID int64) iter.Seq2[model.MessageRecord, error] {
	return func(yield func(model.MessageRecord, error) bool) {
		for _, m := range f.messages[chat.ID] {
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
	for _, c := range f.chats {
		if c.ID == rawID {
			return c, nil
		}
	}
	return model.ChatDescriptor{ID: rawID}, nil
}

func (f *fakeClient) Download(ctx context.Context, ref model.MediaRef, offset, chunkSize int64) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) RefreshReference(ctx context.Context, chatID, messageID int64) (model.MediaRef, error) {
	return model.MediaRef{}, nil
}

func (f *fakeClient) Close() error { return nil }

func TestStateMachineTransitions(t *testing.T) {
	to, ok := Next(StatePending, TriggerStart)
	if !ok || to != StateExtracting {
		t.Fatalf("expected pending->start->extracting, got %v %v", to, ok)
	}
	if _, ok := Next(StatePending, TriggerPause); ok {
		t.Fatal("expected pending to reject pause")
	}
	if !Terminal(StateCompleted) || !Terminal(StateFailed) || !Terminal(StateCancelled) {
		t.Fatal("expected completed/failed/cancelled to be terminal")
	}
	if Terminal(StateRunning) {
		t.Fatal("expected running to not be terminal")
	}
}

func TestControllerStartWithNoChatsCompletesImmediately(t *testing.T) {
	dir := t.TempDir()
	store, err := resumestore.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client := &fakeClient{}

	c := NewController(client, store, "empty-job", Filter{
		ChatResolver: chatresolver.Filter{ChatIDs: nil, Types: map[model.ChatType]bool{model.ChatPrivate: true}},
	}, OutputPolicy{RootDir: dir}, PerfPolicy{MaxConcurrentDownloads: 1})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Job().State() == StateCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected job to reach completed, got %s", c.Job().State())
}

func TestControllerStartThenScanEnqueuesMedia(t *testing.T) {
	dir := t.TempDir()
	store, err := resumestore.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chat := model.ChatDescriptor{ID: 42, Type: model.ChatPrivate, Title: "alice"}
	client := &fakeClient{
		chats: []model.ChatDescriptor{chat},
		messages: map[int64][]model.MessageRecord{
			42: {
				{ID: 1, ChatID: 42},
				{ID: 2, ChatID: 42, Media: &model.MediaRef{Kind: model.MediaPhoto, FileRef: "f2"}},
			},
		},
	}

	c := NewController(client, store, "job-with-media", Filter{
		ChatResolver: chatresolver.Filter{Types: map[model.ChatType]bool{model.ChatPrivate: true}},
		Media:        scanner.MediaFilter{},
	}, OutputPolicy{RootDir: dir}, PerfPolicy{MaxConcurrentDownloads: 1})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var counts map[model.ItemStatus]int
	for time.Now().Before(deadline) {
		counts = c.Job().queue.Counts()
		if counts[model.StatusWaiting]+counts[model.StatusDownloading]+counts[model.StatusCompleted]+counts[model.StatusFailed] > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	total := counts[model.StatusWaiting] + counts[model.StatusDownloading] + counts[model.StatusCompleted] + counts[model.StatusFailed]
	if total != 1 {
		t.Fatalf("expected exactly 1 media item enqueued, got %+v", counts)
	}
}

func TestControllerRejectsConcurrentOps(t *testing.T) {
	dir := t.TempDir()
	store, _ := resumestore.New(dir)
	client := &fakeClient{}
	c := NewController(client, store, "busy-job", Filter{}, OutputPolicy{RootDir: dir}, PerfPolicy{MaxConcurrentDownloads: 1})

	c.job.opLock.Lock()
	defer c.job.opLock.Unlock()

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start to reject while opLock held")
	}
}

func TestControllerPauseRejectedOnCompletedJob(t *testing.T) {
	dir := t.TempDir()
	store, _ := resumestore.New(dir)
	client := &fakeClient{}
	c := NewController(client, store, "pause-job", Filter{}, OutputPolicy{RootDir: dir}, PerfPolicy{MaxConcurrentDownloads: 1})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.Job().State() == StatePending {
		time.Sleep(10 * time.Millisecond)
	}

	// An empty-chat job completes almost immediately, which is terminal and
	// can no longer be paused; this just exercises the reject path.
	if c.Job().State() == StateCompleted {
		if err := c.Pause(context.Background()); err == nil {
			t.Fatal("expected Pause on a completed job to be rejected")
		}
	}
}

func TestPauseIsLegalWhileExtracting(t *testing.T) {
	to, ok := Next(StateExtracting, TriggerPause)
	if !ok || to != StatePaused {
		t.Fatalf("expected extracting->pause->paused, got %v %v", to, ok)
	}
}

func TestDateRangeRoundTripsThroughDescriptor(t *testing.T) {
	dir := t.TempDir()
	store, _ := resumestore.New(dir)
	client := &fakeClient{}

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	c := NewController(client, store, "dated-job", Filter{DateFrom: from, DateTo: to},
		OutputPolicy{RootDir: dir}, PerfPolicy{MaxConcurrentDownloads: 1})

	desc := c.Descriptor()
	rehydrated := Rehydrate(client, store, desc, nil)
	got := rehydrated.Job().Filter
	if !got.DateFrom.Equal(from) || !got.DateTo.Equal(to) {
		t.Fatalf("date range lost in round trip: %+v", got)
	}
}
