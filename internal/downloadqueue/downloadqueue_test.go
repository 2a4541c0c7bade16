package downloadqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/zfonlyone/tg-export/internal/model"
)

func newTestItem(id int64) *model.MediaItem {
	return &model.MediaItem{
		ID:   model.ItemID{JobID: "job1", ChatID: 100, MessageID: id, Slot: 0},
		Kind: model.MediaPhoto,
		Size: 1024,
		Dir:  "100/photo",
	}
}

func TestEnqueueClaimComplete(t *testing.T) {
	q := New()
	item := newTestItem(1)
	q.Enqueue(item)

	claimed, ok := q.ClaimNext()
	if !ok {
		t.Fatal("expected to claim an item")
	}
	if claimed.Status != model.StatusDownloading {
		t.Fatalf("expected downloading, got %s", claimed.Status)
	}

	if err := q.Complete(claimed.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	counts := q.Counts()
	if counts[model.StatusCompleted] != 1 {
		t.Fatalf("expected 1 completed, got %d", counts[model.StatusCompleted])
	}
}

func TestFailThenRetry(t *testing.T) {
	q := New()
	item := newTestItem(2)
	q.Enqueue(item)

	claimed, _ := q.ClaimNext()
	if err := q.Fail(claimed.ID, errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	n := q.RetryAllFailed()
	if n != 1 {
		t.Fatalf("expected 1 retried, got %d", n)
	}

	claimed2, ok := q.ClaimNext()
	if !ok {
		t.Fatal("expected item to be claimable after retry")
	}
	if claimed2.Attempts != 0 || claimed2.LastError != "" {
		t.Fatalf("expected attempts/lastError reset, got %+v", claimed2)
	}
}

func TestPauseBlocksClaim(t *testing.T) {
	q := New()
	q.Enqueue(newTestItem(3))
	q.SetGlobalPause(true)

	if _, ok := q.ClaimNext(); ok {
		t.Fatal("expected ClaimNext to return false while globally paused")
	}

	q.SetGlobalPause(false)
	if _, ok := q.ClaimNext(); !ok {
		t.Fatal("expected ClaimNext to succeed once unpaused")
	}
}

func TestSkipRemovesFromWaiting(t *testing.T) {
	q := New()
	item := newTestItem(4)
	q.Enqueue(item)

	if err := q.Skip(item.ID); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if _, ok := q.ClaimNext(); ok {
		t.Fatal("skipped item should not be claimable")
	}
	counts := q.Counts()
	if counts[model.StatusSkipped] != 1 {
		t.Fatalf("expected 1 skipped, got %d", counts[model.StatusSkipped])
	}
}

func TestWaitForWorkUnblocksOnEnqueue(t *testing.T) {
	q := New()
	stop := make(chan struct{})
	resultCh := make(chan bool, 1)

	go func() {
		_, ok := q.WaitForWork(stop)
		resultCh <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(newTestItem(5))

	select {
	case ok := <-resultCh:
		if !ok {
			t.Fatal("expected WaitForWork to return an item")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForWork did not unblock after Enqueue")
	}
}

func TestWaitForWorkUnblocksOnStop(t *testing.T) {
	q := New()
	stop := make(chan struct{})
	resultCh := make(chan bool, 1)

	go func() {
		_, ok := q.WaitForWork(stop)
		resultCh <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	close(stop)

	select {
	case ok := <-resultCh:
		if ok {
			t.Fatal("expected WaitForWork to return false after stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForWork did not unblock after stop closed")
	}
}

func TestRestoreDemotesDownloadingToWaiting(t *testing.T) {
	q := New()
	stale := *newTestItem(6)
	stale.Status = model.StatusDownloading
	q.Restore([]model.MediaItem{stale})

	claimed, ok := q.ClaimNext()
	if !ok {
		t.Fatal("expected restored downloading item to be claimable as waiting")
	}
	if claimed.ID.MessageID != 6 {
		t.Fatalf("unexpected item claimed: %+v", claimed)
	}
}

func TestStatusOfTracksTransitions(t *testing.T) {
	q := New()
	item := newTestItem(7)
	q.Enqueue(item)

	if status, ok := q.StatusOf(item.ID); !ok || status != model.StatusWaiting {
		t.Fatalf("expected waiting, got %s %v", status, ok)
	}
	claimed, _ := q.ClaimNext()
	if status, _ := q.StatusOf(claimed.ID); status != model.StatusDownloading {
		t.Fatalf("expected downloading, got %s", status)
	}
	if err := q.Pause(claimed.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if status, _ := q.StatusOf(claimed.ID); status != model.StatusPaused {
		t.Fatalf("expected paused, got %s", status)
	}
	if _, ok := q.StatusOf(model.ItemID{JobID: "nope"}); ok {
		t.Fatal("unknown item must report ok=false")
	}
}
