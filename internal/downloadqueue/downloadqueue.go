// Package downloadqueue implements the Download Queue: a single
// mutex-guarded collection of media items partitioned by status, with the
// transition table implemented as one method per verb and a condition
// variable workers block on when there is nothing to claim.
package downloadqueue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zfonlyone/tg-export/internal/model"
)

// softCap is the waiting-bucket depth at which Enqueue starts blocking. The
// scanner throttles history iteration through this, so a chat with millions
// of media references cannot grow the queue without bound.
const softCap = 10000

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   map[string]*model.MediaItem // keyed by ItemID.String()
	order   []string                    // waiting-bucket FIFO order, by key
	paused  bool                        // global pause: ClaimNext returns none
	waiting map[string]struct{}
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{
		items:   make(map[string]*model.MediaItem),
		waiting: make(map[string]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item to the waiting bucket, blocking while the waiting
// bucket is at the soft cap. A second Enqueue for an already-known id is a
// no-op (the scanner may re-observe a message on rescan).
func (q *Queue) Enqueue(item *model.MediaItem) {
	key := item.ID.String()

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[key]; exists {
		return
	}
	for len(q.waiting) >= softCap {
		q.cond.Wait()
	}
	item.Status = model.StatusWaiting
	q.items[key] = item
	q.order = append(q.order, key)
	q.waiting[key] = struct{}{}
	q.cond.Broadcast()
}

// SetGlobalPause controls whether ClaimNext hands out new work. Used by the
// Job Controller's Pause/Resume transitions.
func (q *Queue) SetGlobalPause(paused bool) {
	q.mu.Lock()
	q.paused = paused
	q.mu.Unlock()
	if !paused {
		q.cond.Broadcast()
	}
}

// Claim moves one specific waiting item to downloading out of FIFO order,
// for callers that hand a whole
// directory's worth of waiting items to an external process at once instead
// of pulling the queue head one at a time.
func (q *Queue) Claim(id model.ItemID) error {
	key := id.String()
	q.mu.Lock()
	defer q.mu.Unlock()
	item, err := q.mustGet(key)
	if err != nil {
		return err
	}
	if item.Status != model.StatusWaiting {
		return fmt.Errorf("Claim: item %s not waiting (status=%s)", id, item.Status)
	}
	delete(q.waiting, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	item.Status = model.StatusDownloading
	q.cond.Broadcast()
	return nil
}

// SetProgress records download progress for an item. Both drains report
// through here — the worker pool after every chunk write, the delegated
// drain as the external process emits ticks — so all mutation of a shared
// item happens under the queue's mutex. It never changes status.
func (q *Queue) SetProgress(id model.ItemID, downloaded, total int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id.String()]
	if !ok {
		return
	}
	item.DownloadedBytes = downloaded
	if total > 0 && item.Size == 0 {
		item.Size = total
	}
}

// StatusOf reports an item's current status. A worker mid-download polls
// this between chunks: when the API pauses or cancels the item, the status
// flip recorded here is what tells the worker to flush the partial and
// release its slot within one chunk horizon.
func (q *Queue) StatusOf(id model.ItemID) (model.ItemStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id.String()]
	if !ok {
		return "", false
	}
	return item.Status, true
}

// ClaimNext moves the head of the waiting bucket to downloading and returns
// it, or (nil, false) if the queue is empty or globally paused. Does not
// block — callers that want to wait use WaitForWork.
func (q *Queue) ClaimNext() (*model.MediaItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.claimNextLocked()
}

func (q *Queue) claimNextLocked() (*model.MediaItem, bool) {
	if q.paused {
		return nil, false
	}
	for len(q.order) > 0 {
		key := q.order[0]
		q.order = q.order[1:]
		if _, stillWaiting := q.waiting[key]; !stillWaiting {
			continue // was skipped/paused out of the waiting bucket since being enqueued
		}
		delete(q.waiting, key)
		item := q.items[key]
		item.Status = model.StatusDownloading
		q.cond.Broadcast() // wake an Enqueue blocked on the soft cap
		return item, true
	}
	return nil, false
}

// WaitForWork blocks until it can claim an item, which it returns with true,
// or until stop is closed, when it returns nil and false. Workers call this
// in their dispatch loop.
func (q *Queue) WaitForWork(stop <-chan struct{}) (*model.MediaItem, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if item, ok := q.claimNextLocked(); ok {
			return item, true
		}
		select {
		case <-stop:
			return nil, false
		default:
		}
		q.cond.Wait()
		select {
		case <-stop:
			return nil, false
		default:
		}
	}
}

func (q *Queue) mustGet(key string) (*model.MediaItem, error) {
	item, ok := q.items[key]
	if !ok {
		return nil, fmt.Errorf("unknown queue item %s", key)
	}
	return item, nil
}

// Complete transitions a downloading item to completed.
func (q *Queue) Complete(id model.ItemID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, err := q.mustGet(id.String())
	if err != nil {
		return err
	}
	if item.Status != model.StatusDownloading {
		return fmt.Errorf("Complete: item %s not downloading (status=%s)", id, item.Status)
	}
	item.Status = model.StatusCompleted
	item.DownloadedBytes = item.Size
	return nil
}

// Fail transitions a downloading item to failed, recording err.
func (q *Queue) Fail(id model.ItemID, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, err := q.mustGet(id.String())
	if err != nil {
		return err
	}
	if item.Status != model.StatusDownloading {
		return fmt.Errorf("Fail: item %s not downloading (status=%s)", id, item.Status)
	}
	item.Status = model.StatusFailed
	if cause != nil {
		item.LastError = cause.Error()
	}
	return nil
}

// Skip moves a waiting, downloading, or paused item to skipped.
func (q *Queue) Skip(id model.ItemID) error {
	key := id.String()
	q.mu.Lock()
	defer q.mu.Unlock()
	item, err := q.mustGet(key)
	if err != nil {
		return err
	}
	switch item.Status {
	case model.StatusWaiting, model.StatusDownloading, model.StatusPaused:
		delete(q.waiting, key)
		item.Status = model.StatusSkipped
		q.cond.Broadcast()
		return nil
	default:
		return fmt.Errorf("Skip: item %s in status %s cannot be skipped", id, item.Status)
	}
}

// Pause moves a waiting or downloading item to paused, releasing its
// worker slot if it held one.
func (q *Queue) Pause(id model.ItemID) error {
	key := id.String()
	q.mu.Lock()
	defer q.mu.Unlock()
	item, err := q.mustGet(key)
	if err != nil {
		return err
	}
	switch item.Status {
	case model.StatusWaiting, model.StatusDownloading:
		delete(q.waiting, key)
		item.Status = model.StatusPaused
		q.cond.Broadcast()
		return nil
	default:
		return fmt.Errorf("Pause: item %s in status %s cannot be paused", id, item.Status)
	}
}

// Resume moves a paused item back to waiting, at the tail of the FIFO.
func (q *Queue) Resume(id model.ItemID) error {
	return q.requeue(id, model.StatusPaused)
}

// Release returns a claimed-but-untouched downloading item to the front of
// the waiting queue. Used by the Worker Pool when a surplus worker (pool
// shrunk after ClaimNext already handed it an item) steps down without
// attempting any bytes, so the item isn't pushed to the back of the FIFO
// behind work that hasn't been attempted yet.
func (q *Queue) Release(id model.ItemID) error {
	key := id.String()
	q.mu.Lock()
	defer q.mu.Unlock()
	item, err := q.mustGet(key)
	if err != nil {
		return err
	}
	if item.Status != model.StatusDownloading {
		return fmt.Errorf("Release: item %s not downloading (status=%s)", id, item.Status)
	}
	item.Status = model.StatusWaiting
	q.order = append([]string{key}, q.order...)
	q.waiting[key] = struct{}{}
	q.cond.Broadcast()
	return nil
}

// Retry moves a failed or skipped item back to waiting. force additionally
// allows retrying a completed item.
func (q *Queue) Retry(id model.ItemID, force bool) error {
	key := id.String()
	q.mu.Lock()
	item, err := q.mustGet(key)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	allowed := item.Status == model.StatusFailed || item.Status == model.StatusSkipped
	if force {
		allowed = allowed || item.Status == model.StatusCompleted
	}
	if !allowed {
		return fmt.Errorf("Retry: item %s in status %s cannot be retried (force=%v)", id, item.Status, force)
	}
	return q.requeueFrom(id, item.Status)
}

func (q *Queue) requeue(id model.ItemID, from model.ItemStatus) error {
	return q.requeueFrom(id, from)
}

func (q *Queue) requeueFrom(id model.ItemID, from model.ItemStatus) error {
	key := id.String()
	q.mu.Lock()
	defer q.mu.Unlock()
	item, err := q.mustGet(key)
	if err != nil {
		return err
	}
	if item.Status != from {
		return fmt.Errorf("requeue: item %s status changed (expected %s, got %s)", id, from, item.Status)
	}
	item.Status = model.StatusWaiting
	item.Attempts = 0
	item.LastError = ""
	q.order = append(q.order, key)
	q.waiting[key] = struct{}{}
	q.cond.Broadcast()
	return nil
}

// RetryAllFailed moves every failed item to waiting. Returns the count moved.
func (q *Queue) RetryAllFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for key, item := range q.items {
		if item.Status == model.StatusFailed {
			item.Status = model.StatusWaiting
			item.Attempts = 0
			item.LastError = ""
			q.order = append(q.order, key)
			q.waiting[key] = struct{}{}
			n++
		}
	}
	if n > 0 {
		q.cond.Broadcast()
	}
	return n
}

// Projection is one of the four UI listing projections derived from status.
type Projection string

const (
	ProjectionActive    Projection = "active"
	ProjectionWaiting   Projection = "waiting"
	ProjectionFailed    Projection = "failed"
	ProjectionCompleted Projection = "completed"
)

// Snapshot returns up to limit items from the requested projection, in
// ascending message-id order (descending when reversed). limit <= 0 means
// unbounded.
func (q *Queue) Snapshot(p Projection, limit int, reversed bool) []model.MediaItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.MediaItem
	for _, item := range q.items {
		if projectionMatches(p, item.Status) {
			out = append(out, *item)
		}
	}
	sortByMessageID(out, reversed)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func projectionMatches(p Projection, s model.ItemStatus) bool {
	switch p {
	case ProjectionActive:
		return s == model.StatusDownloading || s == model.StatusPaused
	case ProjectionWaiting:
		return s == model.StatusWaiting
	case ProjectionFailed:
		return s == model.StatusFailed
	case ProjectionCompleted:
		return s == model.StatusCompleted || s == model.StatusSkipped
	default:
		return false
	}
}

func sortByMessageID(items []model.MediaItem, reversed bool) {
	sort.SliceStable(items, func(i, j int) bool {
		if reversed {
			return items[i].ID.MessageID > items[j].ID.MessageID
		}
		return items[i].ID.MessageID < items[j].ID.MessageID
	})
}

// Counts returns the number of items in each status bucket, used by the
// Progress Reporter and the "sum over queue buckets equals total_media"
// invariant.
func (q *Queue) Counts() map[model.ItemStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[model.ItemStatus]int)
	for _, item := range q.items {
		counts[item.Status]++
	}
	return counts
}

// All returns every item, for Resume Store serialization.
func (q *Queue) All() []model.MediaItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.MediaItem, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	return out
}

// Restore replaces the queue's contents wholesale, used when rehydrating
// from queue.json on startup. Items in downloading are demoted to
// waiting: a downloading status persisted to disk means the process died
// mid-chunk, and the worker that claimed it no longer exists.
func (q *Queue) Restore(items []model.MediaItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*model.MediaItem, len(items))
	q.waiting = make(map[string]struct{})
	q.order = nil

	for i := range items {
		item := items[i]
		key := item.ID.String()
		if item.Status == model.StatusDownloading {
			item.Status = model.StatusWaiting
		}
		ptr := &item
		q.items[key] = ptr
		if ptr.Status == model.StatusWaiting {
			q.order = append(q.order, key)
			q.waiting[key] = struct{}{}
		}
	}
}
