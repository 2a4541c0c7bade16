// Package workerpool implements the download worker pool: a concurrency-
// bounded dispatcher that pulls waiting items from the download queue and
// drives the client session to fetch bytes, honoring per-item and global
// control signals. Workers share one cancel context and exit through a
// done-channel handshake so Stop can wait for them deterministically.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zfonlyone/tg-export/internal/downloadqueue"
	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/progress"
	"github.com/zfonlyone/tg-export/internal/resumestore"
	"github.com/zfonlyone/tg-export/internal/tdclient"
	"github.com/zfonlyone/tg-export/internal/tgerr"
)

const (
	defaultChunkSize       = 512 * 1024
	maxRefAttempts         = 3 // refreshes of a stale media reference before failing the item
	maxTransientTries      = 6 // transient-error retries per item before failing it
	persistEveryChunks     = 16
	persistEveryPeriod     = 5 * time.Second
	parallelChunkThreshold = 50 * 1024 * 1024
	parallelChunkSlots     = 4
)

// Signals lets the Job Controller steer one job's worker pool: pause and
// cancel are per-job, broadcast to every worker via closing a channel
// (cancel) or via a level-triggered flag (pause, checked after each chunk).
type Signals struct {
	mu      sync.Mutex
	paused  bool
	pauseCh chan struct{} // closed and replaced whenever paused toggles to false, to wake waiters
}

func NewSignals() *Signals {
	return &Signals{pauseCh: make(chan struct{})}
}

func (s *Signals) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if paused == s.paused {
		return
	}
	s.paused = paused
	if !paused {
		close(s.pauseCh)
		s.pauseCh = make(chan struct{})
	}
}

func (s *Signals) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Signals) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseCh
}

// Pool is a resizable set of worker goroutines draining one job's
// downloadqueue.Queue through one tdclient.Client.
type Pool struct {
	JobID      string
	Client     tdclient.Client
	Queue      *downloadqueue.Queue
	Store      *resumestore.Store
	Reporter   *progress.Reporter
	ExportRoot string
	Signals    *Signals

	// ParallelChunk enables multi-range downloads for large files.
	ParallelChunk bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	current int // number of live worker goroutines
	target  int // desired worker count
}

// Start launches the pool with n workers.
func (p *Pool) Start(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return // already running
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopCh = make(chan struct{})
	if p.Signals == nil {
		p.Signals = NewSignals()
	}
	p.target = n
	for i := 0; i < n; i++ {
		p.spawnLocked(ctx)
	}
}

func (p *Pool) spawnLocked(ctx context.Context) {
	p.current++
	p.wg.Add(1)
	go p.runWorker(ctx)
}

// SetConcurrency resizes the pool at runtime:
// increasing spawns workers up to the new bound; decreasing relies on
// workers checking the bound after each claimed item and exiting.
func (p *Pool) SetConcurrency(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = n
	for p.current < n {
		p.spawnLocked(ctx)
	}
}

// Stop cancels every worker and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	stopCh := p.stopCh
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.current--
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		overTarget := p.current > p.target
		p.mu.Unlock()
		if overTarget {
			return // surplus worker exits after its current (nonexistent) item
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		item, ok := p.Queue.WaitForWork(p.stopCh)
		if !ok {
			return
		}

		p.mu.Lock()
		exceedsTarget := p.current > p.target
		p.mu.Unlock()
		if exceedsTarget {
			// Surplus worker: release the claimed item back to waiting and
			// exit without starting a new chunk, so no claim outlives the
			// lowered bound.
			if err := p.Queue.Release(item.ID); err != nil {
				slog.Warn("release surplus item failed", "item", item.ID, "error", err)
			}
			return
		}

		if err := p.downloadOne(ctx, item); err != nil {
			slog.Debug("download finished with error", "item", item.ID, "error", err)
		}
	}
}

func (p *Pool) downloadOne(ctx context.Context, item *model.MediaItem) error {
	targetPath := filepath.Join(p.ExportRoot, item.Path())
	partialPath := targetPath + ".partial"

	if info, err := os.Stat(targetPath); err == nil && info.Size() == item.Size {
		return p.Queue.Complete(item.ID)
	}

	if p.ParallelChunk && item.Size > parallelChunkThreshold && item.Ref != nil {
		return p.downloadParallel(ctx, item, targetPath, partialPath)
	}
	return p.downloadSequential(ctx, item, targetPath, partialPath)
}

func (p *Pool) downloadSequential(ctx context.Context, item *model.MediaItem, targetPath, partialPath string) error {
	offset, err := resumestore.PartialLength(partialPath)
	if err != nil {
		return p.fail(item, err)
	}

	f, err := resumestore.OpenPartialForAppend(partialPath)
	if err != nil {
		return p.fail(item, err)
	}
	defer f.Close()

	// The claimed item is shared with the queue's own readers; the worker
	// works from local copies and reports every change back through queue
	// methods, which take the queue mutex. Size, Dir, and Filename are fixed
	// at enqueue time and safe to read.
	ref := item.Ref
	size := item.Size

	refAttempts := 0
	transientAttempts := 0
	chunksSinceSave := 0
	lastSave := time.Now()

	for offset < size {
		if p.Signals.IsPaused() {
			f.Sync()
			err := p.Queue.Pause(item.ID)
			p.persistQueue()
			return err
		}
		if interrupted := p.itemInterrupted(item.ID, f); interrupted {
			return nil
		}
		select {
		case <-ctx.Done():
			f.Sync()
			_ = p.Queue.Pause(item.ID)
			return ctx.Err()
		default:
		}

		chunkSize := int64(defaultChunkSize)
		if remaining := size - offset; remaining < chunkSize {
			chunkSize = remaining
		}

		data, dlErr := p.Client.Download(ctx, *ref, offset, chunkSize)
		if dlErr != nil {
			switch tgerr.KindOf(dlErr) {
			case tgerr.KindReferenceExpired:
				refAttempts++
				if refAttempts > maxRefAttempts {
					return p.fail(item, dlErr)
				}
				fresh, rerr := p.Client.RefreshReference(ctx, item.ID.ChatID, item.ID.MessageID)
				if rerr != nil {
					return p.fail(item, rerr)
				}
				ref = &fresh
				continue
			case tgerr.KindFloodWait:
				wait := tgerr.WaitFor(dlErr)
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
				continue // same offset, no attempt increment
			case tgerr.KindTransient:
				transientAttempts++
				if transientAttempts > maxTransientTries {
					return p.fail(item, dlErr)
				}
				backoffTransient(ctx, transientAttempts)
				continue
			default:
				return p.fail(item, dlErr)
			}
		}

		if len(data) == 0 {
			// EOF before the announced size: the on-disk file would not
			// match, so the item fails rather than masquerading as complete.
			return p.fail(item, fmt.Errorf("short file: got %d of %d bytes", offset, size))
		}
		if _, werr := f.Write(data); werr != nil {
			return p.fail(item, werr)
		}
		offset += int64(len(data))
		p.Queue.SetProgress(item.ID, offset, size)
		p.Reporter.Tick(int64(len(data)))

		chunksSinceSave++
		if chunksSinceSave >= persistEveryChunks || time.Since(lastSave) >= persistEveryPeriod {
			chunksSinceSave = 0
			lastSave = time.Now()
			p.persistQueue()
		}
	}

	if err := f.Sync(); err != nil {
		return p.fail(item, err)
	}
	f.Close()
	if err := resumestore.FinalizePartial(partialPath, targetPath); err != nil {
		return p.fail(item, err)
	}
	if err := p.Queue.Complete(item.ID); err != nil {
		// The operator paused or cancelled during the final chunk and won
		// the transition. The finished file stays in place; a later retry
		// short-circuits on it through the size-match dedupe.
		slog.Warn("complete rejected after final chunk", "item", item.ID, "error", err)
		return nil
	}
	p.Reporter.RecordCompletion()
	return nil
}

// itemInterrupted checks for a per-item pause/cancel issued through the API
// while this worker was mid-download. The status transition itself already
// happened inside the queue; the worker's share of the contract is to flush
// what it has, persist, and release the slot.
func (p *Pool) itemInterrupted(id model.ItemID, f *os.File) bool {
	status, ok := p.Queue.StatusOf(id)
	if !ok {
		return false
	}
	switch status {
	case model.StatusPaused, model.StatusSkipped:
		f.Sync()
		p.persistQueue()
		return true
	default:
		return false
	}
}

// downloadParallel splits the file into parallelChunkSlots sub-ranges and
// downloads them concurrently into pre-sized regions of .partial. The rename
// to the final path happens only after every slot has flushed.
func (p *Pool) downloadParallel(ctx context.Context, item *model.MediaItem, targetPath, partialPath string) error {
	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return p.fail(item, err)
	}
	size := item.Size
	ref := *item.Ref
	if err := f.Truncate(size); err != nil {
		f.Close()
		return p.fail(item, err)
	}

	slotSize := (size + parallelChunkSlots - 1) / parallelChunkSlots
	var wg sync.WaitGroup
	errs := make([]error, parallelChunkSlots)
	var written int64

	for i := 0; i < parallelChunkSlots; i++ {
		start := int64(i) * slotSize
		if start >= size {
			break
		}
		end := start + slotSize
		if end > size {
			end = size
		}
		wg.Add(1)
		go func(idx int, start, end int64) {
			defer wg.Done()
			errs[idx] = p.fillRange(ctx, item.ID, ref, size, f, start, end, &written)
		}(i, start, end)
	}
	wg.Wait()

	for _, e := range errs {
		if errors.Is(e, errItemInterrupted) {
			f.Sync()
			f.Close()
			p.persistQueue()
			return nil
		}
	}
	for _, e := range errs {
		if e != nil {
			f.Close()
			return p.fail(item, e)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return p.fail(item, err)
	}
	f.Close()
	if err := resumestore.FinalizePartial(partialPath, targetPath); err != nil {
		return p.fail(item, err)
	}
	if err := p.Queue.Complete(item.ID); err != nil {
		slog.Warn("complete rejected after final chunk", "item", item.ID, "error", err)
		return nil
	}
	p.Reporter.RecordCompletion()
	return nil
}

// errItemInterrupted propagates a per-item pause/cancel out of a slot
// goroutine so downloadParallel can stop without failing the item.
var errItemInterrupted = errors.New("item paused or cancelled")

func (p *Pool) fillRange(ctx context.Context, id model.ItemID, ref model.MediaRef, size int64, f *os.File, start, end int64, written *int64) error {
	offset := start
	for offset < end {
		if err := ctx.Err(); err != nil {
			return err
		}
		if status, ok := p.Queue.StatusOf(id); ok &&
			(status == model.StatusPaused || status == model.StatusSkipped) {
			return errItemInterrupted
		}
		chunkSize := int64(defaultChunkSize)
		if remaining := end - offset; remaining < chunkSize {
			chunkSize = remaining
		}
		data, err := p.Client.Download(ctx, ref, offset, chunkSize)
		if err != nil {
			if tgerr.KindOf(err) == tgerr.KindFloodWait {
				time.Sleep(tgerr.WaitFor(err))
				continue
			}
			return err
		}
		if len(data) == 0 {
			return io.ErrUnexpectedEOF
		}
		if _, err := f.WriteAt(data, offset); err != nil {
			return err
		}
		offset += int64(len(data))
		total := atomic.AddInt64(written, int64(len(data)))
		p.Queue.SetProgress(id, total, size)
		p.Reporter.Tick(int64(len(data)))
	}
	return nil
}

func backoffTransient(ctx context.Context, attempt int) {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	timer := time.NewTimer(d/2 + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pool) persistQueue() {
	if err := p.Store.SaveQueue(p.JobID, p.Queue.All()); err != nil {
		slog.Warn("persist queue failed", "job", p.JobID, "error", err)
	}
}

func (p *Pool) fail(item *model.MediaItem, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	if err := p.Queue.Fail(item.ID, cause); err != nil {
		// An operator pause/cancel already moved the item; theirs wins.
		slog.Warn("fail transition rejected", "item", item.ID, "error", err)
		return cause
	}
	p.Reporter.RecordFailure()
	return fmt.Errorf("download %s: %w", item.ID, cause)
}
