// Package progress aggregates per-job counts, bytes, and instantaneous
// download speed. Snapshots are read-only and safe to request from any
// goroutine.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 32

type sample struct {
	at    time.Time
	bytes int64
}

// Reporter tracks one job's progress.
type Reporter struct {
	downloadedMedia int64 // atomic
	totalMedia      int64 // atomic
	downloadedSize  int64 // atomic
	failedCount     int64 // atomic

	mu        sync.Mutex
	ring      [ringSize]sample
	ringHead  int
	ringCount int

	scanMu     sync.RWMutex
	scanChat   string
	scanMsgID  int64
}

// New creates an empty reporter.
func New() *Reporter {
	return &Reporter{}
}

// SetTotalMedia records the job's total media count once the scan has
// determined it.
func (r *Reporter) SetTotalMedia(n int64) {
	atomic.StoreInt64(&r.totalMedia, n)
}

// RecordCompletion increments the downloaded-media counter.
func (r *Reporter) RecordCompletion() {
	atomic.AddInt64(&r.downloadedMedia, 1)
}

// RecordFailure increments the failed counter.
func (r *Reporter) RecordFailure() {
	atomic.AddInt64(&r.failedCount, 1)
}

// Tick adds delta bytes to the job's running download total and records a
// speed sample. Called from the worker pool after every chunk write; chunks
// land from several workers at once, so the total accumulates rather than
// being overwritten by whichever item ticked last.
func (r *Reporter) Tick(delta int64) {
	total := atomic.AddInt64(&r.downloadedSize, delta)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.ringHead] = sample{at: time.Now(), bytes: total}
	r.ringHead = (r.ringHead + 1) % ringSize
	if r.ringCount < ringSize {
		r.ringCount++
	}
}

// SetScanPointer records the chat currently being scanned and the message
// id last observed there, for the API layer's "currently-scanning" field.
func (r *Reporter) SetScanPointer(chatLabel string, messageID int64) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()
	r.scanChat = chatLabel
	r.scanMsgID = messageID
}

// Snapshot is a read-only view of current progress.
type Snapshot struct {
	DownloadedMedia int64
	TotalMedia      int64
	DownloadedSize  int64
	FailedCount     int64
	SpeedBytesPerS  float64
	ScanChat        string
	ScanMessageID   int64
}

// Snapshot computes instantaneous speed as the slope of the oldest-to-newest
// sample in the ring buffer's current window.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	var oldest, newest sample
	haveWindow := r.ringCount >= 2
	if haveWindow {
		newestIdx := (r.ringHead - 1 + ringSize) % ringSize
		oldestIdx := r.ringHead % ringSize
		if r.ringCount < ringSize {
			oldestIdx = 0
		}
		newest = r.ring[newestIdx]
		oldest = r.ring[oldestIdx]
	}
	r.mu.Unlock()

	var speed float64
	if haveWindow {
		dt := newest.at.Sub(oldest.at).Seconds()
		if dt > 0 {
			speed = float64(newest.bytes-oldest.bytes) / dt
		}
	}

	r.scanMu.RLock()
	chat, msgID := r.scanChat, r.scanMsgID
	r.scanMu.RUnlock()

	return Snapshot{
		DownloadedMedia: atomic.LoadInt64(&r.downloadedMedia),
		TotalMedia:      atomic.LoadInt64(&r.totalMedia),
		DownloadedSize:  atomic.LoadInt64(&r.downloadedSize),
		FailedCount:     atomic.LoadInt64(&r.failedCount),
		SpeedBytesPerS:  speed,
		ScanChat:        chat,
		ScanMessageID:   msgID,
	}
}
