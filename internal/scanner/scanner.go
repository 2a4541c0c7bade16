// Package scanner walks one chat's messages ascending from a resume
// cursor, emitting message records to the resume store and media items to
// the download queue.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/zfonlyone/tg-export/internal/downloadqueue"
	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/resumestore"
	"github.com/zfonlyone/tg-export/internal/tdclient"
)

// cursorPersistInterval is how many messages may pass between cursor
// writes; the cursor is also persisted on every chat boundary.
const cursorPersistInterval = 50

// MediaFilter decides whether a media item survives the job's media-type
// mask and explicit include/skip list. OnlyMine restricts archiving to
// messages sent by the job owner.
type MediaFilter struct {
	Kinds    map[model.MediaKind]bool // empty means "all kinds"
	Include  map[int64]bool           // explicit message-id include list; empty means "no restriction"
	Skip     map[int64]bool           // explicit message-id skip list
	OnlyMine bool
	OwnerID  int64
}

func (f MediaFilter) allows(msg model.MessageRecord) bool {
	if f.Skip[msg.ID] {
		return false
	}
	if len(f.Include) > 0 && !f.Include[msg.ID] {
		return false
	}
	if f.OnlyMine && msg.SenderID != f.OwnerID {
		return false
	}
	return true
}

func (f MediaFilter) allowsKind(kind model.MediaKind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	return f.Kinds[kind]
}

// Sink receives scanner output. The Job Controller wires this to the
// downloadqueue.Queue through QueueSinkAdapter.
type Sink interface {
	Enqueue(item *model.MediaItem)
}

// Scanner walks one chat's history and drives a Sink plus the Resume
// Store's append log and cursor.
type Scanner struct {
	JobID     string
	Client    tdclient.Client
	Store     *resumestore.Store
	Sink      Sink
	Filter    MediaFilter
	MessageTo int64 // 0 means "current head"

	// DateFrom/DateTo bound the archived range by message timestamp; a zero
	// value leaves that end unbounded.
	DateFrom time.Time
	DateTo   time.Time

	// OnMessage is called after every persisted message, for progress
	// pointer updates; may be nil.
	OnMessage func(msg model.MessageRecord)
}

// Scan walks chat starting just after fromID (which is
// max(job.message_from-1, resume_cursor[chat])) up to MessageTo inclusive
// (or until the stream ends, when MessageTo == 0). Ascending order is the
// resumability invariant: on interruption, restarting at
// `last persisted id` loses no message and duplicates none, because Scan
// is called again with fromID = that same cursor.
func (s *Scanner) Scan(ctx context.Context, chat model.ChatDescriptor, fromID int64) error {
	var sinceLast int
	var lastPersisted int64 = fromID

	for msg, err := range s.Client.IterateHistory(ctx, chat, fromID) {
		if err != nil {
			return fmt.Errorf("scan chat %d: %w", chat.ID, err)
		}
		if s.MessageTo > 0 && msg.ID > s.MessageTo {
			break
		}
		if !s.inDateRange(msg.Timestamp) {
			lastPersisted = msg.ID
			continue
		}

		if err := s.Store.AppendMessage(s.JobID, chat.ID, msg); err != nil {
			return fmt.Errorf("persist message %d in chat %d: %w", msg.ID, chat.ID, err)
		}

		if s.Filter.allows(msg) && msg.Media != nil && s.Filter.allowsKind(msg.Media.Kind) {
			item := mediaItemFromMessage(s.JobID, chat, msg)
			s.Sink.Enqueue(item)
		}

		if s.OnMessage != nil {
			s.OnMessage(msg)
		}

		lastPersisted = msg.ID
		sinceLast++
		if sinceLast >= cursorPersistInterval {
			if err := s.Store.SaveCursor(s.JobID, chat.ID, lastPersisted); err != nil {
				return fmt.Errorf("persist cursor for chat %d: %w", chat.ID, err)
			}
			sinceLast = 0
		}

		if s.MessageTo > 0 && msg.ID == s.MessageTo {
			break
		}
	}

	// Chat boundary: always persist the final cursor, even if sinceLast == 0.
	return s.Store.SaveCursor(s.JobID, chat.ID, lastPersisted)
}

func (s *Scanner) inDateRange(ts time.Time) bool {
	if !s.DateFrom.IsZero() && ts.Before(s.DateFrom) {
		return false
	}
	if !s.DateTo.IsZero() && ts.After(s.DateTo) {
		return false
	}
	return true
}

func mediaItemFromMessage(jobID string, chat model.ChatDescriptor, msg model.MessageRecord) *model.MediaItem {
	ref := *msg.Media
	name := ref.OriginalName
	if name == "" {
		name = fmt.Sprintf("media.%s", ref.Kind.Extension())
	}
	filename := fmt.Sprintf("%d-%d-%s", msg.ID, chat.ID, name)

	return &model.MediaItem{
		ID: model.ItemID{
			JobID:     jobID,
			ChatID:    chat.ID,
			MessageID: msg.ID,
			Slot:      0,
		},
		Kind:      ref.Kind,
		Size:      ref.Size,
		MessageID: msg.ID,
		Dir:       fmt.Sprintf("%d/%s", chat.ID, ref.Kind),
		Filename:  filename,
		Status:    model.StatusWaiting,
		Ref:       &ref,
	}
}

// QueueSinkAdapter adapts a *downloadqueue.Queue to the Sink interface, so
// the Scanner itself depends only on Sink and tests can pass a double.
type QueueSinkAdapter struct {
	Queue *downloadqueue.Queue
}

func (a QueueSinkAdapter) Enqueue(item *model.MediaItem) {
	a.Queue.Enqueue(item)
}

var _ Sink = QueueSinkAdapter{}

// ResumeFrom computes the starting point for a chat scan: the greater of
// the job's configured message_from and the chat's persisted cursor. The
// IterateHistory contract takes an exclusive lower bound, so messageFrom-1
// is used when messageFrom should itself be included.
func ResumeFrom(messageFrom int64, cursor int64) int64 {
	from := messageFrom - 1
	if cursor > from {
		return cursor
	}
	return from
}

