// Package model holds the domain types shared across the export engine:
// jobs, chats, messages, and media items. Keeping them in one leaf package
// avoids import cycles between the scanner, queue, worker pool, and stores
// that all need to agree on the same shapes.
package model

import "time"

// ChatType enumerates the chat-type mask bits used by job filters and chat
// descriptors.
type ChatType string

const (
	ChatPrivate        ChatType = "private"
	ChatBot            ChatType = "bot"
	ChatPrivateGroup   ChatType = "private_group"
	ChatPrivateChannel ChatType = "private_channel"
	ChatPublicGroup    ChatType = "public_group"
	ChatPublicChannel  ChatType = "public_channel"
)

// ChatDescriptor identifies one chat (dialog, group, or channel).
type ChatDescriptor struct {
	ID         int64    `json:"id"`          // wire-normalized (channels/groups carry the required prefix)
	Type       ChatType `json:"type"`
	Title      string   `json:"title"`
	AccessHash int64    `json:"access_hash,omitempty"`
}

// Entity is a formatting span or link/mention inside a message's text.
type Entity struct {
	Kind   string `json:"kind"` // "link", "mention", "bold", "italic", "code", ...
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Value  string `json:"value,omitempty"` // URL for links, username for mentions
}

// MessageRecord is one immutable archived message.
type MessageRecord struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`
	SenderID  int64     `json:"sender_id"`
	ReplyToID int64     `json:"reply_to_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Entities  []Entity  `json:"entities,omitempty"`
	Service   bool      `json:"service,omitempty"`
	Media     *MediaRef `json:"media,omitempty"`
}

// MediaKind enumerates the media types the engine can download.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaVoice     MediaKind = "voice"
	MediaVideoNote MediaKind = "video_note"
	MediaAudio     MediaKind = "audio"
	MediaSticker   MediaKind = "sticker"
	MediaAnimation MediaKind = "animation"
	MediaDocument  MediaKind = "document"
)

// typeExtensions maps media kinds to the extension used when the wire
// protocol supplies no original filename.
var typeExtensions = map[MediaKind]string{
	MediaPhoto:     "jpg",
	MediaVideo:     "mp4",
	MediaVideoNote: "mp4",
	MediaVoice:     "ogg",
	MediaAudio:     "mp3",
	MediaSticker:   "webp",
	MediaAnimation: "mp4",
	MediaDocument:  "bin",
}

// Extension returns the fallback file extension for a media kind.
func (k MediaKind) Extension() string {
	if ext, ok := typeExtensions[k]; ok {
		return ext
	}
	return "bin"
}

// MediaRef is the short-lived access tuple the messaging service requires to
// request bytes for one media object. It expires and must be refreshed via
// Client.RefreshReference.
type MediaRef struct {
	ChatID       int64     `json:"chat_id"`
	MessageID    int64     `json:"message_id"`
	FileRef      string    `json:"file_ref"` // opaque, service-specific
	Kind         MediaKind `json:"kind"`
	Size         int64     `json:"size"` // announced byte size
	OriginalName string    `json:"original_name,omitempty"`
}

// ItemStatus is a media item's position in the download-queue state machine.
type ItemStatus string

const (
	StatusWaiting     ItemStatus = "waiting"
	StatusDownloading ItemStatus = "downloading"
	StatusPaused      ItemStatus = "paused"
	StatusCompleted   ItemStatus = "completed"
	StatusFailed      ItemStatus = "failed"
	StatusSkipped     ItemStatus = "skipped"
)

// ItemID identifies one media item: (job, chat, message, slot).
type ItemID struct {
	JobID     string `json:"job_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Slot      int    `json:"slot"` // a message can carry more than one media reference
}

// String renders the item ID as a stable map key.
func (id ItemID) String() string {
	return id.JobID + "/" + itoa(id.ChatID) + "/" + itoa(id.MessageID) + "/" + itoa(int64(id.Slot))
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// MediaItem is one transferable binary object referenced by exactly one
// message.
type MediaItem struct {
	ID              ItemID     `json:"id"`
	Kind            MediaKind  `json:"kind"`
	Size            int64      `json:"size"`            // announced byte size
	MessageID       int64      `json:"message_id"`
	Dir             string     `json:"dir"`             // target directory (deep subpath)
	Filename        string     `json:"filename"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	Status          ItemStatus `json:"status"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	Ref             *MediaRef  `json:"ref,omitempty"`
}

// Path returns the final on-disk path (relative to the job's output root).
func (m *MediaItem) Path() string {
	return m.Dir + "/" + m.Filename
}

// PartialPath returns the in-progress sibling path.
func (m *MediaItem) PartialPath() string {
	return m.Path() + ".partial"
}
