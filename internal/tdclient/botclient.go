package tdclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"golang.org/x/time/rate"

	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/retry"
	"github.com/zfonlyone/tg-export/internal/tgerr"
)

// Config configures a botClient.
type Config struct {
	Token           string
	Proxy           string        // optional transport proxy URL
	StorageDir      string        // where the chat registry and message logs live
	RequestsPerSec  rate.Limit    // steady-state outbound request budget
	Burst           int           // token bucket burst
	MinInterRequest time.Duration // floor between consecutive requests regardless of burst
}

// botClient is the concrete Client backed by the Telegram Bot API via
// telego: GetFile plus a ranged HTTP download from the file endpoint, with
// every error wrapped into the tgerr taxonomy at this boundary.
type botClient struct {
	bot   *telego.Bot
	token string
	http  *http.Client
	gate  *gate

	registry *registry
	history  *messageLog

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	minInterRequest time.Duration
	lastRequest     struct {
		mu sync.Mutex
		at time.Time
	}

	// metaRetry governs retries of metadata calls (GetChat/GetFile) that
	// classify as transient. Byte-range Download retries are handled by the
	// worker pool instead, since those need per-chunk
	// FloodWait/ReferenceExpired handling that differs from a flat retry
	// loop.
	metaRetry retry.Config
}

// New constructs a botClient and starts its background update-observation
// loop, the feed for the message log below and, together with ResolveChat,
// for the chat registry.
func New(ctx context.Context, cfg Config) (Client, error) {
	var opts []telego.BotOption
	httpClient := &http.Client{Timeout: 60 * time.Second}

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		opts = append(opts, telego.WithHTTPClient(httpClient))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	reg, err := newRegistry(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("open chat registry: %w", err)
	}
	hist, err := newMessageLog(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}

	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = rate.Limit(20)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.MinInterRequest <= 0 {
		cfg.MinInterRequest = 50 * time.Millisecond
	}

	c := &botClient{
		bot:             bot,
		token:           cfg.Token,
		http:            httpClient,
		gate:            newGate(cfg.RequestsPerSec, cfg.Burst),
		registry:        reg,
		history:         hist,
		minInterRequest: cfg.MinInterRequest,
		metaRetry:       retry.DefaultConfig(),
	}

	if err := c.startObserving(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// startObserving runs the long-polling loop that feeds the registry and
// message log.
func (c *botClient) startObserving(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "channel_post", "my_chat_member"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.observeUpdate(update)
			}
		}
	}()
	return nil
}

func (c *botClient) observeUpdate(update telego.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil {
		return
	}

	chat := chatDescriptorFromTelego(msg.Chat)
	if err := c.registry.observe(chat); err != nil {
		slog.Warn("chat registry persist failed", "chat_id", chat.ID, "error", err)
	}

	rec := messageRecordFromTelego(chat.ID, msg)
	if err := c.history.append(chat.ID, rec); err != nil {
		slog.Warn("message log append failed", "chat_id", chat.ID, "message_id", rec.ID, "error", err)
	}
}

func chatDescriptorFromTelego(chat telego.Chat) model.ChatDescriptor {
	t := model.ChatPrivate
	switch chat.Type {
	case "private":
		t = model.ChatPrivate
	case "group":
		t = model.ChatPrivateGroup
	case "supergroup":
		t = model.ChatPublicGroup
	case "channel":
		t = model.ChatPublicChannel
	}
	return model.ChatDescriptor{
		ID:    normalizeChatID(chat.ID, t),
		Type:  t,
		Title: chat.Title,
	}
}

// normalizeChatID prepends the wire-required "-100" channel prefix when the
// operator (or the update payload) supplies a raw positive or bare-negative
// id for a channel/supergroup.
func normalizeChatID(id int64, t model.ChatType) int64 {
	if t != model.ChatPublicChannel && t != model.ChatPublicGroup {
		return id
	}
	if id > 0 {
		id = -id
	}
	const channelPrefix = -1_000_000_000_000
	if id > channelPrefix {
		return channelPrefix + id
	}
	return id
}

func messageRecordFromTelego(chatID int64, msg *telego.Message) model.MessageRecord {
	rec := model.MessageRecord{
		ID:        int64(msg.MessageID),
		ChatID:    chatID,
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
		Text:      msg.Text,
	}
	if msg.From != nil {
		rec.SenderID = msg.From.ID
	}
	if msg.ReplyToMessage != nil {
		rec.ReplyToID = int64(msg.ReplyToMessage.MessageID)
	}

	// Photos and other media carry their text in Caption, not Text.
	entities := msg.Entities
	if rec.Text == "" && msg.Caption != "" {
		rec.Text = msg.Caption
		entities = msg.CaptionEntities
	}
	for _, e := range entities {
		rec.Entities = append(rec.Entities, model.Entity{
			Kind:   string(e.Type),
			Offset: e.Offset,
			Length: e.Length,
			Value:  e.URL,
		})
	}

	rec.Media = mediaRefFromTelego(chatID, msg)
	rec.Service = rec.Text == "" && rec.Media == nil
	return rec
}

// mediaRefFromTelego picks the message's transferable media object, if any.
// Photos take the highest resolution (last element), the same choice the Bot
// API's size variants force on every consumer.
func mediaRefFromTelego(chatID int64, msg *telego.Message) *model.MediaRef {
	ref := model.MediaRef{ChatID: chatID, MessageID: int64(msg.MessageID)}
	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		ref.Kind = model.MediaPhoto
		ref.FileRef = photo.FileID
		ref.Size = int64(photo.FileSize)
	case msg.Video != nil:
		ref.Kind = model.MediaVideo
		ref.FileRef = msg.Video.FileID
		ref.Size = int64(msg.Video.FileSize)
		ref.OriginalName = msg.Video.FileName
	case msg.VideoNote != nil:
		ref.Kind = model.MediaVideoNote
		ref.FileRef = msg.VideoNote.FileID
		ref.Size = int64(msg.VideoNote.FileSize)
	case msg.Voice != nil:
		ref.Kind = model.MediaVoice
		ref.FileRef = msg.Voice.FileID
		ref.Size = int64(msg.Voice.FileSize)
	case msg.Audio != nil:
		ref.Kind = model.MediaAudio
		ref.FileRef = msg.Audio.FileID
		ref.Size = int64(msg.Audio.FileSize)
		ref.OriginalName = msg.Audio.FileName
	case msg.Sticker != nil:
		ref.Kind = model.MediaSticker
		ref.FileRef = msg.Sticker.FileID
		ref.Size = int64(msg.Sticker.FileSize)
	case msg.Animation != nil:
		ref.Kind = model.MediaAnimation
		ref.FileRef = msg.Animation.FileID
		ref.Size = int64(msg.Animation.FileSize)
		ref.OriginalName = msg.Animation.FileName
	case msg.Document != nil:
		ref.Kind = model.MediaDocument
		ref.FileRef = msg.Document.FileID
		ref.Size = int64(msg.Document.FileSize)
		ref.OriginalName = msg.Document.FileName
	default:
		return nil
	}
	return &ref
}

func (c *botClient) IterateDialogs(ctx context.Context) iter.Seq2[model.ChatDescriptor, error] {
	return func(yield func(model.ChatDescriptor, error) bool) {
		chats := c.registry.all()
		sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })
		for _, ch := range chats {
			if ctx.Err() != nil {
				yield(model.ChatDescriptor{}, ctx.Err())
				return
			}
			if !yield(ch, nil) {
				return
			}
		}
	}
}

func (c *botClient) IterateHistory(ctx context.Context, chat model.ChatDescriptor, minID int64) iter.Seq2[model.MessageRecord, error] {
	return func(yield func(model.MessageRecord, error) bool) {
		msgs, err := c.history.since(chat.ID, minID)
		if err != nil {
			yield(model.MessageRecord{}, tgerr.Transient("IterateHistory", err))
			return
		}
		for _, m := range msgs {
			if ctx.Err() != nil {
				yield(model.MessageRecord{}, ctx.Err())
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (c *botClient) ResolveChat(ctx context.Context, rawID int64) (model.ChatDescriptor, error) {
	if err := c.gate.wait(ctx); err != nil {
		return model.ChatDescriptor{}, err
	}
	c.throttleMinInterval()

	var desc model.ChatDescriptor
	err := retry.Do(ctx, c.metaRetry, func() error {
		info, getErr := c.bot.GetChat(ctx, &telego.GetChatParams{ChatID: telego.ChatID{ID: rawID}})
		c.gate.observe(getErr)
		if getErr != nil {
			return classifyTelegoError("ResolveChat", getErr)
		}
		desc = chatDescriptorFromTelego(telego.Chat{ID: info.ID, Type: info.Type, Title: info.Title})
		return nil
	})
	if err != nil {
		return model.ChatDescriptor{}, err
	}
	if err := c.registry.observe(desc); err != nil {
		slog.Warn("chat registry persist failed", "chat_id", desc.ID, "error", err)
	}
	return desc, nil
}

func (c *botClient) Download(ctx context.Context, ref model.MediaRef, offset, chunkSize int64) ([]byte, error) {
	if err := c.gate.wait(ctx); err != nil {
		return nil, err
	}
	c.throttleMinInterval()

	var filePath string
	err := retry.Do(ctx, c.metaRetry, func() error {
		file, getErr := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: ref.FileRef})
		c.gate.observe(getErr)
		if getErr != nil {
			return classifyTelegoError("Download", getErr)
		}
		filePath = file.FilePath
		return nil
	})
	if err != nil {
		return nil, err
	}
	if filePath == "" {
		return nil, tgerr.ReferenceExpired("Download", fmt.Errorf("empty file path for ref %s", ref.FileRef))
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, tgerr.Permanent("Download", err)
	}
	end := offset + chunkSize - 1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, end))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, tgerr.Transient("Download", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, tgerr.Permanent("Download", fmt.Errorf("range not satisfiable at offset %d", offset))
	case http.StatusTooManyRequests:
		err := tgerr.FloodWait("Download", retryAfter(resp), fmt.Errorf("rate limited"))
		c.gate.observe(err) // hold the shared gate so no other worker claims a slot meanwhile
		return nil, err
	case http.StatusNotFound, http.StatusForbidden:
		return nil, tgerr.ReferenceExpired("Download", fmt.Errorf("status %d", resp.StatusCode))
	default:
		if resp.StatusCode >= 500 {
			return nil, tgerr.Transient("Download", fmt.Errorf("status %d", resp.StatusCode))
		}
		return nil, tgerr.Permanent("Download", fmt.Errorf("status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, chunkSize))
	if err != nil {
		return nil, tgerr.Transient("Download", err)
	}
	return data, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

func (c *botClient) RefreshReference(ctx context.Context, chatID, messageID int64) (model.MediaRef, error) {
	rec, err := c.history.get(chatID, messageID)
	if err != nil {
		return model.MediaRef{}, tgerr.Permanent("RefreshReference", err)
	}
	if rec.Media == nil {
		return model.MediaRef{}, tgerr.Permanent("RefreshReference", fmt.Errorf("message %d has no media", messageID))
	}

	if err := c.gate.wait(ctx); err != nil {
		return model.MediaRef{}, err
	}
	c.throttleMinInterval()

	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: rec.Media.FileRef})
	c.gate.observe(err)
	if err != nil {
		return model.MediaRef{}, classifyTelegoError("RefreshReference", err)
	}
	refreshed := *rec.Media
	refreshed.FileRef = file.FileID
	return refreshed, nil
}

func (c *botClient) throttleMinInterval() {
	if c.minInterRequest <= 0 {
		return
	}
	c.lastRequest.mu.Lock()
	defer c.lastRequest.mu.Unlock()
	if since := time.Since(c.lastRequest.at); since < c.minInterRequest {
		time.Sleep(c.minInterRequest - since)
	}
	c.lastRequest.at = time.Now()
}

func (c *botClient) Close() error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// classifyTelegoError maps a telego API error to the tgerr taxonomy.
// telego wraps Telegram's error_code/description in *telego.APIError; we
// only depend on its Error() text here rather than its internal field
// layout, since a library-internal struct shape is not something to guess
// at without the source in hand.
func classifyTelegoError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "429", "Too Many Requests", "flood"):
		return tgerr.FloodWait(op, 5*time.Second, err)
	case containsAny(msg, "400", "403", "404", "Bad Request", "Forbidden", "not found"):
		return tgerr.Permanent(op, err)
	default:
		return tgerr.Transient(op, err)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// messageLog backs IterateHistory: because the Bot API has no getHistory
// call, history is reconstructed from messages observed while the bot was
// running, persisted as an append-only ndjson file per chat under
// storageDir/history/<chatId>.ndjson. Same limitation and same fix as the
// chat registry behind IterateDialogs, applied to message history.
type messageLog struct {
	mu   sync.Mutex
	dir  string
	byID map[int64]map[int64]model.MessageRecord // chatID -> messageID -> record
}

func newMessageLog(storageDir string) (*messageLog, error) {
	dir := filepath.Join(storageDir, "history")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &messageLog{dir: dir, byID: make(map[int64]map[int64]model.MessageRecord)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := l.loadFile(filepath.Join(dir, e.Name())); err != nil {
			return nil, fmt.Errorf("load history file %s: %w", e.Name(), err)
		}
	}
	return l, nil
}

func (l *messageLog) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var rec model.MessageRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		l.storeLocked(rec)
	}
	return nil
}

func (l *messageLog) storeLocked(rec model.MessageRecord) {
	byChat, ok := l.byID[rec.ChatID]
	if !ok {
		byChat = make(map[int64]model.MessageRecord)
		l.byID[rec.ChatID] = byChat
	}
	byChat[rec.ID] = rec
}

func (l *messageLog) append(chatID int64, rec model.MessageRecord) error {
	l.mu.Lock()
	l.storeLocked(rec)
	l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := filepath.Join(l.dir, fmt.Sprintf("%d.ndjson", chatID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (l *messageLog) since(chatID, minID int64) ([]model.MessageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byChat := l.byID[chatID]
	out := make([]model.MessageRecord, 0, len(byChat))
	for id, rec := range byChat {
		if id > minID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *messageLog) get(chatID, messageID int64) (model.MessageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byChat, ok := l.byID[chatID]
	if !ok {
		return model.MessageRecord{}, fmt.Errorf("chat %d not found", chatID)
	}
	rec, ok := byChat[messageID]
	if !ok {
		return model.MessageRecord{}, fmt.Errorf("message %d not found", messageID)
	}
	return rec, nil
}
