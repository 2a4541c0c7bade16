package tdclient

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/zfonlyone/tg-export/internal/model"
)

// registry is the locally persisted chat directory that backs
// IterateDialogs. The Bot API exposes no "list all dialogs" call — only a
// user-account (MTProto) session would — so the registry is populated from
// two sources instead: chats observed via long-polled updates, and chats
// explicitly resolved through ResolveChat. This keeps the Client contract
// identical to what a full MTProto session would offer for the filtered,
// explicit-id-list path, and approximates the enumerate-everything path
// within what the Bot API can actually see.
type registry struct {
	mu    sync.RWMutex
	path  string // file this registry is persisted to
	chats map[int64]model.ChatDescriptor
}

func newRegistry(storageDir string) (*registry, error) {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	r := &registry{
		path:  filepath.Join(storageDir, "chat_registry.json"),
		chats: make(map[int64]model.ChatDescriptor),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *registry) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []model.ChatDescriptor
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range list {
		r.chats[c.ID] = c
	}
	return nil
}

// observe records or updates a chat descriptor, persisting the registry
// afterward. Called both from the update-polling loop and from ResolveChat.
func (r *registry) observe(chat model.ChatDescriptor) error {
	r.mu.Lock()
	r.chats[chat.ID] = chat
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	return r.save(snapshot)
}

func (r *registry) snapshotLocked() []model.ChatDescriptor {
	out := make([]model.ChatDescriptor, 0, len(r.chats))
	for _, c := range r.chats {
		out = append(out, c)
	}
	return out
}

func (r *registry) all() []model.ChatDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *registry) save(list []model.ChatDescriptor) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), "chat_registry-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, r.path)
}
