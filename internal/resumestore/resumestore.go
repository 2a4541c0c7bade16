// Package resumestore persists job state: directory-based, one directory
// per job, atomic write-to-temp-then-rename for every structured file
// except the append-only per-chat message log.
package resumestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/zfonlyone/tg-export/internal/model"
)

// JobDescriptor is the persisted job.json contents: identity, filter,
// output/performance policy, state, and aggregates.
type JobDescriptor struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	State     string            `json:"state"`
	Filter    map[string]any    `json:"filter"`
	Output    map[string]any    `json:"output"`
	Perf      map[string]any    `json:"perf"`
	Totals    map[string]int64  `json:"totals"`
	Processed map[string]int64  `json:"processed"`
	LastError string            `json:"last_error,omitempty"`
	LastVerify string           `json:"last_verify,omitempty"`
	ScanChat  string            `json:"scan_chat,omitempty"`
	ScanMsgID int64             `json:"scan_msg_id,omitempty"`
	Verifying bool              `json:"verifying,omitempty"`
}

// Store manages the on-disk jobs/ directory tree. One Store is shared
// process-wide; writes for a given job are serialized through per-job
// locks obtained via lockFor.
type Store struct {
	root string // <data root>/jobs

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// New opens (creating if absent) the jobs directory under dataRoot.
func New(dataRoot string) (*Store, error) {
	root := filepath.Join(dataRoot, "jobs")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs root: %w", err)
	}
	return &Store{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) lockFor(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

// ListJobIDs returns every job directory under the store root.
func (s *Store) ListJobIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// writeAtomic writes data to path via a sibling temp file, fsync, then
// rename, so readers never observe a torn write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// SaveJob persists job.json atomically.
func (s *Store) SaveJob(desc JobDescriptor) error {
	lock := s.lockFor(desc.ID)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job descriptor: %w", err)
	}
	return writeAtomic(filepath.Join(s.jobDir(desc.ID), "job.json"), data)
}

// LoadJob reads job.json for jobID.
func (s *Store) LoadJob(jobID string) (JobDescriptor, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(jobID), "job.json"))
	if err != nil {
		return JobDescriptor{}, err
	}
	var desc JobDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return JobDescriptor{}, fmt.Errorf("unmarshal job descriptor: %w", err)
	}
	return desc, nil
}

// SaveQueue persists queue.json atomically.
func (s *Store) SaveQueue(jobID string, items []model.MediaItem) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	return writeAtomic(filepath.Join(s.jobDir(jobID), "queue.json"), data)
}

// LoadQueue reads queue.json, returning an empty slice if it doesn't exist
// yet (a brand new job).
func (s *Store) LoadQueue(jobID string) ([]model.MediaItem, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(jobID), "queue.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []model.MediaItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("unmarshal queue: %w", err)
	}
	return items, nil
}

// AppendMessage appends one message record to messages/<chatId>.ndjson.
// The message log is the only structured file updated in place rather than
// via write-temp-then-rename, the same treatment .partial files get.
func (s *Store) AppendMessage(jobID string, chatID int64, rec model.MessageRecord) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(s.jobDir(jobID), "messages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := filepath.Join(dir, fmt.Sprintf("%d.ndjson", chatID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// SaveCursor persists the last-fully-processed message id for a chat,
// atomically.
func (s *Store) SaveCursor(jobID string, chatID int64, messageID int64) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.jobDir(jobID), "cursor", strconv.FormatInt(chatID, 10))
	return writeAtomic(path, []byte(strconv.FormatInt(messageID, 10)))
}

// LoadCursor reads the persisted cursor for a chat, or 0 if none exists.
func (s *Store) LoadCursor(jobID string, chatID int64) (int64, error) {
	path := filepath.Join(s.jobDir(jobID), "cursor", strconv.FormatInt(chatID, 10))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor: %w", err)
	}
	return id, nil
}

// Delete removes a job's jobs/<id> directory (metadata only). Removing the
// exported media tree is a separate operation (PurgeMedia) gated by the
// purge_media query flag at the HTTP layer.
func (s *Store) Delete(jobID string) error {
	return os.RemoveAll(s.jobDir(jobID))
}

// PurgeMedia removes the job's exported media tree under exportRoot.
func (s *Store) PurgeMedia(exportRoot, jobName string) error {
	return os.RemoveAll(filepath.Join(exportRoot, jobName))
}

// PartialLength returns the length of a media item's .partial file, or 0 if
// it doesn't exist. Used on restart to confirm partials by file length.
func PartialLength(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// OpenPartialForAppend opens (creating if needed) a .partial file in append
// mode, for the worker pool's per-chunk writes.
func OpenPartialForAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// FinalizePartial fsyncs and renames a completed .partial to its final
// target path.
func FinalizePartial(partialPath, targetPath string) error {
	f, err := os.OpenFile(partialPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(partialPath, targetPath)
}
