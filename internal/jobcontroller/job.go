package jobcontroller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zfonlyone/tg-export/internal/chatresolver"
	"github.com/zfonlyone/tg-export/internal/delegate"
	"github.com/zfonlyone/tg-export/internal/downloadqueue"
	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/progress"
	"github.com/zfonlyone/tg-export/internal/resumestore"
	"github.com/zfonlyone/tg-export/internal/scanner"
	"github.com/zfonlyone/tg-export/internal/tdclient"
	"github.com/zfonlyone/tg-export/internal/workerpool"
)

// Filter is the job's chat/message selection criteria.
type Filter struct {
	ChatResolver chatresolver.Filter
	MessageFrom  int64
	MessageTo    int64 // 0 = current head
	DateFrom     time.Time
	DateTo       time.Time
	Media        scanner.MediaFilter
}

// OutputPolicy controls where and in what format archived data lands.
type OutputPolicy struct {
	RootDir string
	Format  string // "html" | "json" | "both" — rendering itself is out of scope
}

// PerfPolicy controls download concurrency.
type PerfPolicy struct {
	MaxConcurrentDownloads int // 1..20
	ParallelChunk          bool
	ProxyURL               string
	Delegated              bool
}

// Job is one export job's in-memory state, mirroring job.json.
type Job struct {
	ID     string
	Name   string
	Filter Filter
	Output OutputPolicy
	Perf   PerfPolicy

	mu            sync.RWMutex
	state         State
	lastError     string
	lastVerify    string
	verifying     bool
	totalMessages int64
	procMessages  int64

	queue    *downloadqueue.Queue
	reporter *progress.Reporter
	pool     *workerpool.Pool
	signals  *workerpool.Signals

	scanCancel context.CancelFunc
	scanDone   chan struct{}

	opLock sync.Mutex // per-job exclusive lock for Start/Pause/Resume/Cancel/Retry/Verify/Scan/SetDelegated
}

func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Reporter exposes the job's progress reporter for read-only status
// queries from the HTTP API layer.
func (j *Job) Reporter() *progress.Reporter { return j.reporter }

// Queue exposes the job's Download Queue for the per-item endpoints
// (pause/resume/cancel/retry_file) and the downloads-listing projection.
func (j *Job) Queue() *downloadqueue.Queue { return j.queue }

// Status is a read-only snapshot of one job's full state, the shape the
// GET .../{id} and tasks-listing endpoints serialize.
type Status struct {
	ID         string
	Name       string
	State      State
	Filter     Filter
	Output     OutputPolicy
	Perf       PerfPolicy
	LastError  string
	LastVerify string
	Verifying  bool
	Progress   progress.Snapshot
	Counts     map[string]int
}

// Status snapshots everything the API layer needs to render one job,
// avoiding a scatter of individual lock-acquiring getters at the httpapi
// layer.
func (c *Controller) Status() Status {
	j := c.job
	j.mu.RLock()
	st := Status{
		ID:         j.ID,
		Name:       j.Name,
		State:      j.state,
		Filter:     j.Filter,
		Output:     j.Output,
		Perf:       j.Perf,
		LastError:  j.lastError,
		LastVerify: j.lastVerify,
		Verifying:  j.verifying,
	}
	j.mu.RUnlock()

	st.Progress = j.reporter.Snapshot()
	counts := j.queue.Counts()
	st.Counts = make(map[string]int, len(counts))
	total := 0
	for status, n := range counts {
		st.Counts[string(status)] = n
		total += n
	}
	// The queue is authoritative for item counts; the reporter only sees
	// completions from the current process lifetime.
	st.Progress.TotalMedia = int64(total)
	st.Progress.DownloadedMedia = int64(counts[model.StatusCompleted])
	return st
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Controller owns one job's lifecycle: chat resolution, scanning, the
// worker pool, and persistence. A per-job lock rejects overlapping
// operations instead of queueing them.
type Controller struct {
	Client tdclient.Client
	Store  *resumestore.Store

	job *Job

	userKey     string
	delegateCfg delegate.Config
}

// ConfigureDelegate wires the owning Engine's delegated-downloader settings
// into the controller. userKey scopes the per-user process-global semaphore;
// cfg (binary path, session file, container name) is process-wide and the
// same for every job, so it is supplied here rather than threaded through
// NewController/Rehydrate.
func (c *Controller) ConfigureDelegate(userKey string, cfg delegate.Config) {
	c.userKey = userKey
	c.delegateCfg = cfg
}

// NewController builds a controller for a brand-new job.
func NewController(client tdclient.Client, store *resumestore.Store, name string, filter Filter, output OutputPolicy, perf PerfPolicy) *Controller {
	job := &Job{
		ID:       uuid.NewString(),
		Name:     name,
		Filter:   filter,
		Output:   output,
		Perf:     perf,
		state:    StatePending,
		queue:    downloadqueue.New(),
		reporter: progress.New(),
		signals:  workerpool.NewSignals(),
	}
	return &Controller{Client: client, Store: store, job: job}
}

func (c *Controller) Job() *Job { return c.job }

// Rehydrate reconstructs a Controller from its persisted job.json and
// queue.json. The returned controller's in-memory state mirrors disk
// exactly, including terminal/paused states — the caller decides whether to
// call Reenter to re-enter a job that crashed mid-run.
func Rehydrate(client tdclient.Client, store *resumestore.Store, desc resumestore.JobDescriptor, queue []model.MediaItem) *Controller {
	filter := Filter{
		ChatResolver: chatresolver.Filter{
			ChatIDs: toInt64Slice(desc.Filter["chat_ids"]),
			Types:   toChatTypeSet(desc.Filter["chat_types"]),
		},
		MessageFrom: toInt64(desc.Filter["message_from"]),
		MessageTo:   toInt64(desc.Filter["message_to"]),
		DateFrom:    toTime(desc.Filter["date_from"]),
		DateTo:      toTime(desc.Filter["date_to"]),
		Media: scanner.MediaFilter{
			Kinds:    toMediaKindSet(desc.Filter["media_kinds"]),
			OnlyMine: toBool(desc.Filter["only_mine"]),
			OwnerID:  toInt64(desc.Filter["owner_id"]),
		},
	}
	output := OutputPolicy{}
	if v, ok := desc.Output["root_dir"].(string); ok {
		output.RootDir = v
	}
	if v, ok := desc.Output["format"].(string); ok {
		output.Format = v
	}
	perf := PerfPolicy{
		MaxConcurrentDownloads: int(toInt64(desc.Perf["max_concurrent_downloads"])),
		ParallelChunk:          toBool(desc.Perf["parallel_chunk"]),
		ProxyURL:               toString(desc.Perf["proxy_url"]),
		Delegated:              toBool(desc.Perf["delegated"]),
	}

	q := downloadqueue.New()
	q.Restore(queue)

	job := &Job{
		ID:            desc.ID,
		Name:          desc.Name,
		Filter:        filter,
		Output:        output,
		Perf:          perf,
		state:         State(desc.State),
		lastError:     desc.LastError,
		lastVerify:    desc.LastVerify,
		totalMessages: desc.Totals["messages"],
		procMessages:  desc.Processed["messages"],
		queue:         q,
		reporter:      progress.New(),
		signals:       workerpool.NewSignals(),
	}
	return &Controller{Client: client, Store: store, job: job}
}

func toInt64Slice(v any) []int64 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, x := range raw {
		out = append(out, toInt64(x))
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toTime(v any) time.Time {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func toChatTypeSet(v any) map[model.ChatType]bool {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[model.ChatType]bool, len(raw))
	for k, x := range raw {
		if b, ok := x.(bool); ok {
			out[model.ChatType(k)] = b
		}
	}
	return out
}

func toMediaKindSet(v any) map[model.MediaKind]bool {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[model.MediaKind]bool, len(raw))
	for k, x := range raw {
		if b, ok := x.(bool); ok {
			out[model.MediaKind(k)] = b
		}
	}
	return out
}

// tryLock attempts the re-entrancy guard. Returns false ("busy") if
// another operation already holds it.
func (c *Controller) tryLock() bool {
	return c.job.opLock.TryLock()
}

// Start moves the job to extracting, then resolves and scans chats in the
// background. A job that resolves no chats goes straight to completed.
// Otherwise the worker pool (or the delegated drain) is launched and the job
// moves to running just before the first chat is scanned, not when the first
// media item is enqueued; a job whose chats yield no media passes through
// running and completes once its empty queue drains.
func (c *Controller) Start(ctx context.Context) error {
	if !c.tryLock() {
		return fmt.Errorf("job %s busy", c.job.ID)
	}
	defer c.job.opLock.Unlock()

	if c.job.State() != StatePending {
		return fmt.Errorf("job %s not pending (state=%s)", c.job.ID, c.job.State())
	}
	to, ok := Next(StatePending, TriggerStart)
	if !ok {
		return fmt.Errorf("illegal transition pending->start")
	}
	c.job.setState(to)

	scanCtx, cancel := context.WithCancel(ctx)
	c.job.scanCancel = cancel
	c.job.scanDone = make(chan struct{})

	go c.runExtraction(scanCtx)
	return nil
}

func (c *Controller) runExtraction(ctx context.Context) {
	defer close(c.job.scanDone)

	chats, err := chatresolver.Resolve(ctx, c.Client, c.job.Filter.ChatResolver)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		c.fail(fmt.Errorf("resolve chats: %w", err))
		return
	}
	if len(chats) == 0 {
		c.complete()
		return
	}

	c.job.pool = &workerpool.Pool{
		JobID:         c.job.ID,
		Client:        c.Client,
		Queue:         c.job.queue,
		Store:         c.Store,
		Reporter:      c.job.reporter,
		ExportRoot:    filepath.Join(c.job.Output.RootDir, c.job.Name),
		Signals:       c.job.signals,
		ParallelChunk: c.job.Perf.ParallelChunk,
	}
	n := c.job.Perf.MaxConcurrentDownloads
	if n <= 0 {
		n = 1
	}
	started := false

	go c.persistPeriodically(ctx)

	for _, chat := range chats {
		if ctx.Err() != nil {
			return
		}
		cursor, err := c.Store.LoadCursor(c.job.ID, chat.ID)
		if err != nil {
			c.fail(fmt.Errorf("load cursor for chat %d: %w", chat.ID, err))
			return
		}
		from := scanner.ResumeFrom(c.job.Filter.MessageFrom, cursor)

		s := &scanner.Scanner{
			JobID:     c.job.ID,
			Client:    c.Client,
			Store:     c.Store,
			Sink:      scanner.QueueSinkAdapter{Queue: c.job.queue},
			Filter:    c.job.Filter.Media,
			MessageTo: c.job.Filter.MessageTo,
			DateFrom:  c.job.Filter.DateFrom,
			DateTo:    c.job.Filter.DateTo,
			OnMessage: func(msg model.MessageRecord) {
				c.job.mu.Lock()
				c.job.procMessages++
				c.job.mu.Unlock()
				c.job.reporter.SetScanPointer(chat.Title, msg.ID)
			},
		}

		if !started {
			if c.job.Perf.Delegated {
				go c.runDelegatedDrain(ctx)
			} else {
				c.job.pool.Start(ctx, n)
			}
			c.job.setState(mustNext(StateExtracting, TriggerFirstMediaReady))
			started = true
		}

		if err := s.Scan(ctx, chat, from); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				// Pause or Cancel interrupted the scan; that transition owns
				// the job state, this is not a failure.
				return
			}
			c.fail(fmt.Errorf("scan chat %d: %w", chat.ID, err))
			return
		}
	}

	c.job.mu.Lock()
	c.job.totalMessages = c.job.procMessages
	c.job.mu.Unlock()

	if !started {
		c.complete()
		return
	}

	go c.watchDrain(ctx)
}

// persistPeriodically snapshots job.json/queue.json on a timer while the
// job is live, so a crash at any moment loses at most one interval of
// progress bookkeeping (never file bytes — those live in .partial files).
func (c *Controller) persistPeriodically(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.persist()
		}
	}
}

// runDelegatedDrain replaces the worker pool when Perf.Delegated is set: it
// repeatedly hands every waiting item to the external downloader process
// instead of claiming items in-process. Polling rather than a single
// long-lived RunOnce call, since new items keep arriving from the scan loop
// running concurrently on other chats.
func (c *Controller) runDelegatedDrain(ctx context.Context) {
	inv := &delegate.Invoker{Config: c.delegateCfg, Queue: c.job.queue}
	exportRoot := filepath.Join(c.job.Output.RootDir, c.job.Name)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := inv.RunOnce(ctx, c.job.ID, c.userKey, exportRoot); err != nil {
				slog.Warn("delegated download batch failed", "job", c.job.ID, "error", err)
			}
		}
	}
}

func mustNext(from State, trigger Trigger) State {
	to, _ := Next(from, trigger)
	return to
}

// watchDrain polls the queue until everything waiting/downloading is gone,
// then transitions the job to completed. A polling loop, not a blocking
// wait, because new items can still be queued by a scan happening on
// another chat concurrently; the drain check only fires after all chats
// have been scanned (called once runExtraction's chat loop finishes).
func (c *Controller) watchDrain(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := c.job.queue.Counts()
			// Paused items hold completion open: a completed job may only
			// contain completed, skipped, or failed items.
			if counts[model.StatusWaiting] == 0 && counts[model.StatusDownloading] == 0 && counts[model.StatusPaused] == 0 {
				c.job.pool.Stop()
				c.complete()
				return
			}
		}
	}
}

func (c *Controller) complete() {
	c.job.setState(StateCompleted)
	c.persist()
}

func (c *Controller) fail(err error) {
	c.job.mu.Lock()
	c.job.lastError = err.Error()
	c.job.mu.Unlock()
	c.job.setState(StateFailed)
	slog.Error("job failed", "job", c.job.ID, "error", err)
	c.persist()
}

func (c *Controller) persist() {
	if err := c.Persist(); err != nil {
		slog.Error("persist job failed", "job", c.job.ID, "error", err)
	}
}

// Persist writes job.json and queue.json for the controller's current
// in-memory state. Exported so callers outside this package (the owning
// Engine, after an operation that doesn't itself persist, or on a timer)
// can force a snapshot without reaching into job internals.
func (c *Controller) Persist() error {
	desc := c.Descriptor()
	if err := c.Store.SaveJob(desc); err != nil {
		return fmt.Errorf("save job descriptor: %w", err)
	}
	if err := c.Store.SaveQueue(c.job.ID, c.job.queue.All()); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// Pause signals workers to release after their current chunk and suspends
// scanning.
func (c *Controller) Pause(ctx context.Context) error {
	if !c.tryLock() {
		return fmt.Errorf("job %s busy", c.job.ID)
	}
	defer c.job.opLock.Unlock()

	state := c.job.State()
	to, ok := Next(state, TriggerPause)
	if !ok {
		return fmt.Errorf("job %s cannot pause from state %s", c.job.ID, state)
	}
	c.job.signals.SetPaused(true)
	c.job.queue.SetGlobalPause(true)
	if c.job.scanCancel != nil {
		c.job.scanCancel()
	}
	c.job.setState(to)
	c.persist()
	return nil
}

// Resume wakes workers and resumes scanning from each chat's cursor.
func (c *Controller) Resume(ctx context.Context) error {
	if !c.tryLock() {
		return fmt.Errorf("job %s busy", c.job.ID)
	}
	defer c.job.opLock.Unlock()

	state := c.job.State()
	to, ok := Next(state, TriggerResume)
	if !ok {
		return fmt.Errorf("job %s cannot resume from state %s", c.job.ID, state)
	}
	c.job.signals.SetPaused(false)
	c.job.queue.SetGlobalPause(false)

	scanCtx, cancel := context.WithCancel(ctx)
	c.job.scanCancel = cancel
	c.job.scanDone = make(chan struct{})
	c.job.setState(to)

	go c.runExtraction(scanCtx)
	return nil
}

// Reenter restarts scanning and the worker pool for a job whose persisted
// state is running or extracting: the process died mid-job rather than being
// paused by an operator. Unlike Resume, which only accepts an
// operator-paused job, Reenter accepts the in-flight states directly since
// recovery is not an operator trigger and has no entry in the transition
// table.
func (c *Controller) Reenter(ctx context.Context) error {
	if !c.tryLock() {
		return fmt.Errorf("job %s busy", c.job.ID)
	}
	state := c.job.State()
	if state != StateRunning && state != StateExtracting {
		c.job.opLock.Unlock()
		return fmt.Errorf("job %s not running/extracting (state=%s)", c.job.ID, state)
	}
	c.job.opLock.Unlock()

	scanCtx, cancel := context.WithCancel(ctx)
	c.job.scanCancel = cancel
	c.job.scanDone = make(chan struct{})
	go c.runExtraction(scanCtx)
	return nil
}

// Cancel stops all workers and scanning; partials are retained.
func (c *Controller) Cancel(ctx context.Context) error {
	if !c.tryLock() {
		return fmt.Errorf("job %s busy", c.job.ID)
	}
	defer c.job.opLock.Unlock()

	state := c.job.State()
	to, ok := Next(state, TriggerCancel)
	if !ok {
		return fmt.Errorf("job %s cannot cancel from state %s", c.job.ID, state)
	}
	if c.job.scanCancel != nil {
		c.job.scanCancel()
	}
	if c.job.pool != nil {
		c.job.pool.Stop()
	}
	c.job.setState(to)
	c.persist()
	return nil
}

// Retry moves all failed items back to waiting and wakes the pool.
func (c *Controller) Retry(ctx context.Context) (int, error) {
	if !c.tryLock() {
		return 0, fmt.Errorf("job %s busy", c.job.ID)
	}
	defer c.job.opLock.Unlock()
	n := c.job.queue.RetryAllFailed()
	c.persist()
	return n, nil
}

// RetryFile moves one item back to waiting.
func (c *Controller) RetryFile(ctx context.Context, id model.ItemID) error {
	if !c.tryLock() {
		return fmt.Errorf("job %s busy", c.job.ID)
	}
	defer c.job.opLock.Unlock()
	if err := c.job.queue.Retry(id, false); err != nil {
		return err
	}
	c.persist()
	return nil
}

// Verify walks completed/failed items, checking on-disk length against
// announced size
func (c *Controller) Verify(ctx context.Context) (string, error) {
	if !c.tryLock() {
		return "", fmt.Errorf("job %s busy", c.job.ID)
	}
	defer c.job.opLock.Unlock()

	c.job.mu.Lock()
	c.job.verifying = true
	c.job.mu.Unlock()
	defer func() {
		c.job.mu.Lock()
		c.job.verifying = false
		c.job.mu.Unlock()
	}()

	exportRoot := filepath.Join(c.job.Output.RootDir, c.job.Name)
	checked, mismatched := 0, 0
	for _, item := range c.job.queue.All() {
		if item.Status != model.StatusCompleted && item.Status != model.StatusFailed {
			continue
		}
		checked++
		path := filepath.Join(exportRoot, item.Path())
		info, err := os.Stat(path)
		if err != nil || info.Size() != item.Size {
			mismatched++
			if err := c.job.queue.Retry(item.ID, true); err != nil {
				slog.Warn("verify: failed to requeue mismatched item", "item", item.ID, "error", err)
			}
		}
	}

	summary := fmt.Sprintf("checked=%d mismatched=%d", checked, mismatched)
	c.job.mu.Lock()
	c.job.lastVerify = summary
	c.job.mu.Unlock()
	c.persist()
	return summary, nil
}

// SetConcurrency mutates the worker bound and parallel-chunk flag.
// parallelChunkConnections is clamped to {1,3}.
func (c *Controller) SetConcurrency(ctx context.Context, maxConcurrent int, parallelChunkConnections int) error {
	if !c.tryLock() {
		return fmt.Errorf("job %s busy", c.job.ID)
	}
	defer c.job.opLock.Unlock()

	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxConcurrent > 20 {
		maxConcurrent = 20
	}
	c.job.Perf.MaxConcurrentDownloads = maxConcurrent
	c.job.Perf.ParallelChunk = clampParallelChunk(parallelChunkConnections) == 3

	if c.job.pool != nil {
		c.job.pool.SetConcurrency(ctx, maxConcurrent)
	}
	return nil
}

func clampParallelChunk(n int) int {
	if n >= 2 {
		return 3
	}
	return 1
}

// SetDelegated toggles delegated-downloader mode.
func (c *Controller) SetDelegated(ctx context.Context, enabled bool) error {
	if !c.tryLock() {
		return fmt.Errorf("job %s busy", c.job.ID)
	}
	defer c.job.opLock.Unlock()
	c.job.Perf.Delegated = enabled
	return nil
}

// Scan triggers a rescan. full=true ignores persisted cursors (rescans
// from message_from again); full=false resumes from cursors as usual.
func (c *Controller) Scan(ctx context.Context, full bool) error {
	if !c.tryLock() {
		return fmt.Errorf("job %s busy", c.job.ID)
	}
	defer c.job.opLock.Unlock()

	if full {
		ids, err := chatresolver.Resolve(ctx, c.Client, c.job.Filter.ChatResolver)
		if err != nil {
			return err
		}
		for _, chat := range ids {
			if err := c.Store.SaveCursor(c.job.ID, chat.ID, 0); err != nil {
				return err
			}
		}
	}

	scanCtx, cancel := context.WithCancel(ctx)
	c.job.scanCancel = cancel
	c.job.scanDone = make(chan struct{})
	go c.runExtraction(scanCtx)
	return nil
}

// Descriptor snapshots the job into its persisted form.
func (c *Controller) Descriptor() resumestore.JobDescriptor {
	j := c.job
	j.mu.RLock()
	defer j.mu.RUnlock()

	counts := j.queue.Counts()
	totalMedia := int64(0)
	for _, n := range counts {
		totalMedia += int64(n)
	}

	chatIDs := make([]int64, len(j.Filter.ChatResolver.ChatIDs))
	copy(chatIDs, j.Filter.ChatResolver.ChatIDs)
	types := make(map[string]bool, len(j.Filter.ChatResolver.Types))
	for k, v := range j.Filter.ChatResolver.Types {
		types[string(k)] = v
	}
	kinds := make(map[string]bool, len(j.Filter.Media.Kinds))
	for k, v := range j.Filter.Media.Kinds {
		kinds[string(k)] = v
	}

	return resumestore.JobDescriptor{
		ID:    j.ID,
		Name:  j.Name,
		State: string(j.state),
		Filter: map[string]any{
			"chat_ids":     chatIDs,
			"chat_types":   types,
			"message_from": j.Filter.MessageFrom,
			"message_to":   j.Filter.MessageTo,
			"date_from":    timeString(j.Filter.DateFrom),
			"date_to":      timeString(j.Filter.DateTo),
			"media_kinds":  kinds,
			"only_mine":    j.Filter.Media.OnlyMine,
			"owner_id":     j.Filter.Media.OwnerID,
		},
		Output: map[string]any{
			"root_dir": j.Output.RootDir,
			"format":   j.Output.Format,
		},
		Perf: map[string]any{
			"max_concurrent_downloads": j.Perf.MaxConcurrentDownloads,
			"parallel_chunk":           j.Perf.ParallelChunk,
			"proxy_url":                j.Perf.ProxyURL,
			"delegated":                j.Perf.Delegated,
		},
		Totals: map[string]int64{
			"messages": j.totalMessages,
			"media":    totalMedia,
		},
		Processed: map[string]int64{
			"messages": j.procMessages,
			"media":    int64(counts[model.StatusCompleted]),
		},
		LastError:  j.lastError,
		LastVerify: j.lastVerify,
		Verifying:  j.verifying,
	}
}
