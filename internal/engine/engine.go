// Package engine owns everything one running process needs to serve the
// HTTP surface: the per-user client session pool, the in-memory job
// registry, the resume store, and the job-listing index. One registry
// guarded by one sync.RWMutex, with explicit lifecycle methods instead of
// package globals.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zfonlyone/tg-export/internal/delegate"
	"github.com/zfonlyone/tg-export/internal/jobcontroller"
	"github.com/zfonlyone/tg-export/internal/jobindex"
	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/resumestore"
	"github.com/zfonlyone/tg-export/internal/tdclient"
)

// ClientFactory constructs a Client Session for one authenticated user.
// Engine calls this at most once per userKey and caches the result — every
// job belonging to that user shares the connection.
type ClientFactory func(ctx context.Context, userKey string) (tdclient.Client, error)

// jobEntry pairs a controller with the user key that owns it, so Engine can
// scope listings and reconstruct the client to hand back on rehydration.
type jobEntry struct {
	controller *jobcontroller.Controller
	userKey    string
}

// Engine is one process's owning registry. Multiple Engines may coexist in
// one binary; each test gets its own rather than relying on package-level
// state.
type Engine struct {
	mu      sync.RWMutex
	clients map[string]tdclient.Client
	jobs    map[string]*jobEntry
	factory ClientFactory

	store    *resumestore.Store
	index    jobindex.Index
	dataRoot string

	delegateCfg delegate.Config
}

// New opens the Resume Store under dataRoot and wires the supplied index.
// It does not yet rehydrate persisted jobs — call LoadAll for that once the
// client factory is ready to mint sessions. delegateCfg configures every
// job's optional Delegated-Downloader Adapter; it is process-wide, so
// it is supplied once here rather than per job.
func New(dataRoot string, index jobindex.Index, factory ClientFactory, delegateCfg delegate.Config) (*Engine, error) {
	store, err := resumestore.New(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}
	return &Engine{
		clients:     make(map[string]tdclient.Client),
		jobs:        make(map[string]*jobEntry),
		factory:     factory,
		store:       store,
		index:       index,
		dataRoot:    dataRoot,
		delegateCfg: delegateCfg,
	}, nil
}

// Store exposes the Engine's Resume Store, for components (the delegated
// downloader's session-file path, tests) that need direct on-disk access.
func (e *Engine) Store() *resumestore.Store { return e.store }

// clientFor returns the cached Client Session for userKey, constructing one
// via the factory on first use.
func (e *Engine) clientFor(ctx context.Context, userKey string) (tdclient.Client, error) {
	e.mu.RLock()
	c, ok := e.clients[userKey]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[userKey]; ok { // lost the race, another caller built it first
		return c, nil
	}
	c, err := e.factory(ctx, userKey)
	if err != nil {
		return nil, fmt.Errorf("build client session for %s: %w", userKey, err)
	}
	e.clients[userKey] = c
	return c, nil
}

// CreateJob builds a brand-new job owned by userKey and registers it, but
// does not start it — callers call Start explicitly.
func (e *Engine) CreateJob(ctx context.Context, userKey, name string, filter jobcontroller.Filter, output jobcontroller.OutputPolicy, perf jobcontroller.PerfPolicy) (*jobcontroller.Controller, error) {
	client, err := e.clientFor(ctx, userKey)
	if err != nil {
		return nil, err
	}
	ctrl := jobcontroller.NewController(client, e.store, name, filter, output, perf)
	ctrl.ConfigureDelegate(userKey, e.delegateCfg)

	e.mu.Lock()
	e.jobs[ctrl.Job().ID] = &jobEntry{controller: ctrl, userKey: userKey}
	e.mu.Unlock()

	if err := ctrl.Persist(); err != nil {
		return nil, fmt.Errorf("persist new job: %w", err)
	}
	e.syncIndex(ctrl, userKey)
	return ctrl, nil
}

// Get returns the controller for jobID, or ok=false if unknown.
func (e *Engine) Get(jobID string) (*jobcontroller.Controller, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.jobs[jobID]
	if !ok {
		return nil, false
	}
	return entry.controller, true
}

// List returns every job owned by userKey, or every job if userKey is empty.
func (e *Engine) List(userKey string) []*jobcontroller.Controller {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*jobcontroller.Controller, 0, len(e.jobs))
	for _, entry := range e.jobs {
		if userKey == "" || entry.userKey == userKey {
			out = append(out, entry.controller)
		}
	}
	return out
}

// Sync re-persists a job's descriptor/queue and refreshes its index row.
// Call after any Controller operation that mutates state so the listing
// index and job.json stay consistent with in-memory state.
func (e *Engine) Sync(jobID string) error {
	e.mu.RLock()
	entry, ok := e.jobs[jobID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	if err := entry.controller.Persist(); err != nil {
		return err
	}
	e.syncIndex(entry.controller, entry.userKey)
	return nil
}

func (e *Engine) syncIndex(ctrl *jobcontroller.Controller, userKey string) {
	if e.index == nil {
		return
	}
	status := ctrl.Status()
	rec := jobindex.Record{
		ID:        status.ID,
		Name:      status.Name,
		UserKey:   userKey,
		State:     string(status.State),
		Totals:    map[string]int64{"media": int64(sumCounts(status.Counts))},
		Processed: map[string]int64{"media": int64(status.Counts[string(model.StatusCompleted)])},
		LastError: status.LastError,
	}
	if err := e.index.Upsert(rec); err != nil {
		slog.Error("job index upsert failed", "job", status.ID, "error", err)
	}
}

func sumCounts(counts map[string]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

// Delete removes a job's metadata (and, if purgeMedia, its exported media
// tree), deregistering it from the Engine and index. Reached through
// DELETE .../{id}?purge_media=true.
func (e *Engine) Delete(jobID string, purgeMedia bool) error {
	e.mu.Lock()
	entry, ok := e.jobs[jobID]
	if ok {
		delete(e.jobs, jobID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}

	if purgeMedia {
		status := entry.controller.Status()
		if err := e.store.PurgeMedia(status.Output.RootDir, status.Name); err != nil {
			slog.Warn("purge media failed", "job", jobID, "error", err)
		}
	}
	if err := e.store.Delete(jobID); err != nil {
		return fmt.Errorf("delete job directory: %w", err)
	}
	if e.index != nil {
		if err := e.index.Delete(jobID); err != nil {
			slog.Warn("job index delete failed", "job", jobID, "error", err)
		}
	}
	return nil
}

// LoadAll rehydrates every job persisted under the resume store. Jobs that
// were running or extracting when the process died are automatically
// re-entered; every other state is restored as-is and left for the operator
// (or the API caller) to act on.
func (e *Engine) LoadAll(ctx context.Context) error {
	ids, err := e.store.ListJobIDs()
	if err != nil {
		return fmt.Errorf("list persisted jobs: %w", err)
	}
	for _, id := range ids {
		if err := e.loadOne(ctx, id); err != nil {
			slog.Error("rehydrate job failed", "job", id, "error", err)
		}
	}
	return nil
}

func (e *Engine) loadOne(ctx context.Context, jobID string) error {
	desc, err := e.store.LoadJob(jobID)
	if err != nil {
		return fmt.Errorf("load descriptor: %w", err)
	}
	queue, err := e.store.LoadQueue(jobID)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	// userKey isn't part of job.json; the job directory's only durable link
	// to its owner is the index row recorded at creation time.
	userKey := ""
	if e.index != nil {
		if recs, err := e.index.List(""); err == nil {
			for _, rec := range recs {
				if rec.ID == jobID {
					userKey = rec.UserKey
					break
				}
			}
		}
	}

	client, err := e.clientFor(ctx, userKey)
	if err != nil {
		return fmt.Errorf("build client session: %w", err)
	}
	ctrl := jobcontroller.Rehydrate(client, e.store, desc, queue)
	ctrl.ConfigureDelegate(userKey, e.delegateCfg)

	e.mu.Lock()
	e.jobs[jobID] = &jobEntry{controller: ctrl, userKey: userKey}
	e.mu.Unlock()

	switch ctrl.Job().State() {
	case jobcontroller.StateRunning, jobcontroller.StateExtracting:
		if err := ctrl.Reenter(ctx); err != nil {
			slog.Error("auto re-entry on recovery failed", "job", jobID, "error", err)
		}
	}
	return nil
}

// Close releases every cached Client Session and the job index.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, c := range e.clients {
		if err := c.Close(); err != nil {
			slog.Warn("close client session failed", "user", key, "error", err)
		}
	}
	if e.index != nil {
		return e.index.Close()
	}
	return nil
}
