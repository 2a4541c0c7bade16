// Package delegate drains the download queue through an external
// high-throughput downloader process instead of the in-process worker
// pool: waiting items are batched by target directory, handed to the
// subprocess, and its stdout is streamed line-by-line to update per-item
// progress while it runs.
package delegate

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zfonlyone/tg-export/internal/downloadqueue"
	"github.com/zfonlyone/tg-export/internal/model"
)

// Config names the external downloader invocation.
type Config struct {
	Binary      string // path to the external downloader executable
	SessionFile string // bind-mounted session credential file passed to the subprocess
	Container   string // optional container name; not used by this package
}

// semaphores bounds concurrent delegated invocations to one per
// authenticated user, so two jobs can never log in with the same session
// credentials at once.
var semaphores sync.Map // userKey string -> chan struct{}

func semaphoreFor(userKey string) chan struct{} {
	v, _ := semaphores.LoadOrStore(userKey, make(chan struct{}, 1))
	return v.(chan struct{})
}

// Invoker drives one job's delegated download batches.
type Invoker struct {
	Config Config
	Queue  *downloadqueue.Queue
}

// batch groups waiting items sharing one target subdirectory, the unit the
// external process is invoked against.
type batch struct {
	dir   string
	items []*model.MediaItem
}

// RunOnce drains every currently-waiting item through the delegated
// downloader, one batch invocation per target subdirectory, serialized by
// the per-user semaphore. Returns the number of items that completed.
func (inv *Invoker) RunOnce(ctx context.Context, jobID, userKey, exportRoot string) (int, error) {
	sem := semaphoreFor(userKey)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-sem }()

	batches := groupByDir(inv.Queue.Snapshot(downloadqueue.ProjectionWaiting, 0, false))
	completed := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		n, err := inv.runBatch(ctx, jobID, b, exportRoot)
		completed += n
		if err != nil {
			slog.Error("delegated batch failed", "job", jobID, "dir", b.dir, "error", err)
		}
	}
	return completed, nil
}

func groupByDir(items []model.MediaItem) []batch {
	byDir := make(map[string][]*model.MediaItem)
	for i := range items {
		it := items[i]
		byDir[it.Dir] = append(byDir[it.Dir], &it)
	}
	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	out := make([]batch, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, batch{dir: d, items: byDir[d]})
	}
	return out
}

// runBatch invokes the external downloader for one directory's items. A
// non-zero exit is always a batch failure: every item moves to failed, even
// if progress lines claimed some finished, so a crashed batch is never
// silently treated as succeeded.
func (inv *Invoker) runBatch(ctx context.Context, jobID string, b batch, exportRoot string) (int, error) {
	claimed := b.items[:0:0]
	for _, it := range b.items {
		if err := inv.Queue.Claim(it.ID); err != nil {
			// Already moved (e.g. cancelled concurrently); skip silently.
			continue
		}
		claimed = append(claimed, it)
	}
	b.items = claimed
	if len(b.items) == 0 {
		return 0, nil
	}

	args := []string{
		"--session", inv.Config.SessionFile,
		"--target-dir", exportRoot + "/" + b.dir,
		"--filename-template", "{messageId}-{chatId}-{originalName}",
	}
	for _, it := range b.items {
		args = append(args, "--ref", fmt.Sprintf("%d:%d:%d", jobID2int(jobID), it.ID.ChatID, it.ID.MessageID))
	}

	cmd := exec.CommandContext(ctx, inv.Config.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, inv.failAll(b.items, fmt.Errorf("pipe stdout: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, inv.failAll(b.items, fmt.Errorf("pipe stderr: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return 0, inv.failAll(b.items, fmt.Errorf("start downloader: %w", err))
	}

	byID := make(map[string]*model.MediaItem, len(b.items))
	for _, it := range b.items {
		byID[it.ID.String()] = it
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logStream("delegated-downloader stderr", stderr)
	}()
	go func() {
		defer wg.Done()
		inv.consumeProgress(stdout, byID)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if waitErr != nil {
		return 0, inv.failAll(b.items, fmt.Errorf("batch exited non-zero: %w", waitErr))
	}

	// Exit 0 means every item in the batch succeeded. Completion is driven
	// by the exit code, never inferred from progress lines alone.
	for _, it := range b.items {
		if err := inv.Queue.Complete(it.ID); err != nil {
			slog.Warn("delegate: complete transition rejected", "item", it.ID, "error", err)
		}
	}
	return len(b.items), nil
}

// consumeProgress reads one "itemId downloaded total" tuple per stdout
// line, updating per-item downloaded bytes as lines arrive rather than
// after exit. It never transitions queue status itself; completion is
// decided solely by the process exit code (see runBatch).
func (inv *Invoker) consumeProgress(r io.Reader, byID map[string]*model.MediaItem) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			slog.Warn("delegated downloader: malformed progress line", "line", line)
			continue
		}
		itemKey, downloaded, total := fields[0], fields[1], fields[2]
		item, ok := byID[itemKey]
		if !ok {
			continue
		}
		d, derr := strconv.ParseInt(downloaded, 10, 64)
		t, terr := strconv.ParseInt(total, 10, 64)
		if derr != nil || terr != nil {
			continue
		}
		inv.Queue.SetProgress(item.ID, d, t)
	}
}

func logStream(prefix string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Info(prefix, "line", scanner.Text())
	}
}

// failAll moves every item in a crashed batch to failed — all of them, never
// a subset inferred from progress lines. The
// controller reports these individually; any may be retried via the normal
// .../retry_file endpoint.
func (inv *Invoker) failAll(items []*model.MediaItem, cause error) error {
	for _, it := range items {
		if err := inv.Queue.Fail(it.ID, cause); err != nil {
			slog.Warn("delegate: fail transition rejected", "item", it.ID, "error", err)
		}
	}
	return cause
}

// jobID2int folds a UUID string into a stable int64 for the external
// protocol's compact "job:chat:message" ref encoding; the downloader only
// needs it to disambiguate concurrent jobs sharing one session, not to
// round-trip it back to a UUID.
func jobID2int(jobID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(jobID))
	v := int64(h.Sum64() &^ (1 << 63))
	return v
}
