// Package httpapi is the export API's HTTP surface: a thin
// net/http.ServeMux layer over internal/engine, using Go 1.22+
// method-pattern routing. Handlers decode the request, call into the
// engine, and encode JSON; no business logic lives here.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zfonlyone/tg-export/internal/chatresolver"
	"github.com/zfonlyone/tg-export/internal/downloadqueue"
	"github.com/zfonlyone/tg-export/internal/engine"
	"github.com/zfonlyone/tg-export/internal/jobcontroller"
	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/scanner"
)

// Handler wires the Engine into the routes.
type Handler struct {
	Engine *engine.Engine
}

// New constructs a Handler over eng.
func New(eng *engine.Engine) *Handler {
	return &Handler{Engine: eng}
}

// RegisterRoutes registers every route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/export/create", h.handleCreate)
	mux.HandleFunc("POST /api/export/{id}/start", h.handleStart)
	mux.HandleFunc("POST /api/export/{id}/pause", h.handlePause)
	mux.HandleFunc("POST /api/export/{id}/resume", h.handleResume)
	mux.HandleFunc("POST /api/export/{id}/cancel", h.handleCancel)
	mux.HandleFunc("DELETE /api/export/{id}", h.handleDelete)
	mux.HandleFunc("POST /api/export/{id}/retry", h.handleRetry)
	mux.HandleFunc("POST /api/export/{id}/retry_file/{itemId}", h.handleRetryFile)
	mux.HandleFunc("POST /api/export/{id}/download/{itemId}/{action}", h.handleDownloadControl)
	mux.HandleFunc("POST /api/export/{id}/verify", h.handleVerify)
	mux.HandleFunc("POST /api/export/{id}/scan", h.handleScan)
	mux.HandleFunc("POST /api/export/{id}/concurrency", h.handleConcurrency)
	mux.HandleFunc("POST /api/export/{id}/tdl-mode", h.handleTDLMode)
	mux.HandleFunc("GET /api/export/{id}", h.handleGet)
	mux.HandleFunc("GET /api/export/{id}/downloads", h.handleDownloads)
	mux.HandleFunc("GET /api/export/tasks", h.handleTasks)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// userKey extracts the owning user's identity from the request. Every job
// belongs to exactly one client session; the authentication layer sits in
// front of this handler and is expected to have already set this header.
func userKey(r *http.Request) string {
	if v := r.Header.Get("X-User-Key"); v != "" {
		return v
	}
	return "default"
}

// createRequest is the body of POST /api/export/create — the job's Filter,
// OutputPolicy, and PerfPolicy.
type createRequest struct {
	ChatIDs       []int64   `json:"chat_ids"`
	ChatTypes     []string  `json:"chat_types"`
	MessageFrom   int64     `json:"message_from"`
	MessageTo     int64     `json:"message_to"`
	DateFrom      time.Time `json:"date_from"`
	DateTo        time.Time `json:"date_to"`
	MediaKinds    []string  `json:"media_kinds"`
	IncludeIDs    []int64   `json:"include_message_ids"`
	SkipIDs       []int64   `json:"skip_message_ids"`
	OnlyMine      bool      `json:"only_mine"`
	OwnerID       int64     `json:"owner_id"`
	OutputRootDir string    `json:"output_root_dir"`
	OutputFormat  string    `json:"output_format"`
	MaxConcurrent int       `json:"max_concurrent_downloads"`
	ParallelChunk bool      `json:"parallel_chunk"`
	ProxyURL      string    `json:"proxy_url"`
	Delegated     bool      `json:"delegated"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}

	var req createRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode filter: %w", err))
			return
		}
	}

	types := make(map[model.ChatType]bool, len(req.ChatTypes))
	for _, t := range req.ChatTypes {
		types[model.ChatType(t)] = true
	}
	kinds := make(map[model.MediaKind]bool, len(req.MediaKinds))
	for _, k := range req.MediaKinds {
		kinds[model.MediaKind(k)] = true
	}
	include := make(map[int64]bool, len(req.IncludeIDs))
	for _, id := range req.IncludeIDs {
		include[id] = true
	}
	skip := make(map[int64]bool, len(req.SkipIDs))
	for _, id := range req.SkipIDs {
		skip[id] = true
	}

	filter := jobcontroller.Filter{
		ChatResolver: chatresolver.Filter{ChatIDs: req.ChatIDs, Types: types},
		MessageFrom:  req.MessageFrom,
		MessageTo:    req.MessageTo,
		DateFrom:     req.DateFrom,
		DateTo:       req.DateTo,
		Media: scanner.MediaFilter{
			Kinds:    kinds,
			Include:  include,
			Skip:     skip,
			OnlyMine: req.OnlyMine,
			OwnerID:  req.OwnerID,
		},
	}
	output := jobcontroller.OutputPolicy{RootDir: req.OutputRootDir, Format: req.OutputFormat}
	perf := jobcontroller.PerfPolicy{
		MaxConcurrentDownloads: req.MaxConcurrent,
		ParallelChunk:          req.ParallelChunk,
		ProxyURL:               req.ProxyURL,
		Delegated:              req.Delegated,
	}

	ctrl, err := h.Engine.CreateJob(r.Context(), userKey(r), name, filter, output, perf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": ctrl.Job().ID})
}

func (h *Handler) controllerFor(w http.ResponseWriter, r *http.Request) (*jobcontroller.Controller, bool) {
	id := r.PathValue("id")
	ctrl, ok := h.Engine.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown job %s", id))
		return nil, false
	}
	return ctrl, true
}

func (h *Handler) afterOp(w http.ResponseWriter, r *http.Request, id string, err error) {
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if syncErr := h.Engine.Sync(id); syncErr != nil {
		writeError(w, http.StatusInternalServerError, syncErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	h.afterOp(w, r, ctrl.Job().ID, ctrl.Start(r.Context()))
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	h.afterOp(w, r, ctrl.Job().ID, ctrl.Pause(r.Context()))
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	h.afterOp(w, r, ctrl.Job().ID, ctrl.Resume(r.Context()))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	h.afterOp(w, r, ctrl.Job().ID, ctrl.Cancel(r.Context()))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	purge := r.URL.Query().Get("purge_media") == "true"
	if err := h.Engine.Delete(id, purge); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	n, err := ctrl.Retry(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err := h.Engine.Sync(ctrl.Job().ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// parseItemID parses the "{chatId}:{messageId}" or "{chatId}:{messageId}:{slot}"
// path segment used by the per-item endpoints into a model.ItemID.
func parseItemID(jobID, raw string) (model.ItemID, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return model.ItemID{}, fmt.Errorf("malformed item id %q", raw)
	}
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return model.ItemID{}, fmt.Errorf("malformed chat id in %q: %w", raw, err)
	}
	msgID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return model.ItemID{}, fmt.Errorf("malformed message id in %q: %w", raw, err)
	}
	slot := 0
	if len(parts) == 3 {
		slot, err = strconv.Atoi(parts[2])
		if err != nil {
			return model.ItemID{}, fmt.Errorf("malformed slot in %q: %w", raw, err)
		}
	}
	return model.ItemID{JobID: jobID, ChatID: chatID, MessageID: msgID, Slot: slot}, nil
}

func (h *Handler) handleRetryFile(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	itemID, err := parseItemID(ctrl.Job().ID, r.PathValue("itemId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.afterOp(w, r, ctrl.Job().ID, ctrl.RetryFile(r.Context(), itemID))
}

func (h *Handler) handleDownloadControl(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	itemID, err := parseItemID(ctrl.Job().ID, r.PathValue("itemId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The queue transition doubles as the per-item signal: a worker
	// mid-download polls the item's status between chunks and releases its
	// slot (flushing the .partial) when it sees paused or skipped.
	queue := ctrl.Job().Queue()
	switch r.PathValue("action") {
	case "pause":
		err = queue.Pause(itemID)
	case "resume":
		err = queue.Resume(itemID)
	case "cancel":
		err = queue.Skip(itemID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown per-item action %q", r.PathValue("action")))
		return
	}
	h.afterOp(w, r, ctrl.Job().ID, err)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	summary, err := ctrl.Verify(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err := h.Engine.Sync(ctrl.Job().ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	full := r.URL.Query().Get("full") == "true"
	h.afterOp(w, r, ctrl.Job().ID, ctrl.Scan(r.Context(), full))
}

func (h *Handler) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	maxConcurrent, _ := strconv.Atoi(r.URL.Query().Get("max_concurrent_downloads"))
	parallelChunk, _ := strconv.Atoi(r.URL.Query().Get("parallel_chunk_connections"))
	h.afterOp(w, r, ctrl.Job().ID, ctrl.SetConcurrency(r.Context(), maxConcurrent, parallelChunk))
}

func (h *Handler) handleTDLMode(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	enabled := r.URL.Query().Get("enabled") == "true"
	h.afterOp(w, r, ctrl.Job().ID, ctrl.SetDelegated(r.Context(), enabled))
}

// statusResponse is the GET .../{id} response: descriptor + aggregates.
type statusResponse struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	State      string            `json:"state"`
	LastError  string            `json:"last_error,omitempty"`
	LastVerify string            `json:"last_verify,omitempty"`
	Verifying  bool              `json:"verifying"`
	Counts     map[string]int    `json:"counts"`
	Progress   progressResponse  `json:"progress"`
	Perf       perfResponse      `json:"perf"`
}

type progressResponse struct {
	DownloadedMedia int64   `json:"downloaded_media"`
	TotalMedia      int64   `json:"total_media"`
	DownloadedSize  int64   `json:"downloaded_size"`
	FailedCount     int64   `json:"failed_count"`
	SpeedBytesPerS  float64 `json:"speed_bytes_per_s"`
	ScanChat        string  `json:"scan_chat,omitempty"`
	ScanMessageID   int64   `json:"scan_message_id,omitempty"`
}

type perfResponse struct {
	MaxConcurrentDownloads int  `json:"max_concurrent_downloads"`
	ParallelChunk          bool `json:"parallel_chunk"`
	Delegated              bool `json:"delegated"`
}

func toStatusResponse(st jobcontroller.Status) statusResponse {
	p := st.Progress
	return statusResponse{
		ID:         st.ID,
		Name:       st.Name,
		State:      string(st.State),
		LastError:  st.LastError,
		LastVerify: st.LastVerify,
		Verifying:  st.Verifying,
		Counts:     st.Counts,
		Progress: progressResponse{
			DownloadedMedia: p.DownloadedMedia,
			TotalMedia:      p.TotalMedia,
			DownloadedSize:  p.DownloadedSize,
			FailedCount:     p.FailedCount,
			SpeedBytesPerS:  p.SpeedBytesPerS,
			ScanChat:        p.ScanChat,
			ScanMessageID:   p.ScanMessageID,
		},
		Perf: perfResponse{
			MaxConcurrentDownloads: st.Perf.MaxConcurrentDownloads,
			ParallelChunk:          st.Perf.ParallelChunk,
			Delegated:              st.Perf.Delegated,
		},
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(ctrl.Status()))
}

func (h *Handler) handleDownloads(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controllerFor(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	reversed := r.URL.Query().Get("reversed_order") == "true"
	projection := downloadqueue.Projection(r.URL.Query().Get("projection"))
	if projection == "" {
		projection = downloadqueue.ProjectionActive
	}
	items := ctrl.Job().Queue().Snapshot(projection, limit, reversed)
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleTasks(w http.ResponseWriter, r *http.Request) {
	controllers := h.Engine.List(userKey(r))
	out := make([]statusResponse, 0, len(controllers))
	for _, ctrl := range controllers {
		out = append(out, toStatusResponse(ctrl.Status()))
	}
	writeJSON(w, http.StatusOK, out)
}
