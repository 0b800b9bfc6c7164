package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/loomworks/loom/internal/domain/approval"
	"github.com/loomworks/loom/internal/domain/thread"
	"github.com/loomworks/loom/internal/service"
)

// Handlers bundles the dependencies of all HTTP handlers.
type Handlers struct {
	threads   *service.ThreadService
	keepalive time.Duration
}

func NewHandlers(threads *service.ThreadService, keepalive time.Duration) *Handlers {
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}
	return &Handlers{threads: threads, keepalive: keepalive}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createThreadRequest struct {
	Cwd   string `json:"cwd,omitempty"`
	Model string `json:"model,omitempty"`
}

type threadResponse struct {
	ThreadID  string    `json:"thread_id"`
	Cwd       string    `json:"cwd,omitempty"`
	Model     string    `json:"model,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func toThreadResponse(t thread.Thread) threadResponse {
	return threadResponse{
		ThreadID:  t.ID,
		Cwd:       t.Cwd,
		Model:     t.Model,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt,
	}
}

// CreateThread starts a new thread with a fresh engine session.
func (h *Handlers) CreateThread(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createThreadRequest](w, r)
	if !ok {
		return
	}
	t, err := h.threads.Create(r.Context(), req.Cwd, req.Model)
	if err != nil {
		writeDomainError(w, err, "thread not found")
		return
	}
	writeJSON(w, http.StatusCreated, toThreadResponse(t))
}

// ListThreads returns the currently active threads.
func (h *Handlers) ListThreads(w http.ResponseWriter, r *http.Request) {
	threads := h.threads.List(r.Context())
	out := make([]threadResponse, 0, len(threads))
	for _, t := range threads {
		out = append(out, toThreadResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": out})
}

// GetThread returns metadata for an active or archived thread.
func (h *Handlers) GetThread(w http.ResponseWriter, r *http.Request) {
	t, err := h.threads.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, toThreadResponse(t))
}

// ResumeThread reactivates an archived thread. Resuming an active thread is
// a no-op success.
func (h *Handlers) ResumeThread(w http.ResponseWriter, r *http.Request) {
	t, err := h.threads.Resume(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "thread_id": t.ID})
}

type forkRequest struct {
	TurnID string `json:"turn_id,omitempty"`
}

// ForkThread copies a thread's history into a new independent thread.
func (h *Handlers) ForkThread(w http.ResponseWriter, r *http.Request) {
	srcID := urlParam(r, "id")
	req, ok := readJSON[forkRequest](w, r)
	if !ok {
		return
	}
	t, err := h.threads.Fork(r.Context(), srcID, req.TurnID)
	if err != nil {
		writeDomainError(w, err, "thread or turn not found")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"new_thread_id":    t.ID,
		"source_thread_id": srcID,
	})
}

type rollbackRequest struct {
	TurnID string `json:"turn_id"`
}

// RollbackThread discards history after the given turn.
func (h *Handlers) RollbackThread(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rollbackRequest](w, r)
	if !ok {
		return
	}
	if req.TurnID == "" {
		writeError(w, http.StatusBadRequest, "turn_id is required")
		return
	}
	if err := h.threads.Rollback(r.Context(), urlParam(r, "id"), req.TurnID); err != nil {
		writeDomainError(w, err, "thread or turn not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ArchiveThread closes a thread's session and reports where its rollout
// lives.
func (h *Handlers) ArchiveThread(w http.ResponseWriter, r *http.Request) {
	loc, err := h.threads.Archive(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "rollout_path": loc})
}

type submitTurnRequest struct {
	Input []thread.ContentBlock `json:"input"`
}

// SubmitTurn starts a new turn on the thread.
func (h *Handlers) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[submitTurnRequest](w, r)
	if !ok {
		return
	}
	t, err := h.threads.SubmitTurn(r.Context(), urlParam(r, "id"), thread.TurnInput{Blocks: req.Input})
	if err != nil {
		writeDomainError(w, err, "thread not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"turn_id": t.ID})
}

// InterruptTurn asks the engine to cancel the running turn. The definitive
// turn status arrives later on the event stream.
func (h *Handlers) InterruptTurn(w http.ResponseWriter, r *http.Request) {
	t, err := h.threads.InterruptTurn(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "thread not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "turn_id": t.ID})
}

type resolveApprovalRequest struct {
	Decision   string          `json:"decision"`
	Amendments json.RawMessage `json:"amendments,omitempty"`
}

// ResolveApproval delivers a client's verdict for a pending approval.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[resolveApprovalRequest](w, r)
	if !ok {
		return
	}
	d := approval.Decision{
		Verdict:    approval.Verdict(req.Decision),
		Amendments: req.Amendments,
	}
	if err := h.threads.ResolveApproval(urlParam(r, "id"), urlParam(r, "item_id"), d); err != nil {
		writeDomainError(w, err, "no pending approval for item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GetHistory returns a thread's effective rollout history.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	items, err := h.threads.Replay(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
