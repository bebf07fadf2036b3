// Package http binds the task execution service to its HTTP surface: a JSON
// API for admission and queries, SSE and WebSocket adapters over the per-task
// event streams, and the middleware stack around them.
package http

import (
	"net/http"
	"strconv"
	"strings"

	"navi/internal/domain/task"
	"navi/internal/infra/observability"
	"navi/internal/infra/tools"
	"navi/internal/server/app"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

// APIHandler serves the non-streaming JSON endpoints.
type APIHandler struct {
	manager *app.Manager
	tools   *tools.Registry
	metrics *observability.Metrics
	logger  logging.Logger
}

// APIOption customises an APIHandler.
type APIOption func(*APIHandler)

// WithAPILogger replaces the component logger.
func WithAPILogger(logger logging.Logger) APIOption {
	return func(h *APIHandler) { h.logger = logger }
}

// WithAPIMetrics attaches the metrics collector.
func WithAPIMetrics(metrics *observability.Metrics) APIOption {
	return func(h *APIHandler) { h.metrics = metrics }
}

// NewAPIHandler creates the JSON API handler. registry may be nil when the
// deployment exposes no tool administration surface.
func NewAPIHandler(manager *app.Manager, registry *tools.Registry, opts ...APIOption) *APIHandler {
	h := &APIHandler{
		manager: manager,
		tools:   registry,
		logger:  logging.NewComponentLogger("APIHandler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, h.metrics, err)
}

// infoResponse extends the service description with live execution state.
type infoResponse struct {
	app.Info
	ActiveTasks int                `json:"active_tasks"`
	Tools       []tools.ToolHealth `json:"tools,omitempty"`
}

// HandleInfo handles GET /api/v1/info.
func (h *APIHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{
		Info:        h.manager.Info(),
		ActiveTasks: h.manager.ActiveCount(),
	}
	if h.tools != nil {
		resp.Tools = h.tools.Health()
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Encode info response failed: %v", err)
	}
}

// submitResponse acknowledges an async admission.
type submitResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// HandleSubmitTask handles POST /api/v1/tasks. The task runs in the
// background; callers follow it via the query or stream endpoints.
func (h *APIHandler) HandleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req app.TaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	t, err := h.manager.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("Task %s submitted", t.TaskID)
	if err := writeJSON(w, http.StatusCreated, submitResponse{TaskID: t.TaskID, Status: t.Status}); err != nil {
		h.logger.Error("Encode submit response failed: %v", err)
	}
}

// listResponse is one page of tasks plus the page parameters that produced it.
type listResponse struct {
	Tasks  []*task.Task `json:"tasks"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// HandleListTasks handles GET /api/v1/tasks?limit=&offset=.
func (h *APIHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	if limit < 1 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := h.manager.List(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	if err := writeJSON(w, http.StatusOK, listResponse{Tasks: tasks, Total: total, Limit: limit, Offset: offset}); err != nil {
		h.logger.Error("Encode list response failed: %v", err)
	}
}

// HandleGetTask handles GET /api/v1/tasks/{id}.
func (h *APIHandler) HandleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := h.manager.Query(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, t); err != nil {
		h.logger.Error("Encode task response failed: %v", err)
	}
}

// HandleGetTransitions handles GET /api/v1/tasks/{id}/transitions.
func (h *APIHandler) HandleGetTransitions(w http.ResponseWriter, r *http.Request, taskID string) {
	transitions, err := h.manager.Transitions(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if transitions == nil {
		transitions = []task.Transition{}
	}
	if err := writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "transitions": transitions}); err != nil {
		h.logger.Error("Encode transitions response failed: %v", err)
	}
}

// cancelResponse reports a cancellation outcome.
type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HandleCancelTask handles POST /api/v1/tasks/{id}/cancel. Cancelling a task
// that already ended reports failure with 409 rather than an error body, so
// callers racing the dispatcher get a definite answer either way.
func (h *APIHandler) HandleCancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	ok, err := h.manager.Cancel(r.Context(), taskID)
	switch {
	case err == nil:
		if encodeErr := writeJSON(w, http.StatusOK, cancelResponse{Success: ok, Message: "cancel requested"}); encodeErr != nil {
			h.logger.Error("Encode cancel response failed: %v", encodeErr)
		}
	case errors.IsAlreadyTerminal(err):
		if encodeErr := writeJSON(w, http.StatusConflict, cancelResponse{Success: false, Message: err.Error()}); encodeErr != nil {
			h.logger.Error("Encode cancel response failed: %v", encodeErr)
		}
	default:
		h.writeError(w, r, err)
	}
}

// HandleCreateSandbox handles POST /api/v1/sandboxes.
func (h *APIHandler) HandleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req app.SandboxRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	info, err := h.manager.CreateSandbox(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := writeJSON(w, http.StatusCreated, info); err != nil {
		h.logger.Error("Encode sandbox response failed: %v", err)
	}
}

// HandleGlobalConfig handles POST /api/v1/config/global. The endpoint is
// rejected unless the deployment enabled global tool overrides.
func (h *APIHandler) HandleGlobalConfig(w http.ResponseWriter, r *http.Request) {
	if h.tools == nil {
		h.writeError(w, r, errors.Unavailablef("tool registry is not configured"))
		return
	}

	var gc tools.GlobalConfig
	if err := decodeBody(w, r, &gc); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.tools.SetGlobalConfig(gc); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		h.logger.Error("Encode config response failed: %v", err)
	}
}

// HandleHealthz handles GET /healthz.
func (h *APIHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.manager.Info().Version}); err != nil {
		h.logger.Error("Encode healthz response failed: %v", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
