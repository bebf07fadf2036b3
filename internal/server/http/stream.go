package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"navi/internal/domain/event"
	"navi/internal/infra/observability"
	"navi/internal/server/app"
	"navi/internal/shared/logging"
)

// defaultHeartbeat is the SSE comment / WebSocket ping interval that keeps
// idle connections alive through proxies.
const defaultHeartbeat = 30 * time.Second

// StreamHandler serves the event stream endpoints over SSE and WebSocket.
// Both are thin adapters over the per-task event bus: replayed history first,
// then live events, closed after the terminal frame.
type StreamHandler struct {
	manager   *app.Manager
	metrics   *observability.Metrics
	logger    logging.Logger
	heartbeat time.Duration
}

// StreamOption customises a StreamHandler.
type StreamOption func(*StreamHandler)

// WithStreamLogger replaces the component logger.
func WithStreamLogger(logger logging.Logger) StreamOption {
	return func(h *StreamHandler) { h.logger = logger }
}

// WithStreamMetrics attaches the metrics collector.
func WithStreamMetrics(metrics *observability.Metrics) StreamOption {
	return func(h *StreamHandler) { h.metrics = metrics }
}

// WithHeartbeat overrides the keep-alive interval.
func WithHeartbeat(d time.Duration) StreamOption {
	return func(h *StreamHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewStreamHandler creates the streaming handler.
func NewStreamHandler(manager *app.Manager, opts ...StreamOption) *StreamHandler {
	h := &StreamHandler{
		manager:   manager,
		logger:    logging.NewComponentLogger("StreamHandler"),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *StreamHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, h.metrics, err)
}

// HandleRunStream handles POST /api/v1/tasks/stream: admit the task and
// stream its events on the same connection until it settles.
func (h *StreamHandler) HandleRunStream(w http.ResponseWriter, r *http.Request) {
	var req app.TaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	t, ch, unsubscribe, err := h.manager.RunStreaming(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer unsubscribe()

	h.logger.Info("Task %s submitted on streaming connection", t.TaskID)
	h.streamSSE(w, r, t.TaskID, ch)
}

// HandleTaskEvents handles GET /api/v1/tasks/{id}/events: attach to an
// existing task's stream.
func (h *StreamHandler) HandleTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	ch, unsubscribe, err := h.manager.Subscribe(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer unsubscribe()

	h.streamSSE(w, r, taskID, ch)
}

// streamSSE writes the event channel as Server-Sent Events. Each frame is
// "event: <stage>" with the JSON event as data; comment lines keep the
// connection alive between frames. The stream ends at the terminal event,
// channel close, or client disconnect, whichever comes first.
func (h *StreamHandler) streamSSE(w http.ResponseWriter, r *http.Request, taskID string, ch <-chan event.StageEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"task_id\":\"%s\"}\n\n", taskID); err != nil {
		h.logger.Warn("SSE connect frame for task %s failed: %v", taskID, err)
		return
	}
	flusher.Flush()

	h.metrics.StreamOpened(r.Context(), "sse")
	defer h.metrics.StreamClosed(context.WithoutCancel(r.Context()), "sse")
	h.logger.Debug("SSE stream attached to task %s", taskID)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Serialize event for task %s failed: %v", taskID, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Stage, data); err != nil {
				h.logger.Debug("SSE write for task %s failed: %v", taskID, err)
				return
			}
			flusher.Flush()
			if ev.Stage.Terminal() {
				h.logger.Debug("SSE stream for task %s closed after terminal %s", taskID, ev.Stage)
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			h.logger.Debug("SSE client for task %s disconnected", taskID)
			return
		}
	}
}
