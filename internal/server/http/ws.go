package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteWait bounds every WebSocket write, control frames included.
const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleTaskSocket handles GET /api/v1/tasks/{id}/ws: the same event stream
// as the SSE endpoint, framed as one JSON message per event. The server
// initiates a normal closure after the terminal event.
func (h *StreamHandler) HandleTaskSocket(w http.ResponseWriter, r *http.Request, taskID string) {
	ch, unsubscribe, err := h.manager.Subscribe(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		h.logger.Warn("WebSocket upgrade for task %s failed: %v", taskID, err)
		return
	}
	defer func() { _ = conn.Close() }()

	h.metrics.StreamOpened(r.Context(), "websocket")
	defer h.metrics.StreamClosed(context.WithoutCancel(r.Context()), "websocket")
	h.logger.Debug("WebSocket attached to task %s", taskID)

	// The client never sends application data; the read loop only surfaces
	// close frames and connection loss.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				h.closeSocket(conn, "stream ended")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("WebSocket write for task %s failed: %v", taskID, err)
				return
			}
			if ev.Stage.Terminal() {
				h.closeSocket(conn, string(ev.Stage))
				h.logger.Debug("WebSocket for task %s closed after terminal %s", taskID, ev.Stage)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			h.logger.Debug("WebSocket client for task %s disconnected", taskID)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *StreamHandler) closeSocket(conn *websocket.Conn, reason string) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(wsWriteWait))
}
