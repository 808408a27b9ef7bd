package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"med-dispatch/internal/general/contracts"

	"github.com/gorilla/websocket"
)

// wsWriteClose sends a close control frame with the given code and reason.
func (h *Handler) wsWriteClose(conn *websocket.Conn, code int, reason string) {
	mu := h.lockOf(conn)
	mu.Lock()
	defer mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsCloseAckWindow),
	)
	h.writeLocks.Delete(conn)
}

// lockOf returns the writer mutex for a specific connection.
func (h *Handler) lockOf(conn *websocket.Conn) *sync.Mutex {
	if v, ok := h.writeLocks.Load(conn); ok {
		if mu, ok := v.(*sync.Mutex); ok && mu != nil {
			return mu
		}
	}
	mu := &sync.Mutex{}
	actual, _ := h.writeLocks.LoadOrStore(conn, mu)
	return actual.(*sync.Mutex)
}

// writeJSON marshals v and writes a single TextMessage to the given connection.
func (h *Handler) writeJSON(conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	mu := h.lockOf(conn)
	mu.Lock()
	defer mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// sendError reports a fault to the offending connection without closing it.
func (h *Handler) sendError(conn *websocket.Conn, message string) {
	_ = h.writeJSON(conn, contracts.ErrorFrame{Type: contracts.FrameError, Message: message})
}
