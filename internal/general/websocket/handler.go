package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"med-dispatch/internal/domain/geo"
	"med-dispatch/internal/general/contracts"
	"med-dispatch/internal/general/logger"
	"med-dispatch/internal/registry"
	"med-dispatch/internal/tracking"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout   = 5 * time.Second
	wsCloseAckWindow = 2 * time.Second
	ctrlTimeout      = 5 * time.Second
	readIdleTimeout  = 60 * time.Second
	pingInterval     = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler serves the live trip channels: a location stream and a status
// stream per trip. Each connection is one registry subscription; inbound
// gps_update frames on the location stream feed the ingestion pipeline.
type Handler struct {
	logger     *logger.Logger
	svc        *tracking.Service
	writeLocks sync.Map // *websocket.Conn -> *sync.Mutex
}

// NewHandler creates the live channel handler.
func NewHandler(log *logger.Logger, svc *tracking.Service) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{logger: log, svc: svc}
}

// ServeLocation handles GET /ws/trips/{trip_id}/location.
func (h *Handler) ServeLocation(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, registry.SubgroupLocation)
}

// ServeStatus handles GET /ws/trips/{trip_id}/status.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, registry.SubgroupStatus)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, sub registry.Subgroup) {
	tripID := r.PathValue("trip_id")
	if tripID == "" {
		http.Error(w, "trip_id is required", http.StatusBadRequest)
		return
	}
	ctx := logger.WithTripID(r.Context(), tripID)

	// 1) Upgrade HTTP -> WS
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(ctx, "websocket_upgrade_failed", "Failed to upgrade to WebSocket", err, nil)
		return
	}
	// Teardown order (LIFO on return):
	defer conn.Close()              // close the socket last
	defer h.writeLocks.Delete(conn) // forget per-connection mutex (idempotent)

	conn.SetReadLimit(1 << 20) // 1 MiB

	// 2) Register with the broadcast group and fetch the snapshot
	handleID := uuid.NewString()
	subscription, snapshot, err := h.svc.Subscribe(ctx, tripID, sub, handleID)
	if err != nil {
		h.logger.Error(ctx, "ws_subscribe_failed", "Failed to subscribe to trip group", err, nil)
		h.wsWriteClose(conn, websocket.CloseInternalServerErr, "subscription failed")
		return
	}
	defer h.svc.Unsubscribe(subscription)

	// 3) First frame: connection_established with the current snapshot
	if err := h.writeJSON(conn, contracts.ConnectionEstablishedFrame{
		Type:   contracts.FrameConnectionEstablished,
		TripID: tripID,
		Data:   snapshot,
	}); err != nil {
		h.logger.Error(ctx, "ws_handshake_frame_failed", "Failed to send connection_established", err, nil)
		return
	}

	h.logger.Info(ctx, "ws_connected", "Trip channel subscriber connected", map[string]any{
		"subgroup": string(sub),
		"handle":   handleID,
	})

	// 4) Keepalive: read deadline refreshed on pong, ping every 30s
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(_ string) error {
		return conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	done := make(chan struct{})
	defer close(done)
	mu := h.lockOf(conn)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				mu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(ctrlTimeout))
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctrlTimeout))
				mu.Unlock()
				if err != nil {
					// Close socket to unblock reader; goroutine exits.
					_ = conn.Close()
					return
				}
			}
		}
	}()

	// 5) Writer pump: drain registry events onto the socket. The events
	// channel closes on unsubscribe or forced overflow drop; either way the
	// socket is closed to unblock the read loop.
	go func() {
		// last writer to touch the connection's lock entry; drop it on exit
		defer h.writeLocks.Delete(conn)
		for event := range subscription.Events() {
			if err := h.writeJSON(conn, event); err != nil {
				h.logger.Error(ctx, "ws_event_write_failed", "Failed to deliver event to subscriber", err, map[string]any{
					"handle": handleID,
				})
				_ = conn.Close()
				return
			}
		}
		_ = conn.Close()
	}()

	// 6) Read loop: route inbound frames
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error(ctx, "ws_unexpected_close", "Subscriber connection closed unexpectedly", err, map[string]any{
					"handle": handleID,
				})
				h.wsWriteClose(conn, websocket.CloseInternalServerErr, "internal error")
			} else {
				h.logger.Info(ctx, "ws_connection_closed", "Subscriber connection closed", map[string]any{
					"handle": handleID,
				})
				h.wsWriteClose(conn, websocket.CloseNormalClosure, "bye")
			}
			return
		}

		var frame contracts.InboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			h.sendError(conn, "bad json")
			continue
		}

		switch {
		case frame.Type == contracts.FrameGPSUpdate && sub == registry.SubgroupLocation:
			h.handleGPSUpdate(r, conn, tripID, frame)
		default:
			h.sendError(conn, "unknown message type")
		}
	}
}

// handleGPSUpdate feeds one inbound report into the ingestion pipeline.
// Rejections come back to this connection as error frames; stale reports are
// silently discarded, matching the monotonic-timestamp rule.
func (h *Handler) handleGPSUpdate(r *http.Request, conn *websocket.Conn, tripID string, frame contracts.InboundFrame) {
	if frame.Latitude == nil || frame.Longitude == nil {
		h.sendError(conn, "gps_update requires latitude and longitude")
		return
	}

	outcome, err := h.svc.Ingest(r.Context(), geo.LocationReport{
		TripID:         tripID,
		Latitude:       *frame.Latitude,
		Longitude:      *frame.Longitude,
		SpeedKmh:       frame.Speed,
		HeadingDegrees: frame.Heading,
		Timestamp:      frame.Timestamp,
	})
	if outcome == tracking.OutcomeRejected {
		msg := "location report rejected"
		if err != nil {
			msg = err.Error()
		}
		h.sendError(conn, msg)
	}
}
