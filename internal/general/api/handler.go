package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"med-dispatch/internal/domain/trip"
	"med-dispatch/internal/general/logger"
	"med-dispatch/internal/tracking"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the REST surface of the tracking core: status transitions,
// trip snapshots, health and metrics.
type Handler struct {
	logger *logger.Logger
	svc    *tracking.Service
}

// NewHandler constructs the API handler.
func NewHandler(log *logger.Logger, svc *tracking.Service) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{logger: log, svc: svc}
}

// RegisterRoutes attaches all REST routes to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /trips/{trip_id}/status", h.handleTransition)
	mux.HandleFunc("GET /trips/{trip_id}", h.handleSnapshot)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

type transitionRequest struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type transitionResponse struct {
	TripID    string    `json:"trip_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithRequestID(r.Context(), uuid.NewString())
	tripID := r.PathValue("trip_id")
	ctx = logger.WithTripID(ctx, tripID)
	start := time.Now()

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error(ctx, "invalid_body", "Unable to decode transition request body", err, nil)
		writeJSONError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	target, err := trip.ParseStatus(req.Status)
	if err != nil {
		writeJSONError(ctx, w, http.StatusBadRequest, "unknown status: "+req.Status)
		return
	}

	if err := h.svc.RequestTransition(ctx, tripID, target, req.Message); err != nil {
		h.handleTransitionError(ctx, w, err, tripID)
		return
	}

	writeJSONInfo(w, http.StatusOK, transitionResponse{
		TripID:    tripID,
		Status:    target.String(),
		Timestamp: time.Now().UTC(),
	})

	h.logger.Info(ctx, "status_transition_applied", "Trip status transition applied", map[string]any{
		"status":      target.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithRequestID(r.Context(), uuid.NewString())
	tripID := r.PathValue("trip_id")
	ctx = logger.WithTripID(ctx, tripID)

	snapshot, err := h.svc.Snapshot(ctx, tripID)
	if err != nil {
		if errors.Is(err, trip.ErrNotFound) {
			writeJSONError(ctx, w, http.StatusNotFound, "trip not found")
			return
		}
		h.logger.Error(ctx, "snapshot_failed", "Failed to load trip snapshot", err, nil)
		writeJSONError(ctx, w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSONInfo(w, http.StatusOK, snapshot)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSONInfo(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleTransitionError(ctx context.Context, w http.ResponseWriter, err error, tripID string) {
	switch {
	case errors.Is(err, trip.ErrNotFound):
		writeJSONError(ctx, w, http.StatusNotFound, "trip not found")
	case errors.Is(err, trip.ErrInvalidTransition):
		writeJSONError(ctx, w, http.StatusConflict, err.Error())
	case errors.Is(err, trip.ErrInvalidStatus):
		writeJSONError(ctx, w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(ctx, "transition_failed", "Status transition failed", err, map[string]any{"trip_id": tripID})
		writeJSONError(ctx, w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]any{
		"error":      message,
		"code":       status,
		"request_id": logger.RequestIDFrom(ctx),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSONInfo(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
