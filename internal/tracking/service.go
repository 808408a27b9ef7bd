package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"med-dispatch/internal/dispatch"
	"med-dispatch/internal/domain/geo"
	"med-dispatch/internal/domain/trip"
	"med-dispatch/internal/general/contracts"
	"med-dispatch/internal/general/logger"
	"med-dispatch/internal/ports"
	"med-dispatch/internal/registry"
)

// IngestOutcome classifies the result of a location report.
type IngestOutcome int

const (
	// OutcomeAccepted means the report was persisted and broadcast.
	OutcomeAccepted IngestOutcome = iota
	// OutcomeStale means a newer report is already stored; the report was
	// discarded without a write or broadcast. Not an error for the caller.
	OutcomeStale
	// OutcomeRejected means validation failed or the trip is unknown; the
	// accompanying error says which.
	OutcomeRejected
)

// String returns the outcome name for logs.
func (o IngestOutcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeStale:
		return "stale"
	default:
		return "rejected"
	}
}

// Service coordinates the synchronous persistence path with the asynchronous
// broadcast path: every broadcast is preceded by an acknowledged store write,
// so a reconnecting client's snapshot is never older than frames in flight.
type Service struct {
	logger     *logger.Logger
	store      ports.TripStore
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
}

// NewService wires the tracking core.
func NewService(log *logger.Logger, store ports.TripStore, reg *registry.Registry, d *dispatch.Dispatcher) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{logger: log, store: store, registry: reg, dispatcher: d}
}

// Ingest validates, persists, and republishes a location report.
func (s *Service) Ingest(ctx context.Context, report geo.LocationReport) (IngestOutcome, error) {
	ctx = logger.WithTripID(ctx, report.TripID)

	if err := report.Validate(); err != nil {
		s.logger.Warn(ctx, "gps_report_rejected", "Malformed location report", map[string]any{
			"reason": err.Error(),
		})
		return OutcomeRejected, err
	}

	// Atomic per-trip compare-and-write: the store only accepts strictly
	// newer timestamps, protecting the monotonic position invariant against
	// racing clients.
	updated, err := s.store.UpdatePositionIfNewer(ctx, report)
	if err != nil {
		if errors.Is(err, trip.ErrNotFound) {
			return OutcomeRejected, err
		}
		return OutcomeRejected, fmt.Errorf("persist location: %w", err)
	}
	if !updated {
		s.logger.Debug(ctx, "gps_report_stale", "Superseded location report discarded", map[string]any{
			"timestamp": report.Timestamp,
		})
		return OutcomeStale, nil
	}

	// The write is acknowledged; now fan out.
	s.registry.Publish(report.TripID, registry.SubgroupLocation, &contracts.GPSUpdateFrame{
		Type:      contracts.FrameGPSUpdate,
		TripID:    report.TripID,
		Latitude:  report.Latitude,
		Longitude: report.Longitude,
		Speed:     report.SpeedKmh,
		Heading:   report.HeadingDegrees,
		Timestamp: report.Timestamp,
	})

	return OutcomeAccepted, nil
}

// RequestTransition moves the trip to target via the store (authoritative),
// then broadcasts the confirmed status, then schedules completion work.
func (s *Service) RequestTransition(ctx context.Context, tripID string, target trip.Status, message string) error {
	ctx = logger.WithTripID(ctx, tripID)

	if !target.Valid() {
		return fmt.Errorf("%w: %q", trip.ErrInvalidStatus, target)
	}

	now := time.Now().UTC()
	prev, err := s.store.TransitionStatus(ctx, tripID, target, now)
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "trip_status_changed", "Trip status transition confirmed", map[string]any{
		"from": prev.String(),
		"to":   target.String(),
	})

	s.registry.Publish(tripID, registry.SubgroupStatus, &contracts.StatusUpdateFrame{
		Type:      contracts.FrameStatusUpdate,
		TripID:    tripID,
		Status:    target.String(),
		Timestamp: now,
		Message:   message,
	})

	if target == trip.StatusCompleted {
		s.submitCompletionTasks(ctx, tripID)
	}

	return nil
}

// submitCompletionTasks queues the post-completion workflow. All three are
// fire-and-forget relative to the transition: a submission failure is logged
// and surfaced by the dispatcher, never propagated to the caller.
func (s *Service) submitCompletionTasks(ctx context.Context, tripID string) {
	submissions := []dispatch.Task{
		{
			Kind:           contracts.TaskGenerateInvoice,
			Lane:           dispatch.LaneNormal,
			Payload:        map[string]any{"trip_id": tripID},
			IdempotencyKey: "invoice:" + tripID,
		},
		{
			Kind:           contracts.TaskSendNotification,
			Lane:           dispatch.LaneLow,
			Payload:        map[string]any{"trip_id": tripID, "kind": "trip_completed"},
			IdempotencyKey: "notify-completed:" + tripID,
		},
		{
			Kind:           contracts.TaskResetAvailability,
			Lane:           dispatch.LaneNormal,
			Payload:        map[string]any{"trip_id": tripID},
			IdempotencyKey: "availability:" + tripID,
		},
	}

	for _, task := range submissions {
		if _, err := s.dispatcher.Submit(task); err != nil {
			s.logger.Error(ctx, "completion_task_submit_failed",
				"Failed to queue completion task", err, map[string]any{"kind": task.Kind})
		}
	}
}

// Subscribe joins the caller to a trip's broadcast subgroup and returns the
// one-time snapshot for the connection_established frame. The subscription
// always succeeds; the snapshot is nil when the trip is unknown.
func (s *Service) Subscribe(ctx context.Context, tripID string, sub registry.Subgroup, handleID string) (*registry.Subscription, *contracts.TripSnapshot, error) {
	subscription := s.registry.Subscribe(tripID, sub, handleID)

	stored, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		if errors.Is(err, trip.ErrNotFound) {
			return subscription, nil, nil
		}
		return subscription, nil, fmt.Errorf("load snapshot: %w", err)
	}
	return subscription, contracts.SnapshotOf(stored), nil
}

// Unsubscribe releases the subscription's registry resources.
func (s *Service) Unsubscribe(sub *registry.Subscription) {
	s.registry.Unsubscribe(sub)
}

// Snapshot returns the current authoritative trip state.
func (s *Service) Snapshot(ctx context.Context, tripID string) (*contracts.TripSnapshot, error) {
	stored, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return contracts.SnapshotOf(stored), nil
}
