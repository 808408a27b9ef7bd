package ports

import (
	"context"
	"time"

	"med-dispatch/internal/domain/geo"
	"med-dispatch/internal/domain/trip"
)

// TripStore is the tracking core's narrow view of durable trip state. The
// store is the single source of truth for status and position; every
// conditional mutation must be atomic per trip so that concurrent callers for
// the same trip serialize while unrelated trips never contend.
type TripStore interface {
	// GetTrip returns the current stored trip or trip.ErrNotFound.
	GetTrip(ctx context.Context, id string) (*trip.Trip, error)

	// UpdatePositionIfNewer overwrites the trip's current position iff the
	// report's timestamp is strictly newer than the stored one. It returns
	// false (and no error) when the report is stale, and trip.ErrNotFound
	// for unknown trips. The check-and-write is atomic per trip.
	UpdatePositionIfNewer(ctx context.Context, report geo.LocationReport) (bool, error)

	// TransitionStatus moves the trip to next iff its current status allows
	// that edge, returning the previous status. Errors: trip.ErrNotFound,
	// trip.ErrInvalidTransition. The check-and-write is atomic per trip.
	TransitionStatus(ctx context.Context, id string, next trip.Status, at time.Time) (trip.Status, error)

	// ClearStalePositions blanks position fields of terminal trips whose last
	// update is older than cutoff. Bulk and idempotent. Returns the number of
	// trips touched.
	ClearStalePositions(ctx context.Context, cutoff time.Time) (int64, error)

	// ListTimedOut returns trips in in-progress statuses whose start time is
	// before startedBefore.
	ListTimedOut(ctx context.Context, startedBefore time.Time) ([]trip.Trip, error)

	// FlagTimeout appends a dispatcher-visible note to the trip.
	FlagTimeout(ctx context.Context, id, note string) error

	// ResetAvailability marks the trip's vehicle and driver available again
	// after completion. No-op for trips without an assignment.
	ResetAvailability(ctx context.Context, id string) error
}

// EventPublisher hands messages to the broker for downstream services
// (billing, notifications, fleet).
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}
