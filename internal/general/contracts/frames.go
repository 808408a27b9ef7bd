package contracts

import (
	"time"

	"med-dispatch/internal/domain/trip"
)

// Frame type discriminators used on the live trip channels.
const (
	FrameConnectionEstablished = "connection_established"
	FrameGPSUpdate             = "gps_update"
	FrameStatusUpdate          = "status_update"
	FrameError                 = "error"
)

// InboundFrame is the minimal envelope read off a live connection.
type InboundFrame struct {
	Type      string    `json:"type"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ConnectionEstablishedFrame is sent once, immediately after a subscriber
// connects, carrying the authoritative snapshot of the trip.
type ConnectionEstablishedFrame struct {
	Type   string        `json:"type"` // "connection_established"
	TripID string        `json:"trip_id"`
	Data   *TripSnapshot `json:"data"` // nil when the trip is unknown
}

// GPSUpdateFrame mirrors every accepted location report to subscribers of the
// trip's location sub-group.
type GPSUpdateFrame struct {
	Type      string    `json:"type"` // "gps_update"
	TripID    string    `json:"trip_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusUpdateFrame mirrors every store-confirmed status transition to
// subscribers of the trip's status sub-group.
type StatusUpdateFrame struct {
	Type      string    `json:"type"` // "status_update"
	TripID    string    `json:"trip_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// ErrorFrame is returned to the offending connection only; it never closes
// the connection.
type ErrorFrame struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// TripSnapshot is the current authoritative trip state for newly-connected
// observers.
type TripSnapshot struct {
	ID      string       `json:"id"`
	Status  string       `json:"status"`
	Driver  ActorSummary `json:"driver"`
	Vehicle ActorSummary `json:"vehicle"`
	Pickup  string       `json:"pickup_location"`
	Dropoff string       `json:"dropoff_location"`

	Latitude      *float64   `json:"latitude,omitempty"`
	Longitude     *float64   `json:"longitude,omitempty"`
	LastGPSUpdate *time.Time `json:"last_gps_update,omitempty"`
}

// ActorSummary is the id/name pair shown for the driver or vehicle.
type ActorSummary struct {
	ID   *string `json:"id"`
	Name *string `json:"name"`
}

// SnapshotOf builds a TripSnapshot from a stored trip.
func SnapshotOf(t *trip.Trip) *TripSnapshot {
	if t == nil {
		return nil
	}
	return &TripSnapshot{
		ID:            t.ID,
		Status:        t.Status.String(),
		Driver:        ActorSummary{ID: t.DriverID, Name: t.DriverName},
		Vehicle:       ActorSummary{ID: t.VehicleID, Name: t.VehicleName},
		Pickup:        t.PickupLocation,
		Dropoff:       t.DropoffLocation,
		Latitude:      t.CurrentLatitude,
		Longitude:     t.CurrentLongitude,
		LastGPSUpdate: t.LastGPSUpdate,
	}
}
