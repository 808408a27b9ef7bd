package trip

import (
	"errors"
	"time"
)

// Trip is the domain entity corresponding to the `trips` table. Only the
// fields the tracking core reads and writes are carried; the wider CRUD
// surface (contracts, billing rows, schedules) lives with other services.
type Trip struct {
	// Identity & audit
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Core state
	Status Status

	// Actors (summaries for snapshots; nil until assigned)
	DriverID    *string
	DriverName  *string
	VehicleID   *string
	VehicleName *string
	PatientID   *string
	PatientName *string

	// Route
	PickupLocation  string
	DropoffLocation string

	// Lifecycle timestamps
	StartTime *time.Time
	EndTime   *time.Time

	// Current position (latest accepted report only; no history)
	CurrentLatitude  *float64
	CurrentLongitude *float64
	SpeedKmh         *float64
	HeadingDegrees   *float64
	LastGPSUpdate    *time.Time

	// Free-form dispatcher notes (timeout flags get appended here)
	Notes string
}

var (
	ErrNotFound          = errors.New("trip not found")
	ErrInvalidTransition = errors.New("invalid trip status transition")
)

// HasPosition reports whether the trip carries a stored current position.
func (t *Trip) HasPosition() bool {
	return t.CurrentLatitude != nil && t.CurrentLongitude != nil
}
