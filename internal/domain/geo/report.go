package geo

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrInvalidReport    = errors.New("invalid location report")
	ErrInvalidLatitude  = errors.New("latitude must be between -90 and 90")
	ErrInvalidLongitude = errors.New("longitude must be between -180 and 180")
	ErrInvalidSpeed     = errors.New("speed must not be negative")
	ErrInvalidHeading   = errors.New("heading must be in [0, 360)")
)

// LocationReport is a single inbound GPS reading for a trip. Only the latest
// accepted report per trip is retained by the store.
type LocationReport struct {
	TripID         string    `json:"trip_id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	SpeedKmh       *float64  `json:"speed,omitempty"`
	HeadingDegrees *float64  `json:"heading,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Validate checks shape and ranges. It rejects before any side effect; a
// report failing here must produce no write and no broadcast.
func (r *LocationReport) Validate() error {
	if strings.TrimSpace(r.TripID) == "" {
		return fmt.Errorf("%w: trip_id required", ErrInvalidReport)
	}

	if math.IsNaN(r.Latitude) || math.IsNaN(r.Longitude) ||
		math.IsInf(r.Latitude, 0) || math.IsInf(r.Longitude, 0) {
		return fmt.Errorf("%w: coordinate is not a finite number", ErrInvalidReport)
	}
	if r.Latitude < -90 || r.Latitude > 90 {
		return fmt.Errorf("%w: %w", ErrInvalidReport, ErrInvalidLatitude)
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("%w: %w", ErrInvalidReport, ErrInvalidLongitude)
	}

	if r.SpeedKmh != nil && (math.IsNaN(*r.SpeedKmh) || *r.SpeedKmh < 0) {
		return fmt.Errorf("%w: %w", ErrInvalidReport, ErrInvalidSpeed)
	}
	if r.HeadingDegrees != nil && (math.IsNaN(*r.HeadingDegrees) || *r.HeadingDegrees < 0 || *r.HeadingDegrees >= 360) {
		return fmt.Errorf("%w: %w", ErrInvalidReport, ErrInvalidHeading)
	}

	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp required", ErrInvalidReport)
	}

	return nil
}
