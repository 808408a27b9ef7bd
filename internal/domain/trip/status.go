package trip

import (
	"errors"
	"strings"
)

// Status is a trip status as stored in the `trips` table.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusEnRoute   Status = "en_route"
	StatusAtPickup  Status = "at_pickup"
	StatusInTransit Status = "in_transit"
	StatusArrived   Status = "arrived"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var ErrInvalidStatus = errors.New("invalid trip status")

// ParseStatus normalizes (lowercases+trims) and validates a status string.
func ParseStatus(in string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(in)))
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidStatus
}

// Valid reports whether status is one of the allowed trip status constants.
func (status Status) Valid() bool {
	switch status {
	case StatusPending, StatusAssigned, StatusEnRoute, StatusAtPickup,
		StatusInTransit, StatusArrived, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Status.
func (status Status) String() string {
	return string(status)
}

// CanTransitionTo specifies if the status can transition to the next status.
// The lifecycle is a strict forward chain; cancellation is reachable from any
// non-terminal state.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusAssigned || next == StatusCancelled

	case StatusAssigned:
		return next == StatusEnRoute || next == StatusCancelled

	case StatusEnRoute:
		return next == StatusAtPickup || next == StatusCancelled

	case StatusAtPickup:
		return next == StatusInTransit || next == StatusCancelled

	case StatusInTransit:
		return next == StatusArrived || next == StatusCancelled

	case StatusArrived:
		return next == StatusCompleted || next == StatusCancelled

	case StatusCompleted, StatusCancelled:
		return false

	default:
		return false
	}
}

// Terminal indicates if the status is in a terminal state.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusCancelled
}

// InProgress indicates whether a trip in this status has an active crew on the
// road, i.e. is eligible for timeout detection.
func (status Status) InProgress() bool {
	switch status {
	case StatusAssigned, StatusEnRoute, StatusAtPickup, StatusInTransit, StatusArrived:
		return true
	default:
		return false
	}
}

// SourcesOf returns every status from which `next` is reachable. The store
// uses this set for its compare-and-swap transition predicate.
func SourcesOf(next Status) []Status {
	var sources []Status
	for _, s := range []Status{
		StatusPending, StatusAssigned, StatusEnRoute, StatusAtPickup,
		StatusInTransit, StatusArrived, StatusCompleted, StatusCancelled,
	} {
		if s.CanTransitionTo(next) {
			sources = append(sources, s)
		}
	}
	return sources
}
