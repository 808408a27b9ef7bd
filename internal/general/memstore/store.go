package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"med-dispatch/internal/domain/geo"
	"med-dispatch/internal/domain/trip"
	"med-dispatch/internal/ports"
)

// Store is an in-memory TripStore. It backs tests and DB-less local runs and
// mirrors the Postgres implementation's atomicity: every conditional mutation
// happens under that trip's own lock, so unrelated trips never contend.
type Store struct {
	mu    sync.RWMutex
	trips map[string]*entry
}

type entry struct {
	mu sync.Mutex
	t  trip.Trip
}

func New() *Store {
	return &Store{trips: make(map[string]*entry)}
}

var _ ports.TripStore = (*Store)(nil)

// Put inserts or replaces a trip. Seeding helper for tests and sample data.
func (s *Store) Put(t trip.Trip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.trips[t.ID] = &entry{t: t}
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.trips[id]
	if !ok {
		return nil, trip.ErrNotFound
	}
	return e, nil
}

func (s *Store) GetTrip(_ context.Context, id string) (*trip.Trip, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.t
	return &cp, nil
}

func (s *Store) UpdatePositionIfNewer(_ context.Context, report geo.LocationReport) (bool, error) {
	e, err := s.lookup(report.TripID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.t.LastGPSUpdate != nil && !report.Timestamp.After(*e.t.LastGPSUpdate) {
		return false, nil
	}

	lat, lon, ts := report.Latitude, report.Longitude, report.Timestamp
	e.t.CurrentLatitude = &lat
	e.t.CurrentLongitude = &lon
	e.t.SpeedKmh = report.SpeedKmh
	e.t.HeadingDegrees = report.HeadingDegrees
	e.t.LastGPSUpdate = &ts
	e.t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) TransitionStatus(_ context.Context, id string, next trip.Status, at time.Time) (trip.Status, error) {
	e, err := s.lookup(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.t.Status
	if !prev.CanTransitionTo(next) {
		return prev, fmt.Errorf("%w: %s -> %s", trip.ErrInvalidTransition, prev, next)
	}

	e.t.Status = next
	e.t.UpdatedAt = at
	switch next {
	case trip.StatusAssigned:
		if e.t.StartTime == nil {
			start := at
			e.t.StartTime = &start
		}
	case trip.StatusCompleted, trip.StatusCancelled:
		end := at
		e.t.EndTime = &end
	}
	return prev, nil
}

func (s *Store) ClearStalePositions(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.trips))
	for _, e := range s.trips {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var cleared int64
	for _, e := range entries {
		e.mu.Lock()
		if e.t.Status.Terminal() && e.t.HasPosition() && e.t.LastGPSUpdate != nil && e.t.LastGPSUpdate.Before(cutoff) {
			e.t.CurrentLatitude = nil
			e.t.CurrentLongitude = nil
			e.t.SpeedKmh = nil
			e.t.HeadingDegrees = nil
			cleared++
		}
		e.mu.Unlock()
	}
	return cleared, nil
}

func (s *Store) ListTimedOut(_ context.Context, startedBefore time.Time) ([]trip.Trip, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.trips))
	for _, e := range s.trips {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []trip.Trip
	for _, e := range entries {
		e.mu.Lock()
		if e.t.Status.InProgress() && e.t.StartTime != nil && e.t.StartTime.Before(startedBefore) {
			out = append(out, e.t)
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (s *Store) FlagTimeout(_ context.Context, id, note string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.t.Notes == "" {
		e.t.Notes = note
	} else {
		e.t.Notes += "\n" + note
	}
	e.t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ResetAvailability(_ context.Context, id string) error {
	// vehicle/driver rows live with the fleet service; the memory store only
	// validates the trip exists.
	_, err := s.lookup(id)
	return err
}
