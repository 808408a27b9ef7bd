package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"med-dispatch/internal/domain/geo"
	"med-dispatch/internal/domain/trip"
	"med-dispatch/internal/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TripRepo persists trips using pgx and plain SQL. Every conditional mutation
// is a single guarded UPDATE, so concurrent writers for the same trip
// serialize inside Postgres with no application-side locking.
type TripRepo struct {
	pool *pgxpool.Pool
}

// NewTripRepo constructs a TripRepo over the given pool.
func NewTripRepo(pool *pgxpool.Pool) ports.TripStore {
	return &TripRepo{pool: pool}
}

const tripColumns = `
	id, created_at, updated_at, status,
	driver_id, driver_name, vehicle_id, vehicle_name, patient_id, patient_name,
	pickup_location, dropoff_location, start_time, end_time,
	current_latitude, current_longitude, speed_kmh, heading_degrees, last_gps_update,
	COALESCE(notes, '')`

func scanTrip(row interface{ Scan(...any) error }) (*trip.Trip, error) {
	var t trip.Trip
	var status string
	err := row.Scan(
		&t.ID, &t.CreatedAt, &t.UpdatedAt, &status,
		&t.DriverID, &t.DriverName, &t.VehicleID, &t.VehicleName, &t.PatientID, &t.PatientName,
		&t.PickupLocation, &t.DropoffLocation, &t.StartTime, &t.EndTime,
		&t.CurrentLatitude, &t.CurrentLongitude, &t.SpeedKmh, &t.HeadingDegrees, &t.LastGPSUpdate,
		&t.Notes,
	)
	if err != nil {
		return nil, err
	}
	t.Status = trip.Status(status)
	return &t, nil
}

// GetTrip fetches a trip by primary key.
func (r *TripRepo) GetTrip(ctx context.Context, id string) (*trip.Trip, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	t, err := scanTrip(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trip.ErrNotFound
		}
		return nil, fmt.Errorf("get trip: %w", err)
	}
	return t, nil
}

// UpdatePositionIfNewer overwrites the trip's position only when the report is
// strictly newer than the stored one. The guard lives in the WHERE clause, so
// the check and the write are one atomic statement.
func (r *TripRepo) UpdatePositionIfNewer(ctx context.Context, report geo.LocationReport) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE trips
		SET current_latitude = $2,
		    current_longitude = $3,
		    speed_kmh = $4,
		    heading_degrees = $5,
		    last_gps_update = $6,
		    updated_at = now()
		WHERE id = $1
		  AND (last_gps_update IS NULL OR last_gps_update < $6)
	`, report.TripID, report.Latitude, report.Longitude, report.SpeedKmh, report.HeadingDegrees, report.Timestamp)
	if err != nil {
		return false, fmt.Errorf("update trip position: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// zero rows means either a stale report or an unknown trip
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM trips WHERE id = $1)`, report.TripID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check trip exists: %w", err)
	}
	if !exists {
		return false, trip.ErrNotFound
	}
	return false, nil
}

// TransitionStatus applies the edge iff the stored status allows it. The
// allowed source set is computed from the state machine and enforced in the
// WHERE clause; the CTE captures the previous status under a row lock.
func (r *TripRepo) TransitionStatus(ctx context.Context, id string, next trip.Status, at time.Time) (trip.Status, error) {
	sources := trip.SourcesOf(next)
	allowed := make([]string, 0, len(sources))
	for _, s := range sources {
		allowed = append(allowed, string(s))
	}

	var prev string
	err := r.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT status FROM trips WHERE id = $1 FOR UPDATE
		)
		UPDATE trips
		SET status = $2,
		    updated_at = $3,
		    start_time = CASE WHEN $2 = 'assigned' AND trips.start_time IS NULL THEN $3 ELSE trips.start_time END,
		    end_time   = CASE WHEN $2 IN ('completed', 'cancelled') THEN $3 ELSE trips.end_time END
		FROM prev
		WHERE trips.id = $1 AND trips.status = ANY($4)
		RETURNING prev.status
	`, id, string(next), at, allowed).Scan(&prev)
	if err == nil {
		return trip.Status(prev), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("transition trip status: %w", err)
	}

	// rejected: report whether the trip is missing or the edge is illegal
	var current string
	err = r.pool.QueryRow(ctx, `SELECT status FROM trips WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", trip.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read trip status: %w", err)
	}
	return trip.Status(current), fmt.Errorf("%w: %s -> %s", trip.ErrInvalidTransition, current, next)
}

// ClearStalePositions blanks position fields of terminal trips whose last
// report is older than cutoff.
func (r *TripRepo) ClearStalePositions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE trips
		SET current_latitude = NULL,
		    current_longitude = NULL,
		    speed_kmh = NULL,
		    heading_degrees = NULL,
		    updated_at = now()
		WHERE status IN ('completed', 'cancelled')
		  AND last_gps_update IS NOT NULL
		  AND last_gps_update < $1
		  AND current_latitude IS NOT NULL
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear stale positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListTimedOut returns in-progress trips that started before the given time.
func (r *TripRepo) ListTimedOut(ctx context.Context, startedBefore time.Time) ([]trip.Trip, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		WHERE status IN ('assigned', 'en_route', 'at_pickup', 'in_transit', 'arrived')
		  AND start_time IS NOT NULL
		  AND start_time < $1
		ORDER BY start_time
	`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("query timed out trips: %w", err)
	}
	defer rows.Close()

	var out []trip.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// FlagTimeout appends the alert note to the trip's dispatcher notes.
func (r *TripRepo) FlagTimeout(ctx context.Context, id, note string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE trips
		SET notes = CASE WHEN COALESCE(notes, '') = '' THEN $2 ELSE notes || E'\n' || $2 END,
		    updated_at = now()
		WHERE id = $1
	`, id, note)
	if err != nil {
		return fmt.Errorf("flag trip timeout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return trip.ErrNotFound
	}
	return nil
}

// ResetAvailability frees the driver and vehicle assigned to the trip.
func (r *TripRepo) ResetAvailability(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var driverID, vehicleID *string
	err = tx.QueryRow(ctx, `SELECT driver_id, vehicle_id FROM trips WHERE id = $1`, id).Scan(&driverID, &vehicleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return trip.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read trip assignment: %w", err)
	}

	if driverID != nil {
		if _, err := tx.Exec(ctx, `UPDATE drivers SET is_available = true, updated_at = now() WHERE id = $1`, *driverID); err != nil {
			return fmt.Errorf("reset driver availability: %w", err)
		}
	}
	if vehicleID != nil {
		if _, err := tx.Exec(ctx, `UPDATE vehicles SET is_available = true, updated_at = now() WHERE id = $1`, *vehicleID); err != nil {
			return fmt.Errorf("reset vehicle availability: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
