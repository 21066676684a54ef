package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleet-monitor/telemetry/internal/domain"
)

// FleetRepository reads the marketplace's trucks and bookings and writes the
// live_* columns of trucks.
type FleetRepository struct {
	db DBTX
}

func NewFleetRepository(db DBTX) *FleetRepository {
	return &FleetRepository{db: db}
}

const truckColumns = `t.id, COALESCE(t.imei, ''), t.truck_number_plate, COALESCE(t.driver_name, ''),
	t.live_lat, t.live_lon, t.live_speed, t.live_heading, t.last_location_update`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTruck(row rowScanner) (domain.TruckSnapshot, error) {
	var (
		t                        domain.TruckSnapshot
		lat, lon, speed, heading sql.NullFloat64
		updated                  sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.IMEI, &t.NumberPlate, &t.DriverName, &lat, &lon, &speed, &heading, &updated); err != nil {
		return t, err
	}
	t.LiveLat = nullFloat(lat)
	t.LiveLon = nullFloat(lon)
	t.LiveSpeed = nullFloat(speed)
	t.LiveHeading = nullFloat(heading)
	if updated.Valid {
		s := updated.Time.UTC().Format(time.RFC3339)
		t.LastLocationUpdate = &s
	}
	return t, nil
}

// VisibleTrucks returns every truck for staff, otherwise the trucks tied to
// the user's active bookings.
func (r *FleetRepository) VisibleTrucks(ctx context.Context, userID int64, staff bool) ([]domain.TruckSnapshot, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if staff {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+truckColumns+`
			FROM trucks t
			ORDER BY t.id
		`)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT DISTINCT `+truckColumns+`
			FROM trucks t
			JOIN bookings b ON b.truck_id = t.id
			WHERE b.user_id = $1 AND b.status IN ('confirmed', 'start')
			ORDER BY t.id
		`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query visible trucks: %w", err)
	}
	defer rows.Close()

	var out []domain.TruckSnapshot
	for rows.Next() {
		t, err := scanTruck(rows)
		if err != nil {
			return nil, fmt.Errorf("scan truck: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trucks: %w", err)
	}
	return out, nil
}

// UpdateLiveState writes a sample into the truck carrying that device. It
// returns nil when no truck is linked to the IMEI. Missing fields keep their
// previous value.
func (r *FleetRepository) UpdateLiveState(ctx context.Context, s domain.LocationSample) (*domain.TruckSnapshot, error) {
	query := `
		UPDATE trucks t SET
			live_lat             = COALESCE($2, t.live_lat),
			live_lon             = COALESCE($3, t.live_lon),
			live_speed           = COALESCE($4, t.live_speed),
			live_heading         = COALESCE($5, t.live_heading),
			last_location_update = $6
		WHERE t.imei = $1
		RETURNING ` + truckColumns

	t, err := scanTruck(r.db.QueryRowContext(ctx, query,
		s.IMEI, s.Lat, s.Lon, s.SpeedKph, s.Heading, s.ReceivedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update live state for %s: %w", s.IMEI, err)
	}
	return &t, nil
}
