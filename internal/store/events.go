package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"fleet-monitor/telemetry/internal/domain"
)

// Copier is the bulk-load half of *pgxpool.Pool.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// EventStore is the append-only vehicle_events log. Rows are never updated
// or deleted.
type EventStore struct {
	copier Copier
	db     DBTX
}

func NewEventStore(copier Copier, db DBTX) *EventStore {
	return &EventStore{copier: copier, db: db}
}

var eventColumns = []string{
	"imei",
	"event_type",
	"transaction_id",
	"raw_payload",
	"lat",
	"lon",
	"speed",
	"heading",
	"received_at",
}

func eventRow(e *domain.VehicleEvent) []any {
	return []any{
		e.IMEI,
		e.Tag,
		e.CorrelationID,
		string(e.RawPayload),
		e.Lat,
		e.Lon,
		e.SpeedKph,
		e.Heading,
		e.ReceivedAt,
	}
}

func (s *EventStore) SaveEvent(ctx context.Context, e domain.VehicleEvent) error {
	query := `
		INSERT INTO vehicle_events
			(imei, event_type, transaction_id, raw_payload, lat, lon, speed, heading, received_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := s.db.ExecContext(ctx, query, eventRow(&e)...); err != nil {
		return fmt.Errorf("insert %s event for %s: %w", e.Tag, e.IMEI, err)
	}
	return nil
}

// SaveEvents bulk-loads a batch with COPY. Rows are independent; the batch is
// not required to be atomic.
func (s *EventStore) SaveEvents(ctx context.Context, events []domain.VehicleEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, len(events))
	for i := range events {
		rows[i] = eventRow(&events[i])
	}

	_, err := s.copier.CopyFrom(
		ctx,
		pgx.Identifier{"vehicle_events"},
		eventColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(events), err)
	}
	return nil
}

const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// EventQuery selects a range of one vehicle's events. Zero values mean no bound.
type EventQuery struct {
	IMEI  string
	Tag   string
	Since time.Time
	Until time.Time
	Limit int
}

// ListEvents returns matching events newest first.
func (s *EventStore) ListEvents(ctx context.Context, q EventQuery) ([]domain.VehicleEvent, error) {
	var (
		where = []string{"imei = $1"}
		args  = []any{q.IMEI}
	)
	if q.Tag != "" {
		args = append(args, q.Tag)
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		where = append(where, fmt.Sprintf("received_at >= $%d", len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		where = append(where, fmt.Sprintf("received_at < $%d", len(args)))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, imei, event_type, transaction_id, raw_payload, lat, lon, speed, heading, received_at
		FROM vehicle_events
		WHERE %s
		ORDER BY received_at DESC
		LIMIT $%d
	`, strings.Join(where, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", q.IMEI, err)
	}
	defer rows.Close()

	var out []domain.VehicleEvent
	for rows.Next() {
		var (
			e                        domain.VehicleEvent
			txID                     sql.NullString
			raw                      []byte
			lat, lon, speed, heading sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &e.IMEI, &e.Tag, &txID, &raw, &lat, &lon, &speed, &heading, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = domain.ParseEventKind(e.Tag)
		e.CorrelationID = nullString(txID)
		e.RawPayload = json.RawMessage(raw)
		e.Lat = nullFloat(lat)
		e.Lon = nullFloat(lon)
		e.SpeedKph = nullFloat(speed)
		e.Heading = nullFloat(heading)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
