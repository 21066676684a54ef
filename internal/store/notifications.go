package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fleet-monitor/telemetry/internal/domain"
)

type NotificationRepository struct {
	db DBTX
}

func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create persists a notification built from req and returns it with its id.
func (r *NotificationRepository) Create(ctx context.Context, req domain.NotificationRequest, now time.Time) (*domain.Notification, error) {
	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal notification data: %w", err)
	}

	n := &domain.Notification{
		RecipientUserID: req.RecipientUserID,
		Title:           req.Title,
		Body:            req.Body,
		Data:            data,
		EventType:       req.EventType,
		ScopeAdmin:      req.BroadcastAdmin,
		ScopeUser:       req.RecipientUserID != nil,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	query := `
		INSERT INTO notifications
			(recipient_user_id, title, body, data, event_type, read, scope_admin, scope_user, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, FALSE, $6, $7, $8, $8)
		RETURNING id
	`
	err = r.db.QueryRowContext(ctx, query,
		n.RecipientUserID,
		n.Title,
		n.Body,
		string(raw),
		n.EventType,
		n.ScopeAdmin,
		n.ScopeUser,
		now,
	).Scan(&n.ID)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// List returns catch-up notifications newest first: admin-scoped rows for
// admins, the user's own user-scoped rows otherwise.
func (r *NotificationRepository) List(ctx context.Context, userID int64, admin bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	const columns = `id, recipient_user_id, title, body, data, event_type, read, scope_admin, scope_user, created_at, updated_at`
	var (
		rows *sql.Rows
		err  error
	)
	if admin {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+columns+`
			FROM notifications
			WHERE scope_admin
			ORDER BY created_at DESC
			LIMIT $1
		`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+columns+`
			FROM notifications
			WHERE recipient_user_id = $1 AND scope_user
			ORDER BY created_at DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n         domain.Notification
			recipient sql.NullInt64
			raw       []byte
		)
		if err := rows.Scan(&n.ID, &recipient, &n.Title, &n.Body, &raw, &n.EventType,
			&n.Read, &n.ScopeAdmin, &n.ScopeUser, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if recipient.Valid {
			id := recipient.Int64
			n.RecipientUserID = &id
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &n.Data); err != nil {
				return nil, fmt.Errorf("decode notification %d data: %w", n.ID, err)
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// MarkRead flags a notification as read. Admins may mark admin-scoped rows;
// users only their own. It reports whether a row changed.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID int64, admin bool, now time.Time) (bool, error) {
	query := `
		UPDATE notifications
		SET read = TRUE, updated_at = $3
		WHERE id = $1 AND (recipient_user_id = $2 OR ($4 AND scope_admin))
	`
	res, err := r.db.ExecContext(ctx, query, id, userID, now, admin)
	if err != nil {
		return false, fmt.Errorf("mark notification %d read: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification %d read: %w", id, err)
	}
	return n > 0, nil
}
