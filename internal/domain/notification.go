package domain

import "time"

// NotificationRequest is what marketplace code hands to the service.
type NotificationRequest struct {
	RecipientUserID *int64         `json:"user_id"`
	Title           string         `json:"title"`
	Body            string         `json:"body"`
	Data            map[string]any `json:"data"`
	EventType       string         `json:"event_type"`
	BroadcastAdmin  bool           `json:"broadcast_admin"`
}

type Notification struct {
	ID              int64
	RecipientUserID *int64
	Title           string
	Body            string
	Data            map[string]any
	EventType       string
	Read            bool
	ScopeAdmin      bool
	ScopeUser       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (n *Notification) Frame() Frame {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	eventType := n.EventType
	if eventType == "" {
		eventType = "notification"
	}
	return Frame{
		Type: FrameNotification,
		Data: map[string]any{
			"id":         n.ID,
			"event_type": eventType,
			"title":      n.Title,
			"body":       n.Body,
			"data":       data,
			"read":       n.Read,
			"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
		},
	}
}
