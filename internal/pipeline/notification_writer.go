package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/hub"
	"fleet-monitor/telemetry/internal/metrics"
)

type NotificationRepo interface {
	Create(ctx context.Context, req domain.NotificationRequest, now time.Time) (*domain.Notification, error)
}

// NotificationWriter persists notification requests and pushes them to the
// recipient's topic and, for admin-scoped ones, to admin_notifications.
type NotificationWriter struct {
	ch         <-chan domain.NotificationRequest
	repo       NotificationRepo
	pub        hub.Publisher
	retryDelay time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

func NewNotificationWriter(
	ch <-chan domain.NotificationRequest,
	repo NotificationRepo,
	pub hub.Publisher,
	log zerolog.Logger,
) *NotificationWriter {
	return &NotificationWriter{
		ch:         ch,
		repo:       repo,
		pub:        pub,
		retryDelay: 500 * time.Millisecond,
		now:        time.Now,
		log:        log,
	}
}

func (w *NotificationWriter) Run(ctx context.Context) {
	for {
		select {
		case req, ok := <-w.ch:
			if !ok {
				return
			}
			_, _ = w.Deliver(ctx, req)

		case <-ctx.Done():
			return
		}
	}
}

// Deliver persists req, retrying once, then publishes it. Nothing is
// published when persistence fails.
func (w *NotificationWriter) Deliver(ctx context.Context, req domain.NotificationRequest) (*domain.Notification, error) {
	n, err := w.repo.Create(ctx, req, w.now().UTC())
	if err != nil {
		w.log.Warn().Err(err).Msg("notification insert failed, retrying")
		select {
		case <-time.After(w.retryDelay):
		case <-ctx.Done():
			metrics.NotificationWrites.WithLabelValues("error").Inc()
			return nil, ctx.Err()
		}
		n, err = w.repo.Create(ctx, req, w.now().UTC())
		if err != nil {
			metrics.NotificationWrites.WithLabelValues("error").Inc()
			w.log.Error().Err(err).Str("title", req.Title).Msg("notification insert permanently failed")
			return nil, err
		}
	}
	metrics.NotificationWrites.WithLabelValues("ok").Inc()

	frame := n.Frame()
	if n.RecipientUserID != nil {
		w.pub.Publish(ctx, domain.UserTopic(*n.RecipientUserID), frame)
	}
	if n.ScopeAdmin {
		w.pub.Publish(ctx, domain.TopicAdminNotifications, frame)
	}
	return n, nil
}
