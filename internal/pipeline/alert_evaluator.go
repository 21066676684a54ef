package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/metrics"
)

const (
	AlertDedupWindow = 5 * time.Minute
	AlertEventType   = "fleet_alert"
)

// AlertDedup reports whether the caller is first to raise an alert for a
// vehicle and rule within ttl.
type AlertDedup interface {
	ClaimAlert(ctx context.Context, imei string, alertType domain.AlertType, ttl time.Duration) (bool, error)
}

type Notifier interface {
	EnqueueNotification(req domain.NotificationRequest) bool
}

// LocalDedup is the in-process AlertDedup used when Redis is disabled.
type LocalDedup struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, struct{}]
}

func NewLocalDedup() *LocalDedup {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](AlertDedupWindow),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go cache.Start()
	return &LocalDedup{cache: cache}
}

func (l *LocalDedup) ClaimAlert(_ context.Context, imei string, alertType domain.AlertType, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s:%s", imei, alertType)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache.Get(key) != nil {
		return false, nil
	}
	l.cache.Set(key, struct{}{}, ttl)
	return true, nil
}

func (l *LocalDedup) Close() {
	l.cache.Stop()
}

// AlertEvaluator turns telemetry signals into admin notifications.
type AlertEvaluator struct {
	ch       <-chan domain.AlertSignal
	rules    []domain.AlertRule
	dedup    AlertDedup
	notifier Notifier
	log      zerolog.Logger
}

func NewAlertEvaluator(
	ch <-chan domain.AlertSignal,
	rules []domain.AlertRule,
	dedup AlertDedup,
	notifier Notifier,
	log zerolog.Logger,
) *AlertEvaluator {
	return &AlertEvaluator{
		ch:       ch,
		rules:    rules,
		dedup:    dedup,
		notifier: notifier,
		log:      log,
	}
}

func (e *AlertEvaluator) Run(ctx context.Context) {
	for {
		select {
		case sig, ok := <-e.ch:
			if !ok {
				return
			}
			e.evaluate(ctx, &sig)

		case <-ctx.Done():
			return
		}
	}
}

func (e *AlertEvaluator) evaluate(ctx context.Context, sig *domain.AlertSignal) {
	for _, rule := range e.rules {
		if !rule.Evaluator(sig) {
			continue
		}

		claimed, err := e.dedup.ClaimAlert(ctx, sig.IMEI, rule.Type, AlertDedupWindow)
		if err != nil {
			e.log.Warn().Err(err).Str("imei", sig.IMEI).Str("alert", string(rule.Type)).Msg("alert dedup check failed")
			continue
		}
		if !claimed {
			continue
		}

		metrics.AlertsRaised.WithLabelValues(string(rule.Type)).Inc()
		e.log.Warn().Str("imei", sig.IMEI).Str("alert", string(rule.Type)).Str("severity", string(rule.Severity)).Msg("fleet alert raised")
		e.notifier.EnqueueNotification(alertNotification(rule, sig))
	}
}

func alertNotification(rule domain.AlertRule, sig *domain.AlertSignal) domain.NotificationRequest {
	data := map[string]any{
		"imei":         sig.IMEI,
		"alert_type":   string(rule.Type),
		"severity":     string(rule.Severity),
		"triggered_at": sig.At.UTC().Format(time.RFC3339),
	}

	var body string
	switch rule.Type {
	case domain.AlertSpeeding:
		data["value"] = *sig.SpeedKph
		body = fmt.Sprintf("Vehicle %s is travelling at %.0f km/h.", sig.IMEI, *sig.SpeedKph)
	case domain.AlertCriticalBattery:
		if sig.Voltage != nil {
			data["value"] = *sig.Voltage
			body = fmt.Sprintf("Vehicle %s battery is at %.1f V.", sig.IMEI, *sig.Voltage)
		} else {
			body = fmt.Sprintf("Vehicle %s reported a critical battery level.", sig.IMEI)
		}
	case domain.AlertCheckEngine:
		data["codes"] = sig.Codes
		body = fmt.Sprintf("Vehicle %s turned on its check-engine lamp.", sig.IMEI)
	default:
		body = fmt.Sprintf("Vehicle %s raised %s.", sig.IMEI, rule.Type)
	}

	return domain.NotificationRequest{
		Title:          fmt.Sprintf("%s alert", rule.Type),
		Body:           body,
		Data:           data,
		EventType:      AlertEventType,
		BroadcastAdmin: true,
	}
}
