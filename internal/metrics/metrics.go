package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_webhook_events_total",
		Help: "Webhook events dispatched, by event kind.",
	}, []string{"kind"})

	WebhookRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_webhook_rejected_total",
		Help: "Webhook requests rejected before dispatch, by reason.",
	}, []string{"reason"})

	EventsStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_events_stored_total",
		Help: "Vehicle event rows written.",
	})

	StorageFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_storage_failures_total",
		Help: "Failed vehicle event writes.",
	})

	FramesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_frames_published_total",
		Help: "Frames published to the fan-out layer.",
	})

	FramesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_frames_delivered_total",
		Help: "Frames queued to a subscriber.",
	})

	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_frames_dropped_total",
		Help: "Frames dropped because a subscriber buffer was full.",
	})

	BridgeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_bridge_failures_total",
		Help: "Redis fan-out publishes that fell back to local delivery.",
	})

	OpenConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_open_connections",
		Help: "Open live connections, by endpoint.",
	}, []string{"endpoint"})

	ChannelDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_pipeline_channel_drops_total",
		Help: "Pipeline items dropped because a channel was full.",
	}, []string{"channel"})

	StateWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_state_writes_total",
		Help: "Live truck state updates, by result.",
	}, []string{"result"})

	NotificationWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_notification_writes_total",
		Help: "Notification persistence attempts, by result.",
	}, []string{"result"})

	AlertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_alerts_raised_total",
		Help: "Fleet alerts turned into admin notifications, by type.",
	}, []string{"type"})

	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_upstream_token_refreshes_total",
		Help: "Upstream bearer token refreshes, by result.",
	}, []string{"result"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Register adds every collector to reg. Call once at startup.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		WebhookEvents,
		WebhookRejected,
		EventsStored,
		StorageFailures,
		FramesPublished,
		FramesDelivered,
		FramesDropped,
		BridgeFailures,
		OpenConnections,
		ChannelDrops,
		StateWrites,
		NotificationWrites,
		AlertsRaised,
		TokenRefreshes,
		httpRequestDuration,
	)
}

// ObserveHTTP records one finished request. route is the matched pattern, not
// the raw path, to keep label cardinality bounded.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
