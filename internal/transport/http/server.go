// Package http is the service's HTTP surface: the provider webhook, live
// WebSocket endpoints, the read APIs and the internal API used by marketplace
// code.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/hub"
	"fleet-monitor/telemetry/internal/metrics"
	"fleet-monitor/telemetry/internal/store"
	"fleet-monitor/telemetry/internal/telemetry"
	"fleet-monitor/telemetry/internal/upstream"
	"fleet-monitor/telemetry/internal/ws"
)

type EventDispatcher interface {
	Dispatch(ctx context.Context, p *telemetry.Payload) (string, error)
}

type WebhookAuth interface {
	Authenticate(header string) bool
}

type EventReader interface {
	ListEvents(ctx context.Context, q store.EventQuery) ([]domain.VehicleEvent, error)
}

type NotificationReader interface {
	List(ctx context.Context, userID int64, admin bool, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id, userID int64, admin bool, now time.Time) (bool, error)
}

type NotificationQueue interface {
	EnqueueNotification(req domain.NotificationRequest) bool
}

type TokenStorer interface {
	Store(ctx context.Context, seed string, grant domain.TokenGrant) (*domain.BearerToken, error)
}

type Upstream interface {
	Vehicles(ctx context.Context, f upstream.VehicleFilter) ([]upstream.Vehicle, error)
	Vehicle(ctx context.Context, imei string) (upstream.Vehicle, error)
	VehicleLocation(ctx context.Context, imei string) (upstream.LiveLocation, error)
	LiveLocations(ctx context.Context) ([]upstream.LiveLocation, error)
	Trips(ctx context.Context, q upstream.TripQuery) ([]map[string]any, error)
	LocationHistory(ctx context.Context, imei, startsAfter, endsBefore string) ([]upstream.TripPath, error)
}

// Check reports whether a dependency is ready to serve.
type Check func(ctx context.Context) error

type Deps struct {
	Webhook       WebhookAuth
	Dispatcher    EventDispatcher
	Events        EventReader
	Notifications NotificationReader
	Queue         NotificationQueue
	Publisher     hub.Publisher
	Tokens        TokenStorer
	Upstream      Upstream
	Live          *ws.Handler
	Auth          *AuthMiddleware
	Gatherer      prometheus.Gatherer
	ReadyChecks   map[string]Check

	MaxWebhookBytes int64
}

type Server struct {
	echo *echo.Echo
	deps Deps
	now  func() time.Time
	log  zerolog.Logger
}

func NewServer(deps Deps, log zerolog.Logger) *Server {
	if deps.MaxWebhookBytes <= 0 {
		deps.MaxWebhookBytes = 1 << 20
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler(log)

	s := &Server{echo: e, deps: deps, now: time.Now, log: log}
	e.Use(observe(log))
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.POST("/webhook", s.handleWebhook)
	e.POST("/bouncie/webhook", s.handleWebhook)

	if s.deps.Live != nil {
		e.GET("/ws/notifications", echo.WrapHandler(http.HandlerFunc(s.deps.Live.ServeNotifications)))
		e.GET("/ws/fleet", echo.WrapHandler(http.HandlerFunc(s.deps.Live.ServeFleet)))
		e.GET("/ws/vehicles/:imei", func(c echo.Context) error {
			s.deps.Live.ServeVehicle(c.Response(), c.Request(), c.Param("imei"))
			return nil
		})
	}

	staff := e.Group("/vehicles", s.deps.Auth.Principal(true))
	staff.GET("", s.handleVehicles)
	staff.GET("/location", s.handleLiveLocations)
	staff.GET("/:imei", s.handleVehicle)
	staff.GET("/:imei/location", s.handleVehicleLocation)
	staff.GET("/:imei/location/history", s.handleLocationHistory)
	staff.GET("/:imei/trips", s.handleTrips)
	staff.GET("/:imei/events", s.handleEvents)

	users := e.Group("/notifications", s.deps.Auth.Principal(false))
	users.GET("", s.handleListNotifications)
	users.POST("/:id/read", s.handleMarkRead)

	internal := e.Group("/internal", s.deps.Auth.APIKey)
	internal.POST("/notifications", s.handleEnqueueNotification)
	internal.POST("/broadcast", s.handleBroadcast)
	internal.POST("/upstream/token", s.handleStoreToken)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", s.handleReady)
	if s.deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(s.deps.Gatherer)))
	}
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks until the server stops. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.deps.Live != nil {
		s.deps.Live.Close()
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.deps.ReadyChecks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func jsonErrorHandler(log zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(code)
			}
		} else {
			log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
		}
		_ = c.JSON(code, errorBody(msg))
	}
}
