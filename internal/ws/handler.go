// Package ws serves the live WebSocket endpoints. Each connection is one
// hub subscriber; closing the connection removes it from every topic before
// the handler returns.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"fleet-monitor/telemetry/internal/auth"
	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/hub"
	"fleet-monitor/telemetry/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

const (
	EndpointNotifications = "notifications"
	EndpointVehicle       = "vehicle"
	EndpointFleet         = "fleet"
)

var (
	errRateLimited = errors.New("client frame rate exceeded")
	errMalformed   = errors.New("malformed client frame")
)

type Registry interface {
	Subscribe(topic string, sub *hub.Subscriber)
	Leave(sub *hub.Subscriber) []string
}

type PrincipalSource interface {
	Authenticate(token string) (*auth.Principal, error)
}

// FleetSource lists the trucks a user may watch.
type FleetSource interface {
	VisibleTrucks(ctx context.Context, userID int64, staff bool) ([]domain.TruckSnapshot, error)
}

type Handler struct {
	registry   Registry
	principals PrincipalSource
	fleet      FleetSource
	upgrader   websocket.Upgrader
	buffer     int
	readPerSec int
	log        zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewHandler(registry Registry, principals PrincipalSource, fleet FleetSource, buffer, readPerSec int, log zerolog.Logger) *Handler {
	if readPerSec <= 0 {
		readPerSec = 10
	}
	return &Handler{
		registry:   registry,
		principals: principals,
		fleet:      fleet,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Connections are authorised by token, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		buffer:     buffer,
		readPerSec: readPerSec,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Close tells every open connection to go away. Hijacked connections are not
// closed by http.Server.Shutdown.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// TokenFromRequest reads the principal token from the "token" query
// parameter or an "Authorization: Bearer" header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, err := h.principals.Authenticate(TokenFromRequest(r))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"authentication required"}`))
		return nil, false
	}
	return p, true
}

// ServeNotifications joins user_{id}, plus admin_notifications for admins.
func (h *Handler) ServeNotifications(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	topics := []string{domain.UserTopic(p.UserID)}
	if p.IsAdmin() {
		topics = append(topics, domain.TopicAdminNotifications)
	}
	h.serve(w, r, connection{endpoint: EndpointNotifications, principal: p, topics: topics})
}

// ServeVehicle streams one vehicle's telemetry frames.
func (h *Handler) ServeVehicle(w http.ResponseWriter, r *http.Request, imei string) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	h.serve(w, r, connection{endpoint: EndpointVehicle, principal: p, topics: []string{domain.VehicleTopic(imei)}})
}

// ServeFleet sends a snapshot of every visible truck, then forwards
// truck_updates frames for trucks that are still visible at delivery time.
func (h *Handler) ServeFleet(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	h.serve(w, r, connection{
		endpoint:  EndpointFleet,
		principal: p,
		topics:    []string{domain.TopicTruckUpdates},
		snapshot:  h.fleetSnapshot,
		filter:    h.fleetVisible,
	})
}

func (h *Handler) fleetSnapshot(ctx context.Context, p *auth.Principal) ([]domain.Frame, error) {
	trucks, err := h.fleet.VisibleTrucks(ctx, p.UserID, p.CanSeeFleet())
	if err != nil {
		return nil, err
	}
	frames := make([]domain.Frame, 0, len(trucks))
	for _, t := range trucks {
		frames = append(frames, t.Frame())
	}
	return frames, nil
}

func (h *Handler) fleetVisible(ctx context.Context, p *auth.Principal, f domain.Frame) bool {
	if p.CanSeeFleet() {
		return true
	}
	trucks, err := h.fleet.VisibleTrucks(ctx, p.UserID, false)
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", p.UserID).Msg("fleet visibility lookup failed")
		return false
	}
	for _, t := range trucks {
		if t.Key() == f.Subject {
			return true
		}
	}
	return false
}

type connection struct {
	endpoint  string
	principal *auth.Principal
	topics    []string
	snapshot  func(ctx context.Context, p *auth.Principal) ([]domain.Frame, error)
	filter    func(ctx context.Context, p *auth.Principal, f domain.Frame) bool
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, c connection) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("endpoint", c.endpoint).Msg("websocket upgrade failed")
		return
	}

	log := h.log.With().Str("endpoint", c.endpoint).Int64("user_id", c.principal.UserID).Logger()
	sub := hub.NewSubscriber(h.buffer)
	for _, topic := range c.topics {
		h.registry.Subscribe(topic, sub)
	}
	metrics.OpenConnections.WithLabelValues(c.endpoint).Inc()

	defer func() {
		h.registry.Leave(sub)
		sub.Close()
		_ = conn.Close()
		metrics.OpenConnections.WithLabelValues(c.endpoint).Dec()
		log.Debug().Msg("connection closed")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- h.readLoop(conn)
	}()

	if c.snapshot != nil {
		frames, err := c.snapshot(ctx, c.principal)
		if err != nil {
			log.Error().Err(err).Msg("initial snapshot failed")
			closeWith(conn, websocket.CloseInternalServerErr, "snapshot unavailable")
			return
		}
		for _, f := range frames {
			if err := writeFrame(conn, f); err != nil {
				return
			}
		}
	}

	h.writeLoop(ctx, conn, sub, c, readErr, log)
}

// readLoop discards client frames. It returns on transport errors, non-JSON
// frames and rate-limit breaches.
func (h *Handler) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(h.readPerSec), h.readPerSec)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if !limiter.Allow() {
			return errRateLimited
		}
		if len(msg) > 0 && !json.Valid(msg) {
			return errMalformed
		}
	}
}

func (h *Handler) writeLoop(
	ctx context.Context,
	conn *websocket.Conn,
	sub *hub.Subscriber,
	c connection,
	readErr <-chan error,
	log zerolog.Logger,
) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-sub.Frames():
			if c.filter != nil && !c.filter(ctx, c.principal, f) {
				continue
			}
			if err := writeFrame(conn, f); err != nil {
				log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case err := <-readErr:
			switch {
			case errors.Is(err, errRateLimited):
				closeWith(conn, websocket.ClosePolicyViolation, err.Error())
			case errors.Is(err, errMalformed):
				closeWith(conn, websocket.CloseUnsupportedData, err.Error())
			default:
				log.Debug().Err(err).Msg("read loop ended")
			}
			return

		case <-sub.Done():
			if sub.Stalled() {
				log.Warn().Msg("closing connection that fell behind")
				closeWith(conn, websocket.CloseTryAgainLater, "consumer too slow")
			}
			return

		case <-h.done:
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return

		case <-ctx.Done():
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, f domain.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
