package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/store"
	"fleet-monitor/telemetry/internal/upstream"
)

// upstreamError maps facade failures onto HTTP statuses: no credential is a
// 503, provider 4xx/5xx errors keep their status, anything else is a bad
// gateway.
func (s *Server) upstreamError(c echo.Context, err error) error {
	var apiErr *upstream.APIError
	switch {
	case errors.Is(err, upstream.ErrNotAuthorized):
		return c.JSON(http.StatusServiceUnavailable, errorBody("upstream API not authorized"))
	case errors.As(err, &apiErr):
		status := apiErr.StatusCode
		if status < http.StatusBadRequest || status > 599 {
			status = http.StatusBadGateway
		}
		return c.JSON(status, map[string]any{
			"error":  "upstream request failed",
			"detail": apiErr.Body,
		})
	default:
		s.log.Error().Err(err).Str("route", c.Path()).Msg("upstream request failed")
		return c.JSON(http.StatusBadGateway, errorBody("upstream request failed"))
	}
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected RFC3339")
	}
	return t, nil
}

func (s *Server) handleVehicles(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	skip, err := queryInt(c, "skip")
	if err != nil {
		return err
	}

	vehicles, err := s.deps.Upstream.Vehicles(c.Request().Context(), upstream.VehicleFilter{
		IMEI:  c.QueryParam("imei"),
		VIN:   c.QueryParam("vin"),
		Limit: limit,
		Skip:  skip,
	})
	if err != nil {
		return s.upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, vehicles)
}

func (s *Server) handleVehicle(c echo.Context) error {
	v, err := s.deps.Upstream.Vehicle(c.Request().Context(), c.Param("imei"))
	if err != nil {
		return s.upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleLiveLocations(c echo.Context) error {
	locs, err := s.deps.Upstream.LiveLocations(c.Request().Context())
	if err != nil {
		return s.upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, locs)
}

func (s *Server) handleVehicleLocation(c echo.Context) error {
	loc, err := s.deps.Upstream.VehicleLocation(c.Request().Context(), c.Param("imei"))
	if err != nil {
		return s.upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, loc)
}

func (s *Server) handleLocationHistory(c echo.Context) error {
	startsAfter := c.QueryParam("starts-after")
	endsBefore := c.QueryParam("ends-before")
	if startsAfter == "" || endsBefore == "" {
		return c.JSON(http.StatusBadRequest, errorBody("starts-after and ends-before are required"))
	}

	paths, err := s.deps.Upstream.LocationHistory(c.Request().Context(), c.Param("imei"), startsAfter, endsBefore)
	if err != nil {
		return s.upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, paths)
}

func (s *Server) handleTrips(c echo.Context) error {
	trips, err := s.deps.Upstream.Trips(c.Request().Context(), upstream.TripQuery{
		IMEI:          c.Param("imei"),
		StartsAfter:   c.QueryParam("starts-after"),
		EndsBefore:    c.QueryParam("ends-before"),
		GPSFormat:     c.QueryParam("gps-format"),
		TransactionID: c.QueryParam("transaction-id"),
	})
	if err != nil {
		return s.upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, trips)
}

type eventView struct {
	ID            int64           `json:"id"`
	IMEI          string          `json:"imei"`
	EventType     string          `json:"event_type"`
	TransactionID *string         `json:"transaction_id"`
	Payload       json.RawMessage `json:"payload"`
	Lat           *float64        `json:"lat"`
	Lon           *float64        `json:"lon"`
	Speed         *float64        `json:"speed"`
	Heading       *float64        `json:"heading"`
	ReceivedAt    time.Time       `json:"received_at"`
}

func (s *Server) handleEvents(c echo.Context) error {
	since, err := queryTime(c, "since")
	if err != nil {
		return err
	}
	until, err := queryTime(c, "until")
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}

	events, err := s.deps.Events.ListEvents(c.Request().Context(), store.EventQuery{
		IMEI:  c.Param("imei"),
		Tag:   c.QueryParam("kind"),
		Since: since,
		Until: until,
		Limit: limit,
	})
	if err != nil {
		return err
	}

	out := make([]eventView, 0, len(events))
	for _, e := range events {
		raw := e.RawPayload
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		out = append(out, eventView{
			ID:            e.ID,
			IMEI:          e.IMEI,
			EventType:     e.Tag,
			TransactionID: e.CorrelationID,
			Payload:       raw,
			Lat:           e.Lat,
			Lon:           e.Lon,
			Speed:         e.SpeedKph,
			Heading:       e.Heading,
			ReceivedAt:    e.ReceivedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleListNotifications(c echo.Context) error {
	p := principal(c)
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}

	items, err := s.deps.Notifications.List(c.Request().Context(), p.UserID, p.IsAdmin(), limit)
	if err != nil {
		return err
	}

	out := make([]map[string]any, 0, len(items))
	for i := range items {
		out = append(out, items[i].Frame().Data)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleMarkRead(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return c.JSON(http.StatusBadRequest, errorBody("invalid notification id"))
	}

	p := principal(c)
	ok, err := s.deps.Notifications.MarkRead(c.Request().Context(), id, p.UserID, p.IsAdmin(), s.now())
	if err != nil {
		return err
	}
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("notification not found"))
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "read": true})
}

func (s *Server) handleEnqueueNotification(c echo.Context) error {
	var req domain.NotificationRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid JSON body"))
	}
	if strings.TrimSpace(req.Title) == "" {
		return c.JSON(http.StatusBadRequest, errorBody("title is required"))
	}
	if req.RecipientUserID == nil && !req.BroadcastAdmin {
		return c.JSON(http.StatusBadRequest, errorBody("user_id or broadcast_admin is required"))
	}

	if !s.deps.Queue.EnqueueNotification(req) {
		return c.JSON(http.StatusServiceUnavailable, errorBody("notification queue full"))
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}

type broadcastRequest struct {
	Topic string         `json:"topic"`
	Type  string         `json:"type"`
	Data  map[string]any `json:"data"`
}

func (s *Server) handleBroadcast(c echo.Context) error {
	var req broadcastRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid JSON body"))
	}
	if req.Topic == "" || req.Type == "" {
		return c.JSON(http.StatusBadRequest, errorBody("topic and type are required"))
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	s.deps.Publisher.Publish(c.Request().Context(), req.Topic, domain.Frame{Type: req.Type, Data: req.Data})
	return c.JSON(http.StatusAccepted, map[string]string{"status": "published"})
}

type tokenRequest struct {
	Code string `json:"code"`
	domain.TokenGrant
}

func (s *Server) handleStoreToken(c echo.Context) error {
	var req tokenRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid JSON body"))
	}
	if req.Code == "" || req.AccessToken == "" {
		return c.JSON(http.StatusBadRequest, errorBody("code and access_token are required"))
	}

	t, err := s.deps.Tokens.Store(c.Request().Context(), req.Code, req.TokenGrant)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "stored",
		"token_type": t.TokenType,
		"expires_at": t.ExpiresAt().UTC().Format(time.RFC3339),
	})
}
