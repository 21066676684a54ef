package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"fleet-monitor/telemetry/internal/metrics"
	"fleet-monitor/telemetry/internal/telemetry"
)

// handleWebhook authenticates, decodes and dispatches one provider event.
func (s *Server) handleWebhook(c echo.Context) error {
	r := c.Request()

	header := r.Header.Get("Authorization")
	if header == "" {
		header = r.Header.Get("X-Bouncie-Authorization")
	}
	if !s.deps.Webhook.Authenticate(header) {
		metrics.WebhookRejected.WithLabelValues("unauthorized").Inc()
		s.log.Warn().Str("remote", c.RealIP()).Msg("webhook rejected: bad secret")
		return c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), r.Body, s.deps.MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.WebhookRejected.WithLabelValues("too_large").Inc()
			return c.JSON(http.StatusRequestEntityTooLarge, errorBody("payload too large"))
		}
		metrics.WebhookRejected.WithLabelValues("read").Inc()
		return c.JSON(http.StatusBadRequest, errorBody("could not read body"))
	}

	payload, err := telemetry.DecodePayload(body)
	if err != nil {
		metrics.WebhookRejected.WithLabelValues("malformed").Inc()
		return c.JSON(http.StatusBadRequest, errorBody("invalid JSON payload"))
	}
	if payload.IMEI() == "" {
		metrics.WebhookRejected.WithLabelValues("missing_imei").Inc()
		return c.JSON(http.StatusBadRequest, errorBody("missing imei"))
	}

	eventType, err := s.deps.Dispatcher.Dispatch(r.Context(), payload)
	if err != nil {
		s.log.Error().Err(err).
			Str("imei", payload.IMEI()).
			Str("event_type", eventType).
			Msg("webhook dispatch failed")
		return c.JSON(http.StatusInternalServerError, errorBody("failed to store event"))
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "eventType": eventType})
}
