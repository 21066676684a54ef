package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"fleet-monitor/telemetry/internal/auth"
	"fleet-monitor/telemetry/internal/metrics"
	"fleet-monitor/telemetry/internal/ws"
)

type KeyValidator interface {
	Validate(ctx context.Context, apiKey string) bool
}

type AuthMiddleware struct {
	keys       KeyValidator
	principals ws.PrincipalSource
}

func NewAuthMiddleware(keys KeyValidator, principals ws.PrincipalSource) *AuthMiddleware {
	return &AuthMiddleware{keys: keys, principals: principals}
}

// APIKey guards the internal endpoints with the X-API-Key header.
func (m *AuthMiddleware) APIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		apiKey := c.Request().Header.Get("X-API-Key")
		if apiKey == "" {
			return c.JSON(http.StatusUnauthorized, errorBody("missing X-API-Key header"))
		}

		if !m.keys.Validate(c.Request().Context(), apiKey) {
			return c.JSON(http.StatusUnauthorized, errorBody("invalid API key"))
		}

		return next(c)
	}
}

// Principal requires a valid user token. With staffOnly set, only admins and
// staff get through.
func (m *AuthMiddleware) Principal(staffOnly bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, err := m.principals.Authenticate(ws.TokenFromRequest(c.Request()))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorBody("authentication required"))
			}
			if staffOnly && !p.CanSeeFleet() {
				return c.JSON(http.StatusForbidden, errorBody("staff access required"))
			}

			r := c.Request()
			c.SetRequest(r.WithContext(auth.ContextWithPrincipal(r.Context(), p)))
			return next(c)
		}
	}
}

func principal(c echo.Context) *auth.Principal {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	return p
}

// observe records request latency by route and logs the request.
func observe(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			elapsed := time.Since(start)
			status := c.Response().Status
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			metrics.ObserveHTTP(c.Request().Method, route, status, elapsed)

			ev := log.Debug()
			if status >= http.StatusInternalServerError {
				ev = log.Warn()
			}
			ev.Str("method", c.Request().Method).
				Str("route", route).
				Int("status", status).
				Dur("elapsed", elapsed).
				Msg("request")
			return nil
		}
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
