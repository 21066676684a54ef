// Package token keeps the single upstream bearer token valid.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/metrics"
)

// Store persists the token row.
type Store interface {
	Load(ctx context.Context) (*domain.BearerToken, error)
	Save(ctx context.Context, t *domain.BearerToken) error
}

// Exchanger trades the refresh seed for a new grant.
type Exchanger interface {
	Exchange(ctx context.Context, seed string) (*domain.TokenGrant, error)
}

var ErrEmptyGrant = errors.New("token grant has no access token")

// DefaultExpiresIn applies when a grant carries no usable expires_in.
const DefaultExpiresIn = 3600

// Manager serialises load-check-refresh so concurrent callers that all see an
// expired token cause exactly one refresh.
type Manager struct {
	mu        sync.Mutex
	store     Store
	exchanger Exchanger
	now       func() time.Time
	log       zerolog.Logger
}

func NewManager(store Store, exchanger Exchanger, log zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		exchanger: exchanger,
		now:       time.Now,
		log:       log,
	}
}

// GetValidToken returns nil, nil when no token was ever stored. An expired
// token is refreshed synchronously; refresh errors are returned as-is.
func (m *Manager) GetValidToken(ctx context.Context) (*domain.BearerToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	if !tok.IsExpired(m.now()) {
		return tok, nil
	}

	grant, err := m.exchanger.Exchange(ctx, tok.RefreshSeed)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		m.log.Error().Err(err).Msg("upstream token refresh failed")
		return nil, fmt.Errorf("refresh upstream token: %w", err)
	}
	if grant.AccessToken == "" {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, ErrEmptyGrant
	}

	apply(tok, grant, m.now())
	if err := m.store.Save(ctx, tok); err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	m.log.Info().Time("expires_at", tok.ExpiresAt()).Msg("upstream token refreshed")
	return tok, nil
}

// Store records the result of the initial authorization handshake.
func (m *Manager) Store(ctx context.Context, seed string, grant domain.TokenGrant) (*domain.BearerToken, error) {
	if grant.AccessToken == "" {
		return nil, ErrEmptyGrant
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	tok := &domain.BearerToken{RefreshSeed: seed, IssuedAt: now}
	apply(tok, &grant, now)
	if err := m.store.Save(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func apply(t *domain.BearerToken, g *domain.TokenGrant, now time.Time) {
	t.AccessToken = g.AccessToken
	t.TokenType = g.TokenType
	if t.TokenType == "" {
		t.TokenType = "Bearer"
	}
	t.ExpiresInSeconds = g.ExpiresInSeconds
	if t.ExpiresInSeconds <= 0 {
		t.ExpiresInSeconds = DefaultExpiresIn
	}
	t.UpdatedAt = now
}
