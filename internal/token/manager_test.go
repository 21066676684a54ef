package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/telemetry/internal/domain"
)

type memStore struct {
	mu    sync.Mutex
	tok   *domain.BearerToken
	saves int
	err   error
}

func (s *memStore) Load(context.Context) (*domain.BearerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.tok == nil {
		return nil, nil
	}
	cp := *s.tok
	return &cp, nil
}

func (s *memStore) Save(_ context.Context, t *domain.BearerToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tok = &cp
	s.saves++
	return nil
}

type countingExchanger struct {
	calls atomic.Int32
	grant domain.TokenGrant
	err   error
	delay time.Duration
	seeds chan string
}

func (e *countingExchanger) Exchange(_ context.Context, seed string) (*domain.TokenGrant, error) {
	e.calls.Add(1)
	if e.seeds != nil {
		e.seeds <- seed
	}
	time.Sleep(e.delay)
	if e.err != nil {
		return nil, e.err
	}
	g := e.grant
	return &g, nil
}

func newTestManager(store Store, ex Exchanger, now time.Time) *Manager {
	m := NewManager(store, ex, zerolog.Nop())
	m.now = func() time.Time { return now }
	return m
}

func TestGetValidToken_NoToken(t *testing.T) {
	ex := &countingExchanger{}
	m := newTestManager(&memStore{}, ex, time.Now())

	tok, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.Zero(t, ex.calls.Load())
}

func TestGetValidToken_FreshTokenNotRefreshed(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{tok: &domain.BearerToken{AccessToken: "abc", ExpiresInSeconds: 3600, UpdatedAt: now.Add(-time.Minute)}}
	ex := &countingExchanger{}
	m := newTestManager(store, ex, now)

	tok, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Zero(t, ex.calls.Load())
}

func TestGetValidToken_ExpiredAtBoundary(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{tok: &domain.BearerToken{AccessToken: "old", ExpiresInSeconds: 60, RefreshSeed: "seed-1", UpdatedAt: now.Add(-time.Minute)}}
	ex := &countingExchanger{grant: domain.TokenGrant{AccessToken: "new", ExpiresInSeconds: 3600}, seeds: make(chan string, 1)}
	m := newTestManager(store, ex, now)

	tok, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, now, tok.UpdatedAt)
	assert.Equal(t, "seed-1", <-ex.seeds)
	assert.Equal(t, "new", store.tok.AccessToken)
}

func TestGetValidToken_ConcurrentCallersRefreshOnce(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{tok: &domain.BearerToken{AccessToken: "old", ExpiresInSeconds: 10, RefreshSeed: "seed", UpdatedAt: now.Add(-time.Hour)}}
	ex := &countingExchanger{grant: domain.TokenGrant{AccessToken: "new", ExpiresInSeconds: 3600}, delay: 20 * time.Millisecond}
	m := newTestManager(store, ex, now)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background())
			if err == nil && tok != nil {
				results[i] = tok.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ex.calls.Load())
	assert.Equal(t, 1, store.saves)
	for _, r := range results {
		assert.Equal(t, "new", r)
	}
}

func TestGetValidToken_RefreshErrorPropagates(t *testing.T) {
	now := time.Now()
	boom := &ExchangeError{StatusCode: 400, Body: "invalid_grant"}
	store := &memStore{tok: &domain.BearerToken{AccessToken: "old", ExpiresInSeconds: 1, UpdatedAt: now.Add(-time.Hour)}}
	m := newTestManager(store, &countingExchanger{err: boom}, now)

	tok, err := m.GetValidToken(context.Background())
	assert.Nil(t, tok)
	var exErr *ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, 400, exErr.StatusCode)
	assert.Equal(t, "old", store.tok.AccessToken)
}

func TestGetValidToken_StoreError(t *testing.T) {
	boom := errors.New("db down")
	m := newTestManager(&memStore{err: boom}, &countingExchanger{}, time.Now())

	_, err := m.GetValidToken(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestStore_PersistsHandshake(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	m := newTestManager(store, &countingExchanger{}, now)

	tok, err := m.Store(context.Background(), "code-1", domain.TokenGrant{AccessToken: "abc", TokenType: "Bearer", ExpiresInSeconds: 3600})
	require.NoError(t, err)
	assert.Equal(t, now, tok.IssuedAt)
	assert.Equal(t, "code-1", store.tok.RefreshSeed)

	_, err = m.Store(context.Background(), "code-1", domain.TokenGrant{})
	assert.ErrorIs(t, err, ErrEmptyGrant)
}

func TestGetValidToken_GrantWithoutExpiryStaysValid(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{tok: &domain.BearerToken{AccessToken: "old", ExpiresInSeconds: 60, RefreshSeed: "seed", UpdatedAt: now.Add(-time.Hour)}}
	ex := &countingExchanger{grant: domain.TokenGrant{AccessToken: "new"}}
	m := newTestManager(store, ex, now)

	for i := 0; i < 3; i++ {
		tok, err := m.GetValidToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "new", tok.AccessToken)
		assert.Equal(t, DefaultExpiresIn, tok.ExpiresInSeconds)
		assert.False(t, tok.IsExpired(now))
	}
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestStore_DefaultsMissingExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(&memStore{}, &countingExchanger{}, now)

	for _, expiresIn := range []int{0, -5} {
		tok, err := m.Store(context.Background(), "code-1", domain.TokenGrant{AccessToken: "abc", ExpiresInSeconds: expiresIn})
		require.NoError(t, err)
		assert.Equal(t, DefaultExpiresIn, tok.ExpiresInSeconds)
		assert.Equal(t, now.Add(time.Hour), tok.ExpiresAt())
	}
}
