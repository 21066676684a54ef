// Package auth authenticates the three kinds of callers the service sees:
// the telemetry provider (webhook secret), marketplace code (API keys) and
// end users (JWT principals).
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingSecret = errors.New("jwt secret is not configured")
)

const RoleAdmin = "admin"

// Principal is the authenticated end user behind a live connection or a
// read request.
type Principal struct {
	UserID  int64
	Role    string
	IsStaff bool
}

func (p *Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanSeeFleet reports whether the principal sees every truck.
func (p *Principal) CanSeeFleet() bool {
	return p.IsAdmin() || p.IsStaff
}

type Claims struct {
	UserID  int64  `json:"user_id"`
	Role    string `json:"role"`
	IsStaff bool   `json:"is_staff"`
	jwt.RegisteredClaims
}

// PrincipalAuthenticator verifies HS256 tokens issued by the marketplace.
// Verified principals are cached by raw token until the cache TTL or the
// token's own expiry, whichever comes first.
type PrincipalAuthenticator struct {
	secret []byte
	ttl    time.Duration
	cache  *ttlcache.Cache[string, *Principal]
}

func NewPrincipalAuthenticator(secret string, cacheTTL time.Duration) *PrincipalAuthenticator {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Principal](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *Principal](),
	)
	go cache.Start()

	return &PrincipalAuthenticator{
		secret: []byte(secret),
		ttl:    cacheTTL,
		cache:  cache,
	}
}

func (a *PrincipalAuthenticator) Authenticate(token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	if len(a.secret) == 0 {
		return nil, ErrMissingSecret
	}
	if item := a.cache.Get(token); item != nil {
		return item.Value(), nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}

	p := &Principal{UserID: claims.UserID, Role: claims.Role, IsStaff: claims.IsStaff}

	ttl := a.ttl
	if claims.ExpiresAt != nil {
		if left := time.Until(claims.ExpiresAt.Time); left < ttl {
			ttl = left
		}
	}
	if ttl > 0 {
		a.cache.Set(token, p, ttl)
	}
	return p, nil
}

// IssueToken signs a token for p. The marketplace issues tokens in
// production; this is used by tooling and tests.
func (a *PrincipalAuthenticator) IssueToken(p Principal, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrMissingSecret
	}
	now := time.Now().UTC()
	claims := Claims{
		UserID:  p.UserID,
		Role:    p.Role,
		IsStaff: p.IsStaff,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", p.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (a *PrincipalAuthenticator) Close() {
	a.cache.Stop()
}

type ctxKey struct{}

func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}
