package domain

import "time"

// BearerToken is the single upstream API credential. RefreshSeed is the
// long-lived authorization code exchanged for new access tokens.
type BearerToken struct {
	AccessToken      string
	TokenType        string
	ExpiresInSeconds int
	RefreshSeed      string
	IssuedAt         time.Time
	UpdatedAt        time.Time
}

func (t *BearerToken) ExpiresAt() time.Time {
	return t.UpdatedAt.Add(time.Duration(t.ExpiresInSeconds) * time.Second)
}

func (t *BearerToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

// TokenGrant is what the provider's token endpoint returns.
type TokenGrant struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresInSeconds int    `json:"expires_in"`
}
