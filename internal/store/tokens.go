package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleet-monitor/telemetry/internal/domain"
)

// TokenRepository persists the single upstream bearer token (row id 1).
type TokenRepository struct {
	db DBTX
}

func NewTokenRepository(db DBTX) *TokenRepository {
	return &TokenRepository{db: db}
}

// Load returns nil when no token has ever been stored.
func (r *TokenRepository) Load(ctx context.Context) (*domain.BearerToken, error) {
	query := `
		SELECT access_token, token_type, expires_in, refresh_seed, created_at, updated_at
		FROM upstream_tokens
		WHERE id = 1
	`
	t := &domain.BearerToken{}
	err := r.db.QueryRowContext(ctx, query).Scan(
		&t.AccessToken,
		&t.TokenType,
		&t.ExpiresInSeconds,
		&t.RefreshSeed,
		&t.IssuedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load upstream token: %w", err)
	}
	return t, nil
}

// Save upserts the singleton row. created_at is kept from the first insert.
func (r *TokenRepository) Save(ctx context.Context, t *domain.BearerToken) error {
	query := `
		INSERT INTO upstream_tokens
			(id, access_token, token_type, expires_in, refresh_seed, created_at, updated_at)
		VALUES
			(1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			token_type   = EXCLUDED.token_type,
			expires_in   = EXCLUDED.expires_in,
			refresh_seed = EXCLUDED.refresh_seed,
			updated_at   = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		t.AccessToken,
		t.TokenType,
		t.ExpiresInSeconds,
		t.RefreshSeed,
		t.IssuedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save upstream token: %w", err)
	}
	return nil
}
