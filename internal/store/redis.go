package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/domain"
)

const (
	vehicleStateTTL = 10 * time.Minute
	fleetGeoKey     = "fleet:geo"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func vehicleStateKey(imei string) string {
	return fmt.Sprintf("vehicle:%s:state", imei)
}

func stateFields(s domain.LocationSample) map[string]any {
	fields := map[string]any{
		"imei":           s.IMEI,
		"transaction_id": s.TransactionID,
		"received_at":    s.ReceivedAt.Unix(),
	}
	if s.Lat != nil {
		fields["lat"] = *s.Lat
	}
	if s.Lon != nil {
		fields["lon"] = *s.Lon
	}
	if s.SpeedKph != nil {
		fields["speed_kph"] = *s.SpeedKph
	}
	if s.Heading != nil {
		fields["heading"] = *s.Heading
	}
	return fields
}

// PipelineStateUpdate mirrors a sample into the vehicle state hash and the
// fleet geo set in one round trip.
func (r *RedisStore) PipelineStateUpdate(ctx context.Context, s domain.LocationSample) error {
	key := vehicleStateKey(s.IMEI)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, stateFields(s))
	pipe.Expire(ctx, key, vehicleStateTTL)
	if s.Lat != nil && s.Lon != nil {
		pipe.GeoAdd(ctx, fleetGeoKey, &redis.GeoLocation{
			Name:      s.IMEI,
			Longitude: *s.Lon,
			Latitude:  *s.Lat,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func apiKeyKey(apiKey string) string {
	return fmt.Sprintf("telemetry:apikey:%s", apiKey)
}

// GetAPIKey returns the caller name bound to apiKey, or "" when unknown.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := apiKeyKey(apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// PutAPIKey binds apiKey to a caller name. A zero ttl never expires.
func (r *RedisStore) PutAPIKey(ctx context.Context, apiKey, caller string, ttl time.Duration) error {
	if err := r.client.Set(ctx, apiKeyKey(apiKey), caller, ttl).Err(); err != nil {
		return fmt.Errorf("redis set api key failed: %w", err)
	}
	return nil
}

// ClaimAlert reports whether this call is the first to raise alertType for
// the vehicle within ttl.
func (r *RedisStore) ClaimAlert(ctx context.Context, imei string, alertType domain.AlertType, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("alert:%s:%s", imei, string(alertType))
	ok, err := r.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim failed: %w", err)
	}
	return ok, nil
}
