package auth

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"fleet-monitor/telemetry/internal/config"
)

// KeyLookup resolves an API key to the caller it was issued to, "" when the
// key is unknown.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

// APIKeyAuthenticator guards the internal endpoints used by marketplace code.
type APIKeyAuthenticator struct {
	cache      *ttlcache.Cache[string, string]
	lookup     KeyLookup
	staticKeys map[string]bool
}

// NewAPIKeyAuthenticator builds the authenticator. lookup may be nil when
// Redis is disabled; only static keys are accepted then.
func NewAPIKeyAuthenticator(cfg *config.Config, lookup KeyLookup) *APIKeyAuthenticator {
	staticKeys := make(map[string]bool, len(cfg.ValidAPIKeys))
	for _, k := range cfg.ValidAPIKeys {
		if k != "" {
			staticKeys[k] = true
		}
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](time.Duration(cfg.AuthCacheTTLSeconds)*time.Second),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	return &APIKeyAuthenticator{
		cache:      cache,
		lookup:     lookup,
		staticKeys: staticKeys,
	}
}

func (a *APIKeyAuthenticator) Validate(ctx context.Context, apiKey string) bool {
	if apiKey == "" {
		return false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return true
	}

	// Level 1: in-memory cache
	if item := a.cache.Get(apiKey); item != nil {
		return true
	}

	// Level 2: Redis lookup
	if a.lookup == nil {
		return false
	}
	caller, err := a.lookup.GetAPIKey(ctx, apiKey)
	if err != nil || caller == "" {
		return false
	}

	a.cache.Set(apiKey, caller, ttlcache.DefaultTTL)
	return true
}

func (a *APIKeyAuthenticator) Close() {
	a.cache.Stop()
}
