// seedkeys provisions internal API keys in Redis.
//
//	seedkeys [--ttl 0] key=caller [key=caller ...]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/logging"
	"fleet-monitor/telemetry/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// parsePairs splits key=caller arguments.
func parsePairs(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, errors.New("no key=caller pairs given")
	}
	pairs := make(map[string]string, len(args))
	for _, arg := range args {
		key, caller, ok := strings.Cut(arg, "=")
		key, caller = strings.TrimSpace(key), strings.TrimSpace(caller)
		if !ok || key == "" || caller == "" {
			return nil, fmt.Errorf("invalid pair %q, want key=caller", arg)
		}
		pairs[key] = caller
	}
	return pairs, nil
}

func run(argv []string) error {
	_ = godotenv.Load()
	cfg := config.Load()

	var ttl time.Duration
	flagSet := pflag.NewFlagSet("seedkeys", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address")
	flagSet.DurationVar(&ttl, "ttl", 0, "key lifetime, 0 keeps keys forever")
	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if cfg.RedisAddr == "" {
		return errors.New("redis address is required (REDIS_ADDR or --redis-addr)")
	}

	pairs, err := parsePairs(flagSet.Args())
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rs, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer rs.Close()

	for key, caller := range pairs {
		if err := rs.PutAPIKey(ctx, key, caller, ttl); err != nil {
			return err
		}
		got, err := rs.GetAPIKey(ctx, key)
		if err != nil {
			return err
		}
		if got != caller {
			return fmt.Errorf("verify %s: got %q", key, got)
		}
		log.Info().Str("caller", caller).Msg("api key stored")
	}
	log.Info().Int("count", len(pairs)).Msg("api keys seeded")
	return nil
}
