// telemetry receives provider webhooks, stores vehicle events and streams
// live updates to connected clients.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fleet-monitor/telemetry/internal/auth"
	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/hub"
	"fleet-monitor/telemetry/internal/logging"
	"fleet-monitor/telemetry/internal/metrics"
	"fleet-monitor/telemetry/internal/pipeline"
	"fleet-monitor/telemetry/internal/store"
	"fleet-monitor/telemetry/internal/telemetry"
	"fleet-monitor/telemetry/internal/token"
	transport "fleet-monitor/telemetry/internal/transport/http"
	"fleet-monitor/telemetry/internal/upstream"
	"fleet-monitor/telemetry/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file, using process environment")
	}
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("telemetry service stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(reg)

	pg, err := store.NewPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer pg.Close()
	log.Info().Str("host", cfg.DBHost).Str("db", cfg.DBName).Msg("connected to postgres")

	var rs *store.RedisStore
	if cfg.RedisAddr != "" {
		rs, err = store.NewRedisStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer rs.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}

	var (
		events        = store.NewEventStore(pg.Pool(), pg.DB())
		fleet         = store.NewFleetRepository(pg.DB())
		notifications = store.NewNotificationRepository(pg.DB())
		tokens        = store.NewTokenRepository(pg.DB())
	)

	g, gctx := errgroup.WithContext(ctx)

	local := hub.New(logging.Component(log, "hub"))
	local.SetSendWait(cfg.SubscriberSendWait())
	var (
		pub         hub.Publisher = local
		fanoutReady <-chan struct{}
	)
	if cfg.FanoutMode == config.FanoutRedis {
		if rs == nil {
			return fmt.Errorf("FANOUT_MODE=redis requires REDIS_ADDR")
		}
		bridge := hub.NewRedisBridge(local, rs.Client(), cfg.FanoutChannel, logging.Component(log, "bridge"))
		pub = bridge
		fanoutReady = bridge.Ready()
		g.Go(func() error { return bridge.Run(gctx) })
	}

	// Pipeline workers.
	pd := pipeline.NewDispatcher(cfg.StateWriterWorkers, cfg.LocationChannelSize, cfg.NotifyChannelSize, cfg.AlertChannelSize)

	var (
		mirror pipeline.StateMirror
		dedup  pipeline.AlertDedup
		keys   auth.KeyLookup
	)
	if rs != nil {
		mirror, dedup, keys = rs, rs, rs
	} else {
		localDedup := pipeline.NewLocalDedup()
		defer localDedup.Close()
		dedup = localDedup
	}

	for i, ch := range pd.LocationChans {
		w := pipeline.NewStateWriter(ch, fleet, mirror, pub, cfg.StateFlushInterval(),
			logging.Component(log, "state_writer").With().Int("shard", i).Logger())
		g.Go(func() error { w.Run(gctx); return nil })
	}
	for range cfg.NotifyWorkers {
		w := pipeline.NewNotificationWriter(pd.NotifyChan, notifications, pub, logging.Component(log, "notification_writer"))
		g.Go(func() error { w.Run(gctx); return nil })
	}
	rules := domain.AlertRules(cfg.SpeedAlertKph)
	for range cfg.AlertWorkers {
		e := pipeline.NewAlertEvaluator(pd.AlertChan, rules, dedup, pd, logging.Component(log, "alert_evaluator"))
		g.Go(func() error { e.Run(gctx); return nil })
	}

	// Upstream provider.
	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout()}
	manager := token.NewManager(
		tokens,
		token.NewRefresher(httpClient, cfg.UpstreamTokenURL, cfg.UpstreamClientID, cfg.UpstreamClientSecret, cfg.UpstreamRedirectURI),
		logging.Component(log, "token"),
	)
	client := upstream.NewClient(httpClient, cfg.UpstreamBaseURL, manager)

	// Auth.
	if cfg.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET not set, webhook accepts unauthenticated requests")
	}
	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET not set, user endpoints reject every token")
	}
	principals := auth.NewPrincipalAuthenticator(cfg.JWTSecret, time.Duration(cfg.PrincipalCacheTTLSeconds)*time.Second)
	defer principals.Close()
	apiKeys := auth.NewAPIKeyAuthenticator(cfg, keys)
	defer apiKeys.Close()

	live := ws.NewHandler(local, principals, fleet, cfg.SubscriberBuffer, cfg.WSReadPerSecond, logging.Component(log, "ws"))

	ready := map[string]transport.Check{"postgres": pg.Ping}
	if rs != nil {
		ready["redis"] = rs.Ping
	}

	srv := transport.NewServer(transport.Deps{
		Webhook:         auth.NewWebhookAuthenticator(cfg.WebhookSecret),
		Dispatcher:      telemetry.NewDispatcher(events, pub, pd, logging.Component(log, "webhook")),
		Events:          events,
		Notifications:   notifications,
		Queue:           pd,
		Publisher:       pub,
		Tokens:          manager,
		Upstream:        client,
		Live:            live,
		Auth:            transport.NewAuthMiddleware(apiKeys, principals),
		Gatherer:        reg,
		ReadyChecks:     ready,
		MaxWebhookBytes: cfg.MaxWebhookBytes,
	}, logging.Component(log, "http"))

	g.Go(func() error {
		if fanoutReady != nil {
			select {
			case <-fanoutReady:
			case <-gctx.Done():
				return nil
			}
		}
		return srv.Start(cfg.HTTPAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("fanout", cfg.FanoutMode).
		Int("state_writers", len(pd.LocationChans)).
		Msg("telemetry service started")

	return g.Wait()
}
