// migrate applies the telemetry schema with goose.
//
//	migrate [--dsn URL] [up|down|status|version]
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/logging"
	"fleet-monitor/telemetry/internal/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.Load()

	var (
		dsn     string
		timeout time.Duration
	)
	flagSet := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flagSet.StringVar(&dsn, "dsn", cfg.DatabaseURL(), "postgres connection URL")
	flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	command := "up"
	if args := flagSet.Args(); len(args) > 0 {
		command = args[0]
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping db: %w", err)
	}

	if err := migrations.Run(ctx, db, command, flagSet.Args()[min(1, len(flagSet.Args())):]...); err != nil {
		return err
	}
	log.Info().Str("command", command).Msg("migrations done")
	return nil
}
