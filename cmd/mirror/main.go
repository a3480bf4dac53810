package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coachpo/kurumirror/config"
	"github.com/coachpo/kurumirror/internal/engine"
	"github.com/coachpo/kurumirror/internal/feed"
	"github.com/coachpo/kurumirror/internal/observability"
	"github.com/coachpo/kurumirror/internal/persistence/migrations"
	"github.com/coachpo/kurumirror/internal/persistence/postgres"
	"github.com/coachpo/kurumirror/internal/venue"
	"github.com/coachpo/kurumirror/lib/telemetry"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}
	if cfg.Feed.WebsocketURL == "" {
		return errors.New("feed websocket url is required (set feed.websocketUrl or MIRROR_WS_URL)")
	}
	if len(cfg.Feed.Markets) == 0 {
		return errors.New("at least one market is required (set feed.markets or MIRROR_MARKETS)")
	}

	logger := observability.NewStdLogger(log.New(os.Stdout, "mirror ", log.LstdFlags|log.LUTC), cfg.Debug)
	observability.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", observability.F("cause", err.Error()))
		}
	}()
	observability.SetMetrics(telemetry.NewBridge(provider))

	exec, balances, err := buildVenueClients(cfg)
	if err != nil {
		return err
	}

	eng := engine.New(cfg, exec, balances)

	var store *postgres.Store
	if cfg.Postgres.DSN != "" {
		if err := migrations.Apply(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		store, err = postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()
		eng.WithRecorder(postgres.NewJournal(store))
		logger.Info("persistence enabled")
	}

	eng.Start(ctx)

	feedErrors := make(chan error, 16)
	client := feed.NewClient(ctx, cfg.Feed.WebsocketURL, cfg.Feed.Markets, cfg.Feed.HandshakeTimeout, eng.Handle, feedErrors)
	if err := client.Start(); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}
	logger.Info("feed connected",
		observability.F("url", cfg.Feed.WebsocketURL),
		observability.F("markets", cfg.Feed.Markets),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			client.Stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			eng.Shutdown(shutdownCtx)
			cancel()

			snap := eng.State()
			logger.Info("final state",
				observability.F("open_orders", len(snap.OpenOrders)),
				observability.F("positions", len(snap.Positions)),
				observability.F("dead_letters", snap.DeadLetters),
				observability.F("events_processed", snap.Stats.EventsProcessed),
			)
			return nil
		case err := <-feedErrors:
			logger.Warn("feed error", observability.F("cause", err.Error()))
		}
	}
}

func buildVenueClients(cfg config.Settings) (venue.ExecutionClient, venue.BalanceSource, error) {
	endpoint := os.Getenv("MIRROR_VENUE_URL")
	if endpoint == "" {
		return nil, nil, errors.New("MIRROR_VENUE_URL is required")
	}
	client, err := venue.NewHTTPClient(endpoint, cfg.Risk.CollateralAsset)
	if err != nil {
		return nil, nil, fmt.Errorf("build venue client: %w", err)
	}
	return client, client, nil
}
