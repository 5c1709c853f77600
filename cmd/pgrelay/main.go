// pgrelay listener daemon
//
// Runs one transactional outbox or inbox listener against a PostgreSQL
// message table, in logical-replication or polling mode, with an ops HTTP
// endpoint for health and metrics.
//
// The daemon ships with a catch-all handler that logs every message and
// completes it; real deployments embed the listener packages and register
// typed handlers instead.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.pgrelay.tech/internal/cleanup"
	"go.pgrelay.tech/internal/common/health"
	"go.pgrelay.tech/internal/common/leader"
	"go.pgrelay.tech/internal/common/lifecycle"
	"go.pgrelay.tech/internal/config"
	"go.pgrelay.tech/internal/listener"
	"go.pgrelay.tech/internal/message"
	"go.pgrelay.tech/internal/polling"
	"go.pgrelay.tech/internal/replication"
	"go.pgrelay.tech/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	logLevel := slog.LevelInfo
	if os.Getenv("PGRELAY_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting pgrelay listener",
		"version", version,
		"build_time", buildTime)

	ctx := context.Background()

	// Connect infrastructure (config, PostgreSQL, optional Redis)
	app, cleanupFn, err := lifecycle.Initialize(ctx)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanupFn()
	cfg := app.Config

	slog.Info("Listener configured",
		"kind", cfg.Kind,
		"mode", cfg.Mode,
		"table", cfg.DB.Schema+"."+cfg.DB.Table)

	// Processing pipeline
	msgStore := store.New(cfg.DB.Schema, cfg.DB.Table)
	runner := listener.NewTxRunner(app.Pool)
	strategies := listener.DefaultStrategies(cfg.Listener, cfg.Replication, cfg.Polling)

	registry, err := listener.NewCatchAllRegistry(logAndComplete(cfg.Kind), nil)
	if err != nil {
		slog.Error("Failed to build handler registry", "error", err)
		os.Exit(1)
	}

	// Leader election (optional)
	var isLeader func() bool
	var services []lifecycle.Service

	if cfg.Leader.Enabled {
		electorCfg := leader.DefaultRedisElectorConfig(cfg.Leader.LockName)
		electorCfg.TTL = cfg.Leader.TTL
		electorCfg.RefreshInterval = cfg.Leader.RefreshInterval

		elector := leader.NewRedisLeaderElector(app.Redis, electorCfg)
		isLeader = elector.IsPrimary

		services = append(services, lifecycle.NewServiceFunc("leader-election",
			func(ctx context.Context) error {
				if err := elector.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			},
			func(ctx context.Context) error {
				elector.Stop()
				return nil
			}))
	}

	// Message source
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.PostgresCheck(app.Pool.Ping))
	if app.Redis != nil {
		healthChecker.AddReadinessCheck(health.RedisCheck(func(ctx context.Context) error {
			return app.Redis.Ping(ctx).Err()
		}))
	}

	switch cfg.Mode {
	case config.ModeReplication:
		// The replication source replays unacknowledged messages on every
		// resubscribe, so the crash-detection bump is always on.
		processor := listener.NewProcessor(cfg.Kind, msgStore, app.Pool, runner, registry, strategies, true)

		if err := replication.EnsureSlot(ctx, cfg.DB.URL, cfg.Replication.Slot); err != nil {
			slog.Error("Failed to ensure replication slot", "error", err)
			os.Exit(1)
		}

		controller := listener.NewConcurrencyAttributeController()
		repl := replication.New(cfg, processor, controller, strategies.RestartDelay, isLeader)
		services = append(services, repl)
		healthChecker.AddReadinessCheck(health.ServiceCheck(repl.Name(), repl.Health))

	case config.ModePolling:
		processor := listener.NewProcessor(cfg.Kind, msgStore, app.Pool, runner, registry, strategies,
			cfg.Listener.EnablePoisonousMessageProtection)

		controller := listener.NewBoundedController(int64(cfg.Polling.BatchSize))
		poller := polling.New(cfg, app.Pool, processor, controller, strategies.BatchSize, isLeader)
		services = append(services, poller)
		healthChecker.AddReadinessCheck(health.ServiceCheck(poller.Name(), poller.Health))
	}

	// Cleanup scheduler
	cleaner := cleanup.New(cfg, app.Pool, isLeader)
	if cleaner.Enabled() {
		services = append(services, cleaner)
	}

	// Ops HTTP endpoint
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthChecker.HandleHealth)
	r.Get("/health/live", healthChecker.HandleLive)
	r.Get("/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"kind":"%s","mode":"%s","table":"%s.%s","version":"%s"}`,
			cfg.Kind, cfg.Mode, cfg.DB.Schema, cfg.DB.Table, version)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	services = append(services, lifecycle.NewHTTPService("ops-http", server))

	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Listener terminated with error", "error", err)
		os.Exit(1)
	}

	slog.Info("pgrelay listener stopped")
}

// logAndComplete is the default catch-all handler: log the message and let
// the processor mark it completed.
func logAndComplete(kind message.ListenerKind) listener.HandleFunc {
	return func(ctx context.Context, msg *message.Message, tx store.DBTX) error {
		slog.Info("Received message",
			"kind", kind,
			"messageId", msg.ID,
			"aggregateType", msg.AggregateType,
			"messageType", msg.MessageType,
			"aggregateId", msg.AggregateID)
		return nil
	}
}
