package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/afikmenashe/alerting-engine/internal/config"
	"github.com/afikmenashe/alerting-engine/internal/directory"
	"github.com/afikmenashe/alerting-engine/internal/lock"
	"github.com/afikmenashe/alerting-engine/internal/store"
	"github.com/afikmenashe/alerting-engine/pkg/metrics"
	"github.com/afikmenashe/alerting-engine/pkg/shared"
)

func main() {
	once := flag.Bool("once", false, "Synchronise once and exit")
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	shared.SetupLogging(cfg.LogLevel)

	slog.Info("Starting directory sync",
		"redis_addr", cfg.RedisAddr,
		"postgres_dsn", shared.MaskDSN(cfg.PostgresDSN),
		"sync_interval", cfg.SyncInterval,
		"once", *once,
	)

	if err := cfg.ValidateDirectory(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	slog.Info("Connecting to PostgreSQL database")
	db, err := directory.NewDB(cfg.PostgresDSN)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		slog.Info("Tip: Start Postgres with 'docker compose up -d postgres' or ensure Postgres is running")
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Connecting to Redis", "addr", cfg.RedisAddr)
	redisClient, err := shared.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		slog.Info("Tip: Start Redis with 'docker compose up -d redis' or ensure Redis is running")
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("Successfully connected to Redis")

	applier := directory.NewApplier(store.New(redisClient), lock.NewManager(redisClient, cfg.LockTTL, cfg.LockWait))
	syncer := directory.NewSyncer(db, applier, cfg.SyncInterval)

	if *once {
		if _, err := syncer.SyncOnce(ctx); err != nil {
			slog.Error("Directory sync failed", "error", err)
			os.Exit(1)
		}
		return
	}

	collector := metrics.NewCollector("directory-sync", shared.InstanceID(), redisClient)
	collector.Start(ctx)
	defer collector.Stop()
	metrics.Serve(ctx, cfg.MetricsAddr)
	syncer.SetMetrics(collector)

	if err := syncer.Run(ctx); err != nil {
		slog.Error("Directory sync failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Directory sync stopped")
}
