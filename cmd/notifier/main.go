package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/afikmenashe/alerting-engine/internal/config"
	"github.com/afikmenashe/alerting-engine/internal/lock"
	"github.com/afikmenashe/alerting-engine/internal/notifier"
	"github.com/afikmenashe/alerting-engine/internal/store"
	"github.com/afikmenashe/alerting-engine/pkg/metrics"
	"github.com/afikmenashe/alerting-engine/pkg/shared"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	shared.SetupLogging(cfg.LogLevel)

	slog.Info("Starting notifier",
		"redis_addr", cfg.RedisAddr,
		"queue", cfg.Notifier.Queue,
		"transport_queues", cfg.Notifier.TransportQueues,
		"default_contact_timezone", cfg.Notifier.DefaultContactTimezone,
	)

	if err := cfg.ValidateNotifier(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	location, err := cfg.ContactLocation()
	if err != nil {
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

	slog.Info("Connecting to Redis", "addr", cfg.RedisAddr)
	redisClient, err := shared.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		slog.Info("Tip: Start Redis with 'docker compose up -d redis' or ensure Redis is running")
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("Successfully connected to Redis")

	collector := metrics.NewCollector("notifier", shared.InstanceID(), redisClient)
	collector.Start(ctx)
	defer collector.Stop()
	metrics.Serve(ctx, cfg.MetricsAddr)

	n := notifier.New(store.New(redisClient), lock.NewManager(redisClient, cfg.LockTTL, cfg.LockWait), notifier.Config{
		Queue:            cfg.Notifier.Queue,
		TransportQueues:  cfg.Notifier.TransportQueues,
		DefaultTimezone:  location,
		ExitOnQueueEmpty: cfg.Notifier.ExitOnQueueEmpty,
		WaitTimeout:      cfg.QueueWaitTimeout,
	})
	n.SetMetrics(collector)

	if err := n.Run(ctx); err != nil {
		slog.Error("Notification processing failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Notifier stopped")
}
