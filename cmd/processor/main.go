package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/config"
	"github.com/afikmenashe/alerting-engine/internal/lock"
	"github.com/afikmenashe/alerting-engine/internal/processor"
	"github.com/afikmenashe/alerting-engine/internal/stats"
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

	slog.Info("Starting event processor",
		"redis_addr", cfg.RedisAddr,
		"queue", cfg.Processor.Queue,
		"notifier_queue", cfg.Processor.NotifierQueue,
		"initial_failure_delay", cfg.Processor.InitialFailureDelay,
		"repeat_failure_delay", cfg.Processor.RepeatFailureDelay,
		"archive_events", cfg.Processor.ArchiveEvents,
	)

	if err := cfg.ValidateProcessor(); err != nil {
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

	instanceID := shared.InstanceID()
	counters := stats.New(redisClient, instanceID)
	if err := counters.Start(ctx, time.Now()); err != nil {
		slog.Error("Failed to create statistics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := counters.Stop(context.Background()); err != nil {
			slog.Error("Failed to remove statistics", "error", err)
		}
	}()

	collector := metrics.NewCollector("processor", instanceID, redisClient)
	collector.Start(ctx)
	defer collector.Stop()
	metrics.Serve(ctx, cfg.MetricsAddr)

	proc := processor.New(store.New(redisClient), lock.NewManager(redisClient, cfg.LockTTL, cfg.LockWait), counters,
		processor.Config{
			Queue:                         cfg.Processor.Queue,
			NotifierQueue:                 cfg.Processor.NotifierQueue,
			InitialFailureDelay:           cfg.Processor.InitialFailureDelay,
			RepeatFailureDelay:            cfg.Processor.RepeatFailureDelay,
			NewCheckMaintenanceDuration:   cfg.Processor.NewCheckScheduledMaintenanceDuration,
			NewCheckMaintenanceIgnoreTags: cfg.Processor.NewCheckScheduledMaintenanceIgnoreTags,
			AcknowledgementDuration:       cfg.Processor.AcknowledgementDuration,
			ArchiveEvents:                 cfg.Processor.ArchiveEvents,
			EventsArchiveMaxAge:           cfg.Processor.EventsArchiveMaxAge,
			ExitOnQueueEmpty:              cfg.Processor.ExitOnQueueEmpty,
			WaitTimeout:                   cfg.QueueWaitTimeout,
		})
	proc.SetMetrics(collector)

	if err := proc.Run(ctx); err != nil {
		slog.Error("Event processing failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Event processor stopped")
}
