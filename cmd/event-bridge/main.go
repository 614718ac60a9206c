package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/afikmenashe/alerting-engine/internal/bridge"
	"github.com/afikmenashe/alerting-engine/internal/config"
	"github.com/afikmenashe/alerting-engine/internal/queue"
	"github.com/afikmenashe/alerting-engine/internal/retry"
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

	slog.Info("Starting event bridge",
		"kafka_brokers", cfg.KafkaBrokers,
		"kafka_events_topic", cfg.KafkaEventsTopic,
		"kafka_group_id", cfg.KafkaGroupID,
		"redis_addr", cfg.RedisAddr,
		"queue", cfg.Processor.Queue,
	)

	if err := cfg.ValidateBridge(); err != nil {
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

	reader, err := bridge.NewReader(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.KafkaGroupID)
	if err != nil {
		slog.Error("Failed to create Kafka consumer", "error", err)
		slog.Info("Tip: Start Kafka with 'docker compose up -d kafka'")
		os.Exit(1)
	}

	collector := metrics.NewCollector("event-bridge", shared.InstanceID(), redisClient)
	collector.Start(ctx)
	defer collector.Stop()
	metrics.Serve(ctx, cfg.MetricsAddr)

	b := bridge.New(reader, queue.New(redisClient, cfg.Processor.Queue, queue.Options{}), retry.DefaultConfig())
	defer b.Close()
	b.SetMetrics(collector)

	if err := b.Run(ctx); err != nil {
		slog.Error("Event bridge failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Event bridge stopped")
}
