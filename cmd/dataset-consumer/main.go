package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/listing-harvester/internal/config"
	"github.com/maltedev/listing-harvester/internal/events"
	"github.com/maltedev/listing-harvester/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)

	var handler events.Handler = events.HandlerFunc(func(_ context.Context, p events.DatasetReadyPayload) error {
		logger.Info("dataset ready",
			"run_id", p.RunID,
			"brand_model", p.BrandModel,
			"dataset_path", p.DatasetPath,
			"written", p.Written,
		)
		return nil
	})
	if url := os.Getenv("TRAINER_URL"); url != "" {
		handler = events.NewWebhook(url)
		logger.Info("forwarding datasets to trainer", "url", url)
	}

	consumer := events.NewConsumer(rdb, events.ConsumerConfig{
		Group:   getEnv("CONSUMER_GROUP", "dataset-consumer-group"),
		Name:    getEnv("CONSUMER_NAME", "consumer-1"),
		Handler: handler,
		Logger:  logger,
	})

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("consumer stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
