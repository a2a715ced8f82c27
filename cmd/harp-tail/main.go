package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/harplog/harp/internal/config"
	"github.com/harplog/harp/internal/db"
	"github.com/harplog/harp/internal/events"
	"go.uber.org/zap"
)

// harp-tail follows the batch events harpd publishes to Redis.
func main() {
	envFile := flag.String("c", "", "env file to load before reading the environment")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load(*envFile)
	if cfg.RedisURL == "" {
		log.Fatal("REDIS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	err = subscriber.Subscribe(ctx, cfg.EventsChannel, func(e events.Event) {
		fields := []zap.Field{
			zap.String("type", e.Type),
			zap.Time("occurred_at", e.OccurredAt),
			zap.Any("batch_id", e.Payload["batch_id"]),
			zap.Any("count", e.Payload["count"]),
			zap.Any("kinds", e.Payload["kinds"]),
		}
		if e.Type == events.EventActionsDiscarded {
			log.Warn("actions discarded", fields...)
			return
		}
		log.Info("batch committed", fields...)
	})
	if err != nil {
		log.Fatal("failed to subscribe", zap.String("channel", cfg.EventsChannel), zap.Error(err))
	}

	log.Info("tailing events", zap.String("channel", cfg.EventsChannel))
	<-ctx.Done()
}
