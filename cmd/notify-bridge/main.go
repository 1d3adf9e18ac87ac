package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agency-marketplace/backend/internal/config"
	"github.com/agency-marketplace/backend/internal/db"
	"github.com/agency-marketplace/backend/internal/events"
	"github.com/agency-marketplace/backend/internal/services"
	"go.uber.org/zap"
)

// Notify Bridge: subscribes to job events in Redis and forwards them to the
// notification service.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	notifier := services.NewNotifyClient(cfg.NotifyURL, log)

	err = subscriber.Subscribe(ctx, events.StreamJobs, func(event events.Event) {
		fctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := notifier.Forward(fctx, event); err != nil {
			log.Warn("failed to forward notification", zap.String("type", event.Type), zap.Error(err))
			return
		}
		log.Debug("notification forwarded", zap.String("type", event.Type))
	})
	if err != nil {
		log.Fatal("failed to subscribe", zap.String("stream", events.StreamJobs), zap.Error(err))
	}

	log.Info("notify-bridge started", zap.String("notify_url", cfg.NotifyURL))
	<-ctx.Done()
	log.Info("shutting down notify-bridge")
}
