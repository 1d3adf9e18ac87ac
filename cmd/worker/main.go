package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agency-marketplace/backend/internal/config"
	"github.com/agency-marketplace/backend/internal/db"
	"github.com/agency-marketplace/backend/internal/events"
	"github.com/agency-marketplace/backend/internal/lock"
	"github.com/agency-marketplace/backend/internal/repositories"
	"github.com/agency-marketplace/backend/internal/services"
	"github.com/agency-marketplace/backend/internal/telemetry"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Worker issues due payouts, reopens payouts for approved jobs that lost
// theirs, and expires jobs nobody acted on.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.InitOTel(ctx, telemetry.OTelConfig{
		Enabled:     cfg.OTelEnabled,
		ServiceName: cfg.OTelServiceName + "-worker",
		Endpoint:    cfg.OTelEndpoint,
	}, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	jobRepo := repositories.NewJobRepo(pool)
	paymentRepo := repositories.NewPaymentRepo(pool)
	payoutRepo := repositories.NewPayoutRepo(pool)
	ledgerRepo := repositories.NewLedgerRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	agencyRepo := repositories.NewAgencyRepo(pool)

	// Services
	publisher := events.NewAsyncPublisher(events.NewRedisPublisher(rdb, log), 0, log)
	defer publisher.Close()
	marker := lock.NewRedisLocker(rdb, "worker:", time.Minute)
	processor := services.NewProcessorClient(cfg.ProcessorAPIURL, cfg.ProcessorAPIKey, log)
	engine := services.NewJobEngine(jobRepo, auditRepo, publisher, log)
	payoutService := services.NewPayoutService(jobRepo, payoutRepo, agencyRepo, auditRepo, processor, marker, publisher, services.PayoutConfig{
		MaxAttempts:    cfg.PayoutMaxAttempts,
		BackoffInitial: cfg.PayoutBackoffInitial,
		BackoffMax:     cfg.PayoutBackoffMax,
	}, log)
	jobService := services.NewJobService(engine, jobRepo, paymentRepo, payoutRepo, ledgerRepo, auditRepo, processor, payoutService, publisher,
		services.JobServiceConfig{PlatformFeeBPS: cfg.PlatformFeeBPS, DefaultCurrency: cfg.DefaultCurrency}, log)

	metrics := fiber.New(fiber.Config{DisableStartupMessage: true})
	metrics.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })
	metrics.Get("/metrics", adaptor.HTTPHandler(telemetry.Handler()))

	log.Info("worker started", zap.Duration("payout_poll", cfg.PayoutPollInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		every(gctx, cfg.PayoutPollInterval, func(ctx context.Context) {
			if n, err := payoutService.EnsureScheduled(ctx); err != nil {
				log.Error("failed to schedule payouts", zap.Error(err))
			} else if n > 0 {
				log.Info("payouts reopened", zap.Int("count", n))
			}
			if n, err := payoutService.ProcessDue(ctx); err != nil {
				log.Error("failed to process due payouts", zap.Error(err))
			} else if n > 0 {
				log.Info("payouts issued", zap.Int("count", n))
			}
		})
		return nil
	})
	g.Go(func() error {
		every(gctx, 2*time.Minute, func(ctx context.Context) {
			n, err := jobService.ExpireStale(ctx, cfg.JobPendingTimeout, cfg.JobUnfundedTimeout)
			if err != nil {
				log.Error("failed to expire stale jobs", zap.Error(err))
			}
			if n > 0 {
				log.Info("stale jobs expired", zap.Int("count", n))
			}
		})
		return nil
	})
	g.Go(func() error {
		return metrics.Listen(fmt.Sprintf(":%s", cfg.WorkerPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down worker")
		return metrics.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error("worker stopped", zap.Error(err))
	}
}

// every runs fn immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
