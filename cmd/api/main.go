package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/archive"
	"github.com/agency-marketplace/backend/internal/config"
	"github.com/agency-marketplace/backend/internal/db"
	"github.com/agency-marketplace/backend/internal/events"
	apphttp "github.com/agency-marketplace/backend/internal/http"
	"github.com/agency-marketplace/backend/internal/http/handlers"
	"github.com/agency-marketplace/backend/internal/lock"
	"github.com/agency-marketplace/backend/internal/repositories"
	"github.com/agency-marketplace/backend/internal/services"
	"github.com/agency-marketplace/backend/internal/telemetry"
	"github.com/agency-marketplace/backend/internal/webhook"
	"github.com/agency-marketplace/backend/migrations"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.InitOTel(ctx, telemetry.OTelConfig{
		Enabled:     cfg.OTelEnabled,
		ServiceName: cfg.OTelServiceName,
		Endpoint:    cfg.OTelEndpoint,
	}, log)

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	jobRepo := repositories.NewJobRepo(pool)
	paymentRepo := repositories.NewPaymentRepo(pool)
	payoutRepo := repositories.NewPayoutRepo(pool)
	ledgerRepo := repositories.NewLedgerRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	agencyRepo := repositories.NewAgencyRepo(pool)

	// Events
	publisher := events.NewAsyncPublisher(events.NewRedisPublisher(rdb, log), 0, log)
	defer publisher.Close()
	subscriber := events.NewRedisSubscriber(rdb, log)

	archiver, err := archive.New(ctx, archive.S3Config{
		Bucket:    cfg.ArchiveS3Bucket,
		Region:    cfg.ArchiveS3Region,
		Endpoint:  cfg.ArchiveS3Endpoint,
		PathStyle: cfg.ArchiveS3PathStyle,
	})
	if err != nil {
		log.Fatal("failed to init webhook archive", zap.Error(err))
	}

	// Services
	locker := lock.NewRedisLocker(rdb, "webhook:lock:", 30*time.Second)
	processor := services.NewProcessorClient(cfg.ProcessorAPIURL, cfg.ProcessorAPIKey, log)
	engine := services.NewJobEngine(jobRepo, auditRepo, publisher, log)
	payoutService := services.NewPayoutService(jobRepo, payoutRepo, agencyRepo, auditRepo, processor, locker, publisher, services.PayoutConfig{
		MaxAttempts:    cfg.PayoutMaxAttempts,
		BackoffInitial: cfg.PayoutBackoffInitial,
		BackoffMax:     cfg.PayoutBackoffMax,
	}, log)
	jobService := services.NewJobService(engine, jobRepo, paymentRepo, payoutRepo, ledgerRepo, auditRepo, processor, payoutService, publisher,
		services.JobServiceConfig{PlatformFeeBPS: cfg.PlatformFeeBPS, DefaultCurrency: cfg.DefaultCurrency}, log)
	webhookService := services.NewWebhookService(
		webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance),
		engine, jobRepo, paymentRepo, payoutRepo, ledgerRepo, agencyRepo, processor, locker, archiver, publisher, log,
	)

	// Handlers
	jobHandler := handlers.NewJobHandler(jobService, log)
	webhookHandler := handlers.NewWebhookHandler(webhookService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			} else if apperr.Public(err) {
				code = apperr.HTTPStatus(err)
			}
			msg := err.Error()
			if code >= fiber.StatusInternalServerError {
				msg = "internal error"
			}
			return c.Status(code).JSON(fiber.Map{"error": msg})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, jobHandler, webhookHandler, wsHub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := wsHub.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%s", cfg.APIPort)
		log.Info("starting API server", zap.String("addr", addr))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
	}
}
