package http

import (
	"time"

	"github.com/agency-marketplace/backend/internal/config"
	"github.com/agency-marketplace/backend/internal/http/handlers"
	"github.com/agency-marketplace/backend/internal/middleware"
	"github.com/agency-marketplace/backend/internal/rbac"
	"github.com/agency-marketplace/backend/internal/telemetry"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	jobHandler *handlers.JobHandler,
	webhookHandler *handlers.WebhookHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(telemetry.Handler()))

	// Processor webhooks: authenticated by signature, never rate limited
	app.Post("/webhooks/payments", webhookHandler.HandlePayments)

	api := app.Group("/api/v1")

	// Meta (public, no auth required)
	metaHandler := handlers.NewMetaHandler(cfg.PlatformFeeBPS, cfg.DefaultCurrency)
	api.Get("/meta/job-states", metaHandler.GetJobStates)
	api.Get("/meta/pricing", metaHandler.GetPricing)

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))
	protected.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute, log))

	business := middleware.RequireRole(rbac.RoleBusiness)
	agency := middleware.RequireRole(rbac.RoleAgency)

	// Jobs
	protected.Post("/jobs", business, jobHandler.CreateJob)
	protected.Get("/jobs", jobHandler.ListJobs)
	protected.Get("/jobs/:id", jobHandler.GetJob)
	protected.Get("/jobs/:id/payments", jobHandler.ListPayments)
	protected.Get("/jobs/:id/payouts", jobHandler.ListPayouts)
	protected.Get("/jobs/:id/events", jobHandler.GetJobEvents)

	// Agency commands
	protected.Post("/jobs/:id/accept", agency, jobHandler.Accept)
	protected.Post("/jobs/:id/decline", agency, jobHandler.Decline)
	protected.Post("/jobs/:id/start", agency, jobHandler.StartWork)
	protected.Post("/jobs/:id/submit", agency, jobHandler.Submit)
	protected.Post("/jobs/:id/resubmit", agency, jobHandler.Resubmit)

	// Business commands
	protected.Post("/jobs/:id/approve", business, jobHandler.Approve)
	protected.Post("/jobs/:id/request-revision", business, jobHandler.RequestRevision)
	protected.Post("/jobs/:id/cancel", business, jobHandler.Cancel)
	protected.Post("/jobs/:id/funding", business, jobHandler.InitiateFunding)
	protected.Post("/jobs/:id/refund", business, jobHandler.RequestRefund)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
