package middleware

import (
	"fmt"

	"github.com/agency-marketplace/backend/internal/telemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a server span per request and hands its context to
// handlers through UserContext.
func TracingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, span := telemetry.Tracer.Start(c.UserContext(), fmt.Sprintf("%s %s", c.Method(), c.Path()))
		defer span.End()
		c.SetUserContext(ctx)

		err := c.Next()

		status := c.Response().StatusCode()
		span.SetAttributes(
			attribute.String("http.method", c.Method()),
			attribute.String("http.route", c.Route().Path),
			attribute.Int("http.status_code", status),
		)
		if reqID, ok := c.Locals(CtxRequestID).(string); ok {
			span.SetAttributes(attribute.String("request.id", reqID))
		}
		if status >= fiber.StatusInternalServerError || err != nil {
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
		}
		return err
	}
}
