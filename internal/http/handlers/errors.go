package handlers

import (
	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/agency-marketplace/backend/internal/http/dto"
	"github.com/agency-marketplace/backend/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// respondError maps a service error onto the error envelope. Internal errors
// are logged and hidden from the caller.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	status := apperr.HTTPStatus(err)
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)

	msg := err.Error()
	if !apperr.Public(err) {
		log.Error("request failed",
			zap.String("request_id", reqID),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		msg = "internal error"
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: msg, RequestID: reqID})
}

func badRequest(c *fiber.Ctx, msg string) error {
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg, RequestID: reqID})
}
