package handlers

import (
	"github.com/agency-marketplace/backend/internal/http/dto"
	"github.com/agency-marketplace/backend/internal/services"
	"github.com/agency-marketplace/backend/internal/webhook"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type WebhookHandler struct {
	webhookService *services.WebhookService
	log            *zap.Logger
}

func NewWebhookHandler(webhookService *services.WebhookService, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService, log: log}
}

// HandlePayments is the processor's delivery endpoint. 2xx acknowledges,
// 4xx rejects for good, 409 and 5xx make the processor redeliver.
func (h *WebhookHandler) HandlePayments(c *fiber.Ctx) error {
	// Body() is only valid for the handler's lifetime and is signed byte for byte.
	payload := append([]byte(nil), c.Body()...)

	res, err := h.webhookService.Handle(c.UserContext(), payload, c.Get(webhook.SignatureHeader))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.WebhookAck{Received: true, EventID: res.EventID, Outcome: string(res.Outcome)})
}
