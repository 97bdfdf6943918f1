package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/api/dto"
	"github.com/spec-kit/ticket-automation/internal/inbox"
)

// InboundEmailHandler receives mail provider change notifications.
type InboundEmailHandler struct {
	queue  inbox.Queue
	logger *zap.Logger
}

// NewInboundEmailHandler constructs handler.
func NewInboundEmailHandler(queue inbox.Queue, logger *zap.Logger) *InboundEmailHandler {
	return &InboundEmailHandler{queue: queue, logger: logger.Named("inbound_webhook")}
}

// Handle serves GET and POST /api/webhooks/inbound-email. Subscription
// validation echoes the token; notifications are queued and acknowledged with
// 202 whatever happens to them later.
func (h *InboundEmailHandler) Handle(c *fiber.Ctx) error {
	if token := c.Query("validationToken"); token != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Status(http.StatusOK).SendString(token)
	}
	if c.Method() != fiber.MethodPost {
		return c.SendStatus(http.StatusAccepted)
	}

	var envelope dto.InboundEmailEnvelope
	if err := json.Unmarshal(c.Body(), &envelope); err != nil {
		h.logger.Warn("malformed inbound notification", zap.Error(err))
		return c.SendStatus(http.StatusAccepted)
	}
	batch := envelope.ToDomain()
	if len(batch) == 0 {
		return c.SendStatus(http.StatusAccepted)
	}
	if err := h.queue.Enqueue(c.UserContext(), batch); err != nil {
		h.logger.Error("enqueue inbound notifications", zap.Int("count", len(batch)), zap.Error(err))
	}
	return c.SendStatus(http.StatusAccepted)
}
