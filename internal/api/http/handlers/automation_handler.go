package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-automation/internal/api/dto"
	"github.com/spec-kit/ticket-automation/internal/service"
	apperrors "github.com/spec-kit/ticket-automation/pkg/util/errorutil"
)

// BatchRunner runs one automation batch.
type BatchRunner interface {
	Run(ctx context.Context, req service.BatchRequest) (service.BatchSummary, error)
}

// AutomationHandler exposes the batch entry point.
type AutomationHandler struct {
	runner BatchRunner
}

// NewAutomationHandler constructs handler.
func NewAutomationHandler(runner BatchRunner) *AutomationHandler {
	return &AutomationHandler{runner: runner}
}

// Run handles POST /api/automation/run.
func (h *AutomationHandler) Run(c *fiber.Ctx) error {
	var req dto.AutomationRunRequest
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return apperrors.NewValidationError("invalid payload", map[string]any{"reason": err.Error()})
		}
	}

	summary, err := h.runner.Run(c.UserContext(), req.BatchRequest())
	if err != nil {
		details := map[string]any{"summary": summary, "reason": err.Error()}
		var batchErr *service.BatchError
		if errors.As(err, &batchErr) {
			details["components"] = batchErr.Components()
		}
		return apperrors.NewAutomationFailed(err, details)
	}
	return c.Status(http.StatusOK).JSON(dto.AutomationRunResponse{Success: true, Data: summary})
}
