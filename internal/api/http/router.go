package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/ticket-automation/internal/api/http/handlers"
	"github.com/spec-kit/ticket-automation/internal/auth"
	"github.com/spec-kit/ticket-automation/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Automation     *handlers.AutomationHandler
	InboundEmail   *handlers.InboundEmailHandler
	AutomationAuth *auth.AutomationMiddleware
	Metrics        *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	api := app.Group("/api")
	api.Post("/automation/run", cfg.AutomationAuth.Handle, cfg.Automation.Run)

	api.Get("/webhooks/inbound-email", cfg.InboundEmail.Handle)
	api.Post("/webhooks/inbound-email", cfg.InboundEmail.Handle)
}
