package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/retailhub/webhook-engine/internal/handlers"
	"github.com/retailhub/webhook-engine/internal/metrics"
	"github.com/retailhub/webhook-engine/internal/service"
)

// SetupRoutes wires the HTTP surface of the delivery engine.
func SetupRoutes(app *fiber.App, svc *service.Service) {
	healthHandler := handlers.NewHealthHandler(svc.DB, svc.RMQ)
	webhooksHandler := handlers.NewWebhooksHandler(svc.Registry, svc.Ledger, svc.Logger)
	eventsHandler := handlers.NewEventsHandler(svc.Dispatcher, svc.Orchestrator, svc.Logger)

	app.Get("/health", healthHandler.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	api := app.Group("/api/v1")
	{
		api.Post("/webhooks", webhooksHandler.Register)
		api.Get("/webhooks/:id", webhooksHandler.Get)
		api.Patch("/webhooks/:id", webhooksHandler.Update)
		api.Delete("/webhooks/:id", webhooksHandler.Deactivate)
		api.Get("/webhooks/:id/deliveries", webhooksHandler.ListDeliveries)

		api.Post("/events", eventsHandler.Trigger)
		api.Post("/deliveries/:id/retry", eventsHandler.RetryDelivery)
	}
}
