package handlers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retailhub/webhook-engine/internal/delivery"
	"github.com/retailhub/webhook-engine/internal/dispatcher"
	"github.com/retailhub/webhook-engine/internal/ledger"
	"github.com/retailhub/webhook-engine/internal/models"
)

// EventsHandler exposes the trigger and manual-retry entry points.
type EventsHandler struct {
	Dispatcher   *dispatcher.Dispatcher
	Orchestrator *delivery.Orchestrator
	Logger       *zap.Logger
}

func NewEventsHandler(disp *dispatcher.Dispatcher, orch *delivery.Orchestrator, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{Dispatcher: disp, Orchestrator: orch, Logger: logger}
}

type triggerRequest struct {
	EventType string          `json:"event_type"`
	StoreID   int64           `json:"store_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Trigger handles POST /api/v1/events. Fire-and-forget from the caller's
// perspective: the response acknowledges that the event was recorded, not
// that any delivery succeeded.
func (h *EventsHandler) Trigger(c *fiber.Ctx) error {
	var req triggerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.StoreID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "store_id is required"})
	}
	if _, err := models.ParseEventType(req.EventType); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	eventID, err := h.Dispatcher.TriggerEvent(c.Context(), req.EventType, req.Payload, req.StoreID)
	if err != nil {
		if errors.Is(err, dispatcher.ErrNotStarted) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "delivery engine is not running"})
		}
		h.Logger.Error("Failed to trigger event",
			zap.String("event_type", req.EventType),
			zap.Int64("store_id", req.StoreID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to record event"})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"event_id": eventID.String()})
}

// RetryDelivery handles POST /api/v1/deliveries/:id/retry.
func (h *EventsHandler) RetryDelivery(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid delivery id"})
	}

	delivered, err := h.Orchestrator.RetryDelivery(c.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "delivery not found"})
		}
		h.Logger.Error("Manual retry failed",
			zap.String("delivery_id", id.String()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "retry failed"})
	}
	return c.JSON(fiber.Map{"delivered": delivered})
}
