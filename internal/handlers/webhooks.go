package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retailhub/webhook-engine/internal/ledger"
	"github.com/retailhub/webhook-engine/internal/models"
	"github.com/retailhub/webhook-engine/internal/registry"
)

// WebhooksHandler exposes subscription management and the delivery audit
// query.
type WebhooksHandler struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Logger   *zap.Logger
}

func NewWebhooksHandler(reg *registry.Registry, led *ledger.Ledger, logger *zap.Logger) *WebhooksHandler {
	return &WebhooksHandler{Registry: reg, Ledger: led, Logger: logger}
}

type registerRequest struct {
	StoreID int64    `json:"store_id"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
}

type updateRequest struct {
	URL    *string  `json:"url"`
	Events []string `json:"events"`
}

// subscriptionDTO mirrors the model without the secret.
type subscriptionDTO struct {
	ID        string   `json:"id"`
	StoreID   int64    `json:"store_id"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	IsActive  bool     `json:"is_active"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

func toDTO(sub *models.WebhookSubscription) subscriptionDTO {
	return subscriptionDTO{
		ID:        sub.ID.String(),
		StoreID:   sub.StoreID,
		URL:       sub.URL,
		Events:    sub.Events,
		IsActive:  sub.IsActive,
		CreatedAt: sub.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: sub.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Register handles POST /api/v1/webhooks. The signing secret is included in
// this response only; it is never re-exposed afterwards.
func (h *WebhooksHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.StoreID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "store_id is required"})
	}

	sub, err := h.Registry.Register(c.Context(), req.StoreID, req.URL, req.Events)
	if err != nil {
		return h.mapRegistryError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"subscription": toDTO(sub),
		"secret":       sub.Secret,
	})
}

// Get handles GET /api/v1/webhooks/:id.
func (h *WebhooksHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid subscription id"})
	}
	sub, err := h.Registry.Get(c.Context(), id)
	if err != nil {
		return h.mapRegistryError(c, err)
	}
	return c.JSON(toDTO(sub))
}

// Update handles PATCH /api/v1/webhooks/:id.
func (h *WebhooksHandler) Update(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid subscription id"})
	}
	var req updateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	sub, err := h.Registry.Update(c.Context(), id, registry.Patch{URL: req.URL, Events: req.Events})
	if err != nil {
		return h.mapRegistryError(c, err)
	}
	return c.JSON(toDTO(sub))
}

// Deactivate handles DELETE /api/v1/webhooks/:id. Idempotent soft delete.
func (h *WebhooksHandler) Deactivate(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid subscription id"})
	}
	deactivated, err := h.Registry.Deactivate(c.Context(), id)
	if err != nil {
		h.Logger.Error("Failed to deactivate subscription",
			zap.String("subscription_id", id.String()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to deactivate subscription"})
	}
	return c.JSON(fiber.Map{"deactivated": deactivated})
}

// ListDeliveries handles GET /api/v1/webhooks/:id/deliveries, most recent
// first.
func (h *WebhooksHandler) ListDeliveries(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid subscription id"})
	}

	limit := 25
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a positive integer"})
		}
		limit = parsed
	}

	attempts, err := h.Ledger.ListForSubscription(c.Context(), id, limit)
	if err != nil {
		h.Logger.Error("Failed to list deliveries",
			zap.String("subscription_id", id.String()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list deliveries"})
	}
	return c.JSON(fiber.Map{"deliveries": attempts})
}

func (h *WebhooksHandler) mapRegistryError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, registry.ErrDuplicateSubscription):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, registry.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, registry.ErrInvalidURL),
		errors.Is(err, registry.ErrNoEventTypes),
		errors.Is(err, registry.ErrInvalidEventType):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	h.Logger.Error("Registry operation failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
