package models

import (
	"fmt"
	"strings"
)

// EventType identifies a domain event. The set is open: the constants below
// cover the events the retail backend emits today, but any non-empty
// "<domain>.<action>" string is accepted so new event types do not require
// a deploy of this service.
type EventType string

const (
	InventoryLowStock   EventType = "inventory.low_stock"
	InventoryUpdated    EventType = "inventory.updated"
	ProductCreated      EventType = "product.created"
	ProductUpdated      EventType = "product.updated"
	LoyaltyPointsEarned EventType = "loyalty.points_earned"
	PaymentCompleted    EventType = "payment.completed"
	PaymentFailed       EventType = "payment.failed"
	AffiliateSaleMade   EventType = "affiliate.sale_made"
)

// ParseEventType normalizes and validates an event type string.
func ParseEventType(name string) (EventType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("event type cannot be empty")
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return "", fmt.Errorf("invalid event type %q: expected <domain>.<action>", name)
	}
	return EventType(name), nil
}
