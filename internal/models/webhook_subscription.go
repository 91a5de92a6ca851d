package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookSubscription is a registered third-party endpoint for a store.
// The secret is generated once at registration and never re-exposed through
// the API; it is excluded from JSON serialization here and returned exactly
// once by the registration handler.
type WebhookSubscription struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StoreID   int64     `gorm:"not null;index" json:"store_id"`
	URL       string    `gorm:"not null" json:"url"`
	Secret    string    `gorm:"not null" json:"-"`
	Events    []string  `gorm:"serializer:json;not null" json:"events"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (WebhookSubscription) TableName() string {
	return "webhook_subscriptions"
}

// SubscribesTo reports whether the subscription covers the given event type.
func (s *WebhookSubscription) SubscribesTo(eventType EventType) bool {
	for _, e := range s.Events {
		if EventType(e) == eventType {
			return true
		}
	}
	return false
}
