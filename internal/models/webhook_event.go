package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is a single occurrence of a domain event, recorded exactly
// once per trigger regardless of how many subscribers match. Immutable.
type WebhookEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventType string    `gorm:"not null;index" json:"event_type"`
	StoreID   int64     `gorm:"not null;index" json:"store_id"`
	Payload   []byte    `gorm:"type:jsonb" json:"payload"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
