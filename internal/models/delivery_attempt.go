package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryAttempt is one HTTP POST try toward one subscriber for one event.
// Attempt numbers are 1-based and contiguous per (subscription, event) pair.
// The subscription/event references are weak: deactivating a subscription
// does not delete its delivery history.
type DeliveryAttempt struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SubscriptionID uuid.UUID      `gorm:"type:uuid;not null;index" json:"subscription_id"`
	EventID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"event_id"`
	Attempt        int            `gorm:"not null" json:"attempt"`
	Status         DeliveryStatus `gorm:"not null;default:'pending'" json:"status"`
	ResponseCode   *int           `gorm:"type:integer" json:"response_code"`
	ErrorSummary   *string        `json:"error_summary"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (DeliveryAttempt) TableName() string {
	return "webhook_deliveries"
}
