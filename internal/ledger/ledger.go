// Package ledger is the durable record of webhook events and per-attempt
// delivery outcomes. It is the single source of truth for audit queries and
// manual retry; the orchestrator owns attempt numbering, the ledger only
// enforces that terminal statuses are never overwritten.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/retailhub/webhook-engine/internal/models"
)

// ErrNotFound means the referenced event, delivery, or related subscription
// no longer resolves.
var ErrNotFound = errors.New("delivery record not found")

type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// RecordEvent persists a domain event. Called exactly once per trigger,
// no matter how many subscribers match.
func (l *Ledger) RecordEvent(ctx context.Context, eventType models.EventType, payload []byte, storeID int64) (uuid.UUID, error) {
	event := models.WebhookEvent{
		ID:        uuid.New(),
		EventType: string(eventType),
		StoreID:   storeID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&event).Error; err != nil {
		return uuid.Nil, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return event.ID, nil
}

// GetEvent loads an event by id.
func (l *Ledger) GetEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

// StartAttempt inserts a pending delivery record. Attempt numbers are
// supplied by the caller in increasing order per (subscription, event).
func (l *Ledger) StartAttempt(ctx context.Context, subscriptionID, eventID uuid.UUID, attempt int) (uuid.UUID, error) {
	if attempt < 1 {
		return uuid.Nil, fmt.Errorf("attempt number must be >= 1, got %d", attempt)
	}
	now := time.Now().UTC()
	record := models.DeliveryAttempt{
		ID:             uuid.New(),
		SubscriptionID: subscriptionID,
		EventID:        eventID,
		Attempt:        attempt,
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		return uuid.Nil, fmt.Errorf("failed to start delivery attempt: %w", err)
	}
	return record.ID, nil
}

// MarkDelivered transitions a delivery to the terminal delivered state.
// Already-terminal records are left untouched (logged, not an error).
func (l *Ledger) MarkDelivered(ctx context.Context, deliveryID uuid.UUID, responseCode int, responseSummary string) error {
	return l.transition(ctx, deliveryID, models.StatusDelivered, &responseCode, &responseSummary)
}

// MarkOutcome records an intermediate (retrying) or terminal (failed)
// failure outcome. responseCode may be nil when no HTTP response was seen.
func (l *Ledger) MarkOutcome(ctx context.Context, deliveryID uuid.UUID, status models.DeliveryStatus, responseCode *int, errorSummary string) error {
	if status != models.StatusRetrying && status != models.StatusFailed {
		return fmt.Errorf("invalid outcome status %q", status)
	}
	return l.transition(ctx, deliveryID, status, responseCode, &errorSummary)
}

func (l *Ledger) transition(ctx context.Context, deliveryID uuid.UUID, next models.DeliveryStatus, responseCode *int, summary *string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.DeliveryAttempt
		if err := tx.Where("id = ?", deliveryID).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if record.Status.IsTerminal() {
			l.logger.Warn("Ignoring status transition on terminal delivery",
				zap.String("delivery_id", deliveryID.String()),
				zap.String("current_status", string(record.Status)),
				zap.String("requested_status", string(next)),
			)
			return nil
		}
		if !record.Status.CanTransitionTo(next) {
			return fmt.Errorf("illegal delivery status transition %s -> %s", record.Status, next)
		}

		updates := map[string]interface{}{
			"status":     next,
			"updated_at": time.Now().UTC(),
		}
		if responseCode != nil {
			updates["response_code"] = *responseCode
		}
		if summary != nil {
			updates["error_summary"] = *summary
		}
		return tx.Model(&models.DeliveryAttempt{}).
			Where("id = ?", deliveryID).
			Updates(updates).Error
	})
}

// DeliveryContext reconstructs everything manual retry needs: the owning
// subscription, the event, and the highest attempt number recorded so far
// for that (subscription, event) pair.
func (l *Ledger) DeliveryContext(ctx context.Context, deliveryID uuid.UUID) (*models.WebhookSubscription, *models.WebhookEvent, int, error) {
	var record models.DeliveryAttempt
	if err := l.db.WithContext(ctx).Where("id = ?", deliveryID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, 0, ErrNotFound
		}
		return nil, nil, 0, err
	}

	var sub models.WebhookSubscription
	if err := l.db.WithContext(ctx).Where("id = ?", record.SubscriptionID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, 0, ErrNotFound
		}
		return nil, nil, 0, err
	}

	var event models.WebhookEvent
	if err := l.db.WithContext(ctx).Where("id = ?", record.EventID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, 0, ErrNotFound
		}
		return nil, nil, 0, err
	}

	var lastAttempt int
	if err := l.db.WithContext(ctx).Model(&models.DeliveryAttempt{}).
		Where("subscription_id = ? AND event_id = ?", record.SubscriptionID, record.EventID).
		Select("COALESCE(MAX(attempt), 0)").
		Scan(&lastAttempt).Error; err != nil {
		return nil, nil, 0, err
	}

	return &sub, &event, lastAttempt, nil
}

// maxListLimit caps audit page sizes regardless of what the caller asks for.
const maxListLimit = 500

// ListForSubscription returns the most recent delivery attempts for a
// subscription, newest first.
func (l *Ledger) ListForSubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]models.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 25
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var attempts []models.DeliveryAttempt
	if err := l.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Order("attempt DESC").
		Limit(limit).
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

// ListForPair returns every attempt for one (subscription, event) chain in
// attempt order. Used by tests and the retry tooling.
func (l *Ledger) ListForPair(ctx context.Context, subscriptionID, eventID uuid.UUID) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	if err := l.db.WithContext(ctx).
		Where("subscription_id = ? AND event_id = ?", subscriptionID, eventID).
		Order("attempt ASC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}
