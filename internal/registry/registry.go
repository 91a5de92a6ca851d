// Package registry manages webhook subscriptions: creation with secret
// generation, updates, soft deletion, and the active-subscription lookups
// the dispatcher fans out over.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/retailhub/webhook-engine/internal/models"
)

var (
	// ErrDuplicateSubscription means an active subscription already exists
	// for the (store, url) pair.
	ErrDuplicateSubscription = errors.New("an active subscription already exists for this store and url")
	// ErrNotFound means the subscription does not exist or is inactive.
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalidURL means the target is not an absolute http(s) endpoint.
	ErrInvalidURL = errors.New("url must be an absolute http or https endpoint")
	// ErrNoEventTypes means registration carried an empty event type list.
	ErrNoEventTypes = errors.New("at least one event type is required")
	// ErrInvalidEventType wraps event type validation failures.
	ErrInvalidEventType = errors.New("invalid event type")
)

const secretBytes = 32

type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Registry {
	return &Registry{db: db, logger: logger}
}

// Patch carries the mutable subscription fields for Update. Nil fields are
// left unchanged. The secret is immutable and deliberately absent.
type Patch struct {
	URL    *string
	Events []string
}

// Register creates an active subscription for storeID with a freshly
// generated secret. The duplicate check and insert run in one transaction;
// the partial unique index on (store_id, url) backs it up against races.
func (r *Registry) Register(ctx context.Context, storeID int64, rawURL string, eventTypes []string) (*models.WebhookSubscription, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if err := validateEventTypes(eventTypes); err != nil {
		return nil, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	now := time.Now().UTC()
	sub := &models.WebhookSubscription{
		ID:        uuid.New(),
		StoreID:   storeID,
		URL:       rawURL,
		Secret:    secret,
		Events:    normalizeEventTypes(eventTypes),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.WebhookSubscription{}).
			Where("store_id = ? AND url = ? AND is_active = ?", storeID, rawURL, true).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateSubscription
		}
		return tx.Create(sub).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateSubscription
		}
		return nil, err
	}

	r.logger.Info("Webhook subscription registered",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int64("store_id", storeID),
		zap.String("url", rawURL),
		zap.Strings("events", sub.Events),
	)
	return sub, nil
}

// Update applies a patch to an active subscription. A URL change re-validates
// uniqueness against the other active subscriptions of the same store.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, patch Patch) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND is_active = ?", id, true).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if patch.URL != nil && *patch.URL != sub.URL {
			if err := validateURL(*patch.URL); err != nil {
				return err
			}
			var count int64
			if err := tx.Model(&models.WebhookSubscription{}).
				Where("store_id = ? AND url = ? AND is_active = ? AND id <> ?", sub.StoreID, *patch.URL, true, id).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicateSubscription
			}
			sub.URL = *patch.URL
		}

		if patch.Events != nil {
			if err := validateEventTypes(patch.Events); err != nil {
				return err
			}
			sub.Events = normalizeEventTypes(patch.Events)
		}

		sub.UpdatedAt = time.Now().UTC()
		return tx.Save(&sub).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateSubscription
		}
		return nil, err
	}

	return &sub, nil
}

// Deactivate soft-deletes a subscription. Idempotent: the first call returns
// true, a repeat call (or an unknown id) returns false without error.
func (r *Registry) Deactivate(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		r.logger.Info("Webhook subscription deactivated",
			zap.String("subscription_id", id.String()),
		)
	}
	return res.RowsAffected > 0, nil
}

// Get loads a subscription by id regardless of active flag. Delivery history
// references deactivated subscriptions, so lookups must still resolve them.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// ListActiveForEvent returns the active subscriptions of a store that cover
// eventType. Order is unspecified; fan-out does not depend on it. The event
// list is a JSON column, so membership is checked in Go after narrowing the
// candidate set by store and active flag.
func (r *Registry) ListActiveForEvent(ctx context.Context, storeID int64, eventType models.EventType) ([]models.WebhookSubscription, error) {
	var candidates []models.WebhookSubscription
	if err := r.db.WithContext(ctx).
		Where("store_id = ? AND is_active = ?", storeID, true).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	matched := candidates[:0]
	for _, sub := range candidates {
		if sub.SubscribesTo(eventType) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

func validateEventTypes(eventTypes []string) error {
	if len(eventTypes) == 0 {
		return ErrNoEventTypes
	}
	for _, et := range eventTypes {
		if _, err := models.ParseEventType(et); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEventType, err)
		}
	}
	return nil
}

func normalizeEventTypes(eventTypes []string) []string {
	out := make([]string, 0, len(eventTypes))
	seen := make(map[string]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		parsed, err := models.ParseEventType(et)
		if err != nil {
			continue // validated upstream
		}
		if _, ok := seen[string(parsed)]; ok {
			continue
		}
		seen[string(parsed)] = struct{}{}
		out = append(out, string(parsed))
	}
	return out
}

func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
