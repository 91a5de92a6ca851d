// Package delivery runs the retry loop for a single (subscription, event)
// pair: sign, send, record the outcome, back off, and terminate in a
// terminal state. Attempts within one pair are strictly sequential; the
// dispatcher provides concurrency across pairs.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retailhub/webhook-engine/internal/ledger"
	"github.com/retailhub/webhook-engine/internal/metrics"
	"github.com/retailhub/webhook-engine/internal/models"
	"github.com/retailhub/webhook-engine/internal/signature"
)

// MaxRetryAttempts caps the attempts per delivery run. A run that exhausts
// the budget ends in terminal failed; manual retry starts a fresh run that
// continues the attempt numbering.
const MaxRetryAttempts = 3

// Outcome summarizes one delivery run.
type Outcome struct {
	Status         models.DeliveryStatus
	Attempts       int
	LastDeliveryID uuid.UUID
}

// Delivered reports whether the run ended with a subscriber 2xx.
func (o Outcome) Delivered() bool {
	return o.Status == models.StatusDelivered
}

type Orchestrator struct {
	ledger     *ledger.Ledger
	sender     *Sender
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewOrchestrator(led *ledger.Ledger, sender *Sender, retryDelay time.Duration, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:     led,
		sender:     sender,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Deliver runs attempts 1..MaxRetryAttempts for a fresh (subscription, event)
// pair. Transient failures are contained here; the returned Outcome is
// informational and never an error the trigger path must handle.
func (o *Orchestrator) Deliver(ctx context.Context, sub *models.WebhookSubscription, event *models.WebhookEvent) Outcome {
	return o.run(ctx, sub, event, 1)
}

// RetryDelivery re-runs delivery for the chain that deliveryID belongs to,
// continuing the attempt numbering from the last recorded attempt. Returns
// ledger.ErrNotFound when the delivery, its subscription, or its event no
// longer resolve; otherwise reports whether the retry run ended delivered.
func (o *Orchestrator) RetryDelivery(ctx context.Context, deliveryID uuid.UUID) (bool, error) {
	sub, event, lastAttempt, err := o.ledger.DeliveryContext(ctx, deliveryID)
	if err != nil {
		return false, err
	}

	o.logger.Info("Manual retry requested",
		zap.String("delivery_id", deliveryID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("event_id", event.ID.String()),
		zap.Int("last_attempt", lastAttempt),
	)

	out := o.run(ctx, sub, event, lastAttempt+1)
	return out.Delivered(), nil
}

func (o *Orchestrator) run(ctx context.Context, sub *models.WebhookSubscription, event *models.WebhookEvent, firstAttempt int) Outcome {
	out := Outcome{Status: models.StatusPending}

	for i := 0; i < MaxRetryAttempts; i++ {
		attempt := firstAttempt + i
		final := i == MaxRetryAttempts-1

		deliveryID, err := o.ledger.StartAttempt(ctx, sub.ID, event.ID, attempt)
		if err != nil {
			// The delivery is now in an indeterminate state; surface loudly
			// and abandon the run rather than crash the worker.
			o.logger.Error("Failed to record delivery attempt",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("event_id", event.ID.String()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return out
		}
		out.LastDeliveryID = deliveryID
		out.Attempts++

		sig, err := signature.Sign(event.Payload, sub.Secret)
		if err != nil {
			// Misconfigured subscription: terminal, never retried.
			summary := fmt.Sprintf("configuration error: %v", err)
			o.record(ctx, deliveryID, models.StatusFailed, nil, summary)
			out.Status = models.StatusFailed
			o.logger.Error("Webhook delivery failed on configuration",
				zap.String("delivery_id", deliveryID.String()),
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
			metrics.DeliveryAttempts.WithLabelValues(event.EventType, string(models.StatusFailed)).Inc()
			return out
		}

		result := o.sender.Send(ctx, sub.URL, event.EventType, deliveryID, event.Payload, sig)
		metrics.DeliveryLatency.WithLabelValues(event.EventType).Observe(float64(result.LatencyMs))

		if result.Success() {
			o.recordDelivered(ctx, deliveryID, *result.StatusCode, result.Summary)
			out.Status = models.StatusDelivered
			metrics.DeliveryAttempts.WithLabelValues(event.EventType, string(models.StatusDelivered)).Inc()
			o.logger.Info("Webhook delivered",
				zap.String("delivery_id", deliveryID.String()),
				zap.String("subscription_id", sub.ID.String()),
				zap.String("event_id", event.ID.String()),
				zap.Int("attempt", attempt),
				zap.Int("http_status", *result.StatusCode),
				zap.Int("latency_ms", result.LatencyMs),
			)
			return out
		}

		status := models.StatusRetrying
		if final {
			status = models.StatusFailed
		}
		o.record(ctx, deliveryID, status, result.StatusCode, result.Summary)
		out.Status = status
		metrics.DeliveryAttempts.WithLabelValues(event.EventType, string(status)).Inc()

		if final {
			o.logger.Warn("Webhook delivery failed, retries exhausted",
				zap.String("delivery_id", deliveryID.String()),
				zap.String("subscription_id", sub.ID.String()),
				zap.String("event_id", event.ID.String()),
				zap.Int("attempt", attempt),
				zap.String("error", result.Summary),
			)
			return out
		}

		o.logger.Info("Webhook delivery attempt failed, will retry",
			zap.String("delivery_id", deliveryID.String()),
			zap.String("subscription_id", sub.ID.String()),
			zap.Int("attempt", attempt),
			zap.String("error", result.Summary),
		)

		// Shutdown aborts the run; the attempt above is already recorded
		// as retrying so nothing is left pending.
		if ctx.Err() != nil {
			return out
		}
		backoff := o.retryDelay * time.Duration(i+1)
		select {
		case <-ctx.Done():
			return out
		case <-time.After(backoff):
		}
	}

	return out
}

// recordDelivered writes the terminal delivered outcome.
func (o *Orchestrator) recordDelivered(ctx context.Context, deliveryID uuid.UUID, code int, summary string) {
	writeCtx, cancel := o.outcomeContext(ctx)
	defer cancel()
	if err := o.ledger.MarkDelivered(writeCtx, deliveryID, code, summary); err != nil {
		o.logger.Error("Failed to record delivered outcome",
			zap.String("delivery_id", deliveryID.String()),
			zap.Error(err),
		)
	}
}

// record writes a failure outcome.
func (o *Orchestrator) record(ctx context.Context, deliveryID uuid.UUID, status models.DeliveryStatus, code *int, summary string) {
	writeCtx, cancel := o.outcomeContext(ctx)
	defer cancel()
	if err := o.ledger.MarkOutcome(writeCtx, deliveryID, status, code, summary); err != nil {
		o.logger.Error("Failed to record delivery outcome",
			zap.String("delivery_id", deliveryID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// outcomeContext returns the run context, or a short detached context when
// the run is already canceled so shutdown cannot orphan pending rows.
func (o *Orchestrator) outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 5*time.Second)
}
