// Package dispatcher fans a triggered event out to every matching
// subscription through a bounded worker pool. One subscriber's failure never
// blocks or fails another's delivery, and never fails the trigger call.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retailhub/webhook-engine/internal/config"
	"github.com/retailhub/webhook-engine/internal/delivery"
	"github.com/retailhub/webhook-engine/internal/ledger"
	"github.com/retailhub/webhook-engine/internal/metrics"
	"github.com/retailhub/webhook-engine/internal/models"
	"github.com/retailhub/webhook-engine/internal/registry"
)

// ErrNotStarted is returned when TriggerEvent is called before Start.
var ErrNotStarted = errors.New("dispatcher is not started")

type task struct {
	sub   models.WebhookSubscription
	event models.WebhookEvent
}

type Dispatcher struct {
	registry     *registry.Registry
	ledger       *ledger.Ledger
	orchestrator *delivery.Orchestrator
	logger       *zap.Logger

	workerCount int
	tasks       chan task

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

func New(cfg *config.EngineConfig, reg *registry.Registry, led *ledger.Ledger, orch *delivery.Orchestrator, logger *zap.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	workerCount := cfg.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = workerCount
	}
	return &Dispatcher{
		registry:     reg,
		ledger:       led,
		orchestrator: orch,
		logger:       logger,
		workerCount:  workerCount,
		tasks:        make(chan task, queueSize),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the worker pool. Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.started = true
	d.logger.Info("Dispatcher started",
		zap.Int("worker_count", d.workerCount),
		zap.Int("queue_size", cap(d.tasks)),
	)
}

// Stop cancels in-flight deliveries and waits for the workers to drain.
// Aborted attempts are recorded retrying/failed by the orchestrator, never
// left pending.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher")
	d.cancel()
	d.wg.Wait()

	// Workers are gone; anything still queued will never be delivered.
	for {
		select {
		case t := <-d.tasks:
			metrics.TasksDropped.Inc()
			d.logger.Warn("Dropped queued delivery task at shutdown",
				zap.String("event_id", t.event.ID.String()),
				zap.String("subscription_id", t.sub.ID.String()),
			)
		default:
			d.logger.Info("Dispatcher stopped")
			return
		}
	}
}

// TriggerEvent records the event once, finds all matching active
// subscriptions, and queues one delivery task per subscription. The returned
// error covers only validation and the event write itself; delivery failures
// are asynchronous and visible only through the ledger.
func (d *Dispatcher) TriggerEvent(ctx context.Context, eventType string, payload []byte, storeID int64) (uuid.UUID, error) {
	parsed, err := models.ParseEventType(eventType)
	if err != nil {
		return uuid.Nil, err
	}

	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return uuid.Nil, ErrNotStarted
	}

	eventID, err := d.ledger.RecordEvent(ctx, parsed, payload, storeID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to record event: %w", err)
	}
	metrics.EventsReceived.WithLabelValues(string(parsed)).Inc()

	subs, err := d.registry.ListActiveForEvent(ctx, storeID, parsed)
	if err != nil {
		// The event is durably recorded; deliveries for it can be replayed
		// manually, so the caller is not failed.
		d.logger.Error("Failed to list subscriptions for event",
			zap.String("event_id", eventID.String()),
			zap.String("event_type", string(parsed)),
			zap.Int64("store_id", storeID),
			zap.Error(err),
		)
		return eventID, nil
	}
	if len(subs) == 0 {
		d.logger.Debug("No active subscriptions for event",
			zap.String("event_type", string(parsed)),
			zap.Int64("store_id", storeID),
		)
		return eventID, nil
	}

	event := models.WebhookEvent{
		ID:        eventID,
		EventType: string(parsed),
		StoreID:   storeID,
		Payload:   payload,
	}
	for _, sub := range subs {
		t := task{sub: sub, event: event}
		select {
		case d.tasks <- t:
		case <-d.ctx.Done():
			metrics.TasksDropped.Inc()
			d.logger.Warn("Dropped delivery task, dispatcher shutting down",
				zap.String("event_id", eventID.String()),
				zap.String("subscription_id", sub.ID.String()),
			)
		case <-ctx.Done():
			metrics.TasksDropped.Inc()
			d.logger.Warn("Dropped delivery task, trigger context canceled",
				zap.String("event_id", eventID.String()),
				zap.String("subscription_id", sub.ID.String()),
			)
		}
	}

	d.logger.Info("Event fanned out",
		zap.String("event_id", eventID.String()),
		zap.String("event_type", string(parsed)),
		zap.Int64("store_id", storeID),
		zap.Int("subscription_count", len(subs)),
	)
	return eventID, nil
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	for {
		// Shutdown takes priority over queued work so Stop can account for
		// the remainder of the queue.
		select {
		case <-d.ctx.Done():
			return
		default:
		}
		select {
		case <-d.ctx.Done():
			return
		case t := <-d.tasks:
			d.process(n, t)
		}
	}
}

// process isolates one delivery run: a panic in one subscriber's delivery
// must not take the worker down with it.
func (d *Dispatcher) process(worker int, t task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered panic in delivery worker",
				zap.Int("worker", worker),
				zap.String("subscription_id", t.sub.ID.String()),
				zap.String("event_id", t.event.ID.String()),
				zap.Any("panic", r),
			)
		}
	}()
	d.orchestrator.Deliver(d.ctx, &t.sub, &t.event)
}
