// Package consumer bridges the message broker to the dispatcher: upstream
// retail services publish domain events to a queue, and each message becomes
// one TriggerEvent call. Poison messages are rejected without requeue;
// transient handling failures are nacked without requeue as well, since the
// event will be retriggered by the upstream publisher.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/retailhub/webhook-engine/internal/config"
	"github.com/retailhub/webhook-engine/internal/dispatcher"
	"github.com/retailhub/webhook-engine/internal/rabbitmq"
)

// SourceEvent is the wire shape upstream services publish.
type SourceEvent struct {
	EventType string          `json:"event_type"`
	StoreID   int64           `json:"store_id"`
	Payload   json.RawMessage `json:"payload"`
}

type Consumer struct {
	cfg         *config.RabbitMQConfig
	conn        *rabbitmq.Connection
	dispatcher  *dispatcher.Dispatcher
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	consumerTag string
	started     atomic.Bool
}

func New(cfg *config.RabbitMQConfig, conn *rabbitmq.Connection, disp *dispatcher.Dispatcher, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:         cfg,
		conn:        conn,
		dispatcher:  disp,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		consumerTag: fmt.Sprintf("webhook-engine-%d", time.Now().Unix()),
	}
}

// Start begins consuming source events from the configured queue.
func (c *Consumer) Start() error {
	if c.cfg.SourceQueue == "" {
		return fmt.Errorf("source queue is required")
	}
	if err := c.conn.SetQoS(c.cfg.Prefetch); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// Set before the processing goroutine exists so a channel that closes
	// immediately still enters the resubscribe loop.
	c.started.Store(true)
	if err := c.startConsuming(); err != nil {
		c.started.Store(false)
		return err
	}

	c.logger.Info("Consumer started",
		zap.String("source_queue", c.cfg.SourceQueue),
		zap.String("consumer_tag", c.consumerTag),
	)
	return nil
}

func (c *Consumer) startConsuming() error {
	messages, err := c.conn.Consume(c.cfg.SourceQueue, c.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming from queue %s: %w", c.cfg.SourceQueue, err)
	}
	go c.processMessages(messages)
	return nil
}

// Stop cancels the consumer and stops message processing.
func (c *Consumer) Stop() error {
	c.logger.Info("Stopping consumer", zap.String("consumer_tag", c.consumerTag))
	c.started.Store(false)
	c.cancel()
	if err := c.conn.CancelConsumer(c.consumerTag); err != nil {
		c.logger.Error("Failed to cancel consumer",
			zap.String("consumer_tag", c.consumerTag),
			zap.Error(err),
		)
	}
	return nil
}

func (c *Consumer) processMessages(messages <-chan amqp.Delivery) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				// Channel closed; wait for the connection wrapper to
				// recover, then resubscribe.
				c.logger.Warn("Message channel closed, waiting to resubscribe",
					zap.String("source_queue", c.cfg.SourceQueue),
				)
				for c.started.Load() {
					select {
					case <-c.ctx.Done():
						return
					case <-time.After(2 * time.Second):
					}
					if !c.conn.IsHealthy() {
						continue
					}
					if err := c.startConsuming(); err != nil {
						c.logger.Error("Failed to resubscribe after channel close",
							zap.String("source_queue", c.cfg.SourceQueue),
							zap.Error(err),
						)
						continue
					}
					c.logger.Info("Resubscribed after channel close",
						zap.String("source_queue", c.cfg.SourceQueue),
					)
					return
				}
				return
			}
			c.handle(msg)
		}
	}
}

// handle decodes one message and triggers the event, then acks. Undecodable
// messages and dispatch failures are rejected without requeue.
func (c *Consumer) handle(msg amqp.Delivery) {
	var src SourceEvent
	if err := json.Unmarshal(msg.Body, &src); err != nil {
		c.logger.Error("Failed to decode source event",
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.Error(err),
		)
		c.reject(msg)
		return
	}

	if _, err := c.dispatcher.TriggerEvent(c.ctx, src.EventType, src.Payload, src.StoreID); err != nil {
		c.logger.Error("Failed to trigger event from source message",
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.String("event_type", src.EventType),
			zap.Int64("store_id", src.StoreID),
			zap.Error(err),
		)
		c.reject(msg)
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.Error(err),
		)
	}
}

func (c *Consumer) reject(msg amqp.Delivery) {
	if err := msg.Nack(false, false); err != nil {
		c.logger.Error("Failed to nack message",
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.Error(err),
		)
	}
}
