package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQConsumer pulls webhook events off a queue and feeds them to a
// MessageHandler. Bodies that will never parse are rejected without requeue
// so the broker dead-letters them; handler failures requeue for a retry.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume blocks until ctx is done, re-opening the consume session with a
// doubling backoff whenever the broker connection drops.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	for backoff := reconnectBackoff; ; {
		sessionErr := c.session(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if sessionErr == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("consume session ended, reconnecting",
			zap.String("queue", queue),
			zap.Duration("backoff", backoff),
			zap.Error(sessionErr),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session opens a channel, applies the prefetch window and drains deliveries
// until the channel closes or ctx is cancelled.
func (c *RabbitMQConsumer) session(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.dispatch(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// dispatch decodes one delivery and settles it: ack on success, requeue on
// handler failure, dead-letter anything undecodable.
func (c *RabbitMQConsumer) dispatch(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeWebhookEvent(d.Body)
	if err != nil {
		c.logger.Warn("dead-lettering undecodable message",
			zap.String("routingKey", d.RoutingKey),
			zap.Error(err),
		)
		return settle(d.Reject(false), "reject")
	}

	if err := handler(ctx, msg); err != nil {
		c.logger.Warn("handler failed, requeueing",
			zap.String("eventId", msg.EventID),
			zap.Error(err),
		)
		return settle(d.Nack(false, true), "requeue")
	}

	return settle(d.Ack(false), "ack")
}

func settle(err error, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s delivery: %w", op, err)
	}
	return nil
}

// decodeWebhookEvent parses and validates a raw queue body.
func decodeWebhookEvent(body []byte) (WebhookEventMessage, error) {
	var msg WebhookEventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("invalid json: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
