package queue

import (
	"context"
	"fmt"
)

// Publisher publishes webhook event messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg WebhookEventMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg WebhookEventMessage) error

// Consumer consumes webhook event messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// DeliveryEventsQueue holds webhook events awaiting reconciliation.
	DeliveryEventsQueue = "delivery-events"
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.delivery-events.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}
