package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestDLQName(t *testing.T) {
	if got := DLQName(DeliveryEventsQueue); got != "dlq.delivery-events" {
		t.Fatalf("DLQName = %s, want dlq.delivery-events", got)
	}
}

func TestWebhookEventMessageValidate(t *testing.T) {
	msg := WebhookEventMessage{
		EventID:      "evt-1",
		InstanceName: "gabinete-principal",
		ReceivedAt:   time.Now().UTC(),
		Payload:      json.RawMessage(`{"event":"messages.update"}`),
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	msg.EventID = "  "
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty event id")
	}

	msg.EventID = "evt-1"
	msg.InstanceName = ""
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty instance name")
	}

	msg.InstanceName = "gabinete-principal"
	msg.Payload = nil
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

type recordingAcknowledger struct {
	outcome string
}

func (a *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	a.outcome = "ack"
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.outcome = "nack"
	if requeue {
		a.outcome = "requeue"
	}
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	a.outcome = "reject"
	return nil
}

func TestDispatchSettlement(t *testing.T) {
	t.Parallel()

	valid, err := json.Marshal(WebhookEventMessage{
		EventID:      "evt-1",
		InstanceName: "gabinete-principal",
		ReceivedAt:   time.Now().UTC(),
		Payload:      json.RawMessage(`{"event":"messages.update"}`),
	})
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}

	tests := []struct {
		name        string
		body        []byte
		handlerErr  error
		wantOutcome string
		wantHandled bool
	}{
		{
			name:        "acks handled message",
			body:        valid,
			wantOutcome: "ack",
			wantHandled: true,
		},
		{
			name:        "requeues on handler failure",
			body:        valid,
			handlerErr:  errors.New("repository unavailable"),
			wantOutcome: "requeue",
			wantHandled: true,
		},
		{
			name:        "dead-letters invalid json",
			body:        []byte("{not json"),
			wantOutcome: "reject",
		},
		{
			name:        "dead-letters incomplete message",
			body:        []byte(`{"eventId":"evt-2"}`),
			wantOutcome: "reject",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ack := &recordingAcknowledger{}
			consumer := NewRabbitMQConsumer(&RabbitMQ{}, 1, nil)

			handled := false
			err := consumer.dispatch(context.Background(), amqp.Delivery{
				Acknowledger: ack,
				Body:         tt.body,
			}, func(ctx context.Context, msg WebhookEventMessage) error {
				handled = true
				return tt.handlerErr
			})
			if err != nil {
				t.Fatalf("dispatch() unexpected error: %v", err)
			}
			if handled != tt.wantHandled {
				t.Fatalf("handler ran = %v, want %v", handled, tt.wantHandled)
			}
			if ack.outcome != tt.wantOutcome {
				t.Fatalf("outcome = %s, want %s", ack.outcome, tt.wantOutcome)
			}
		})
	}
}
