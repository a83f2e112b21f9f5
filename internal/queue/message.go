package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WebhookEventMessage is the broker payload for a provider webhook event.
// The raw provider body is carried untouched so the reconciler owns parsing.
type WebhookEventMessage struct {
	EventID       string          `json:"eventId"`
	InstanceName  string          `json:"instanceName"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func (m WebhookEventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if strings.TrimSpace(m.InstanceName) == "" {
		return fmt.Errorf("instanceName is required")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}
