package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gabinetedigital/dispatcher/internal/domain"
)

// EventKind discriminates the classes of provider webhook events.
type EventKind string

const (
	EventStatusCallback EventKind = "STATUS_CALLBACK"
	EventInboundMessage EventKind = "INBOUND_MESSAGE"
	EventUnknown        EventKind = "UNKNOWN"
)

// StatusUpdate is one delivery receipt extracted from a status callback.
type StatusUpdate struct {
	ProviderMessageID string
	Status            domain.DeliveryStatus
	Timestamp         time.Time
}

// InboundMessage is a message the recipient sent back to the instance.
type InboundMessage struct {
	ProviderMessageID string
	RecipientPhone    string
	Text              string
}

// WebhookEvent is the classified form of a raw provider webhook payload.
// Exactly one of Statuses/Inbound is populated, per Kind.
type WebhookEvent struct {
	Kind         EventKind
	InstanceName string
	Statuses     []StatusUpdate
	Inbound      *InboundMessage
}

type rawWebhookPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type rawStatusUpdate struct {
	KeyID     string `json:"keyId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type rawInboundMessage struct {
	Key struct {
		ID        string `json:"id"`
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
	} `json:"key"`
	Message struct {
		Conversation string `json:"conversation"`
	} `json:"message"`
}

// providerStatusCodes maps provider ack codes to canonical statuses.
// Codes we have never seen fail open to sent so the event still lands.
var providerStatusCodes = map[string]domain.DeliveryStatus{
	"SERVER_ACK":   domain.DeliverySent,
	"SENT":         domain.DeliverySent,
	"DELIVERY_ACK": domain.DeliveryDelivered,
	"DELIVERED":    domain.DeliveryDelivered,
	"READ":         domain.DeliveryRead,
	"PLAYED":       domain.DeliveryPlayed,
}

// CanonicalStatus maps a provider status code to the lifecycle status.
func CanonicalStatus(code string) domain.DeliveryStatus {
	if status, ok := providerStatusCodes[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return status
	}
	return domain.DeliverySent
}

// ClassifyEvent parses a raw provider webhook body into a tagged event.
// Payloads that are not valid JSON are an error; payloads that are valid
// but of an unhandled event type classify as Unknown.
func ClassifyEvent(instanceName string, payload []byte) (*WebhookEvent, error) {
	var raw rawWebhookPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload: %v", domain.ErrValidation, err)
	}

	switch strings.ToLower(strings.TrimSpace(raw.Event)) {
	case "messages.update":
		return classifyStatusCallback(instanceName, raw.Data)
	case "messages.upsert":
		return classifyInboundMessage(instanceName, raw.Data)
	default:
		return &WebhookEvent{Kind: EventUnknown, InstanceName: instanceName}, nil
	}
}

func classifyStatusCallback(instanceName string, data json.RawMessage) (*WebhookEvent, error) {
	updates, err := decodeStatusUpdates(data)
	if err != nil {
		return nil, err
	}

	event := &WebhookEvent{Kind: EventStatusCallback, InstanceName: instanceName}
	for _, u := range updates {
		id := u.KeyID
		if id == "" {
			id = u.MessageID
		}
		if strings.TrimSpace(id) == "" {
			continue
		}

		at := time.Now().UTC()
		if u.Timestamp > 0 {
			at = time.Unix(u.Timestamp, 0).UTC()
		}

		event.Statuses = append(event.Statuses, StatusUpdate{
			ProviderMessageID: id,
			Status:            CanonicalStatus(u.Status),
			Timestamp:         at,
		})
	}

	if len(event.Statuses) == 0 {
		return &WebhookEvent{Kind: EventUnknown, InstanceName: instanceName}, nil
	}
	return event, nil
}

// decodeStatusUpdates accepts either a single update object or a batch.
func decodeStatusUpdates(data json.RawMessage) ([]rawStatusUpdate, error) {
	var batch []rawStatusUpdate
	if err := json.Unmarshal(data, &batch); err == nil {
		return batch, nil
	}

	var single rawStatusUpdate
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("%w: malformed status callback data: %v", domain.ErrValidation, err)
	}
	return []rawStatusUpdate{single}, nil
}

func classifyInboundMessage(instanceName string, data json.RawMessage) (*WebhookEvent, error) {
	var raw rawInboundMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed inbound message data: %v", domain.ErrValidation, err)
	}

	// Echoes of our own outbound messages arrive on the same event type.
	if raw.Key.FromMe {
		return &WebhookEvent{Kind: EventUnknown, InstanceName: instanceName}, nil
	}

	phone := phoneFromJID(raw.Key.RemoteJID)
	if phone == "" || strings.TrimSpace(raw.Key.ID) == "" {
		return &WebhookEvent{Kind: EventUnknown, InstanceName: instanceName}, nil
	}

	return &WebhookEvent{
		Kind:         EventInboundMessage,
		InstanceName: instanceName,
		Inbound: &InboundMessage{
			ProviderMessageID: raw.Key.ID,
			RecipientPhone:    phone,
			Text:              raw.Message.Conversation,
		},
	}, nil
}

// phoneFromJID strips the WhatsApp JID suffix, e.g.
// 5511999990000@s.whatsapp.net -> 5511999990000. Group JIDs yield "".
func phoneFromJID(jid string) string {
	jid = strings.TrimSpace(jid)
	if jid == "" || strings.HasSuffix(jid, "@g.us") {
		return ""
	}
	if at := strings.IndexByte(jid, '@'); at > 0 {
		return jid[:at]
	}
	return jid
}
