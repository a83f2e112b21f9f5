package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus is the durable lifecycle state of an outbound message,
// advanced by provider callbacks after the sending session is gone.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryPlayed    DeliveryStatus = "played"
	DeliveryError     DeliveryStatus = "error"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryPending, DeliverySending, DeliverySent, DeliveryDelivered,
		DeliveryRead, DeliveryPlayed, DeliveryError, DeliveryCancelled:
		return true
	}
	return false
}

// Rank is the total order used for monotonic updates. error and cancelled
// sit at rank 0, so a later positive delivery signal can still advance a
// record past a transient provider-side error.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliverySending:
		return 1
	case DeliverySent:
		return 2
	case DeliveryDelivered:
		return 3
	case DeliveryRead:
		return 4
	case DeliveryPlayed:
		return 5
	default:
		return 0
	}
}

func ParseDeliveryStatusFromString(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid delivery status %q", ErrValidation, s)
	}
	return st, nil
}

// DeliveryRecord is the persisted per-message row keyed by the id the
// provider assigned at send time. Timestamps are set the first time the
// corresponding status is reached and never overwritten.
type DeliveryRecord struct {
	ProviderMessageID string
	RecipientPhone    string
	InstanceName      string
	Status            DeliveryStatus
	StatusRank        int
	ReactionEmoji     *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r *DeliveryRecord) Validate() error {
	if strings.TrimSpace(r.ProviderMessageID) == "" {
		return fmt.Errorf("%w: provider message id is required", ErrValidation)
	}
	if strings.TrimSpace(r.RecipientPhone) == "" {
		return fmt.Errorf("%w: recipient phone is required", ErrValidation)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid delivery status %q", ErrValidation, r.Status)
	}
	return nil
}
