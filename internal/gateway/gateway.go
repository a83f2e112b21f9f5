package gateway

import (
	"context"

	"github.com/gabinetedigital/dispatcher/internal/domain"
)

// Gateway is the outbound WhatsApp delivery port. Resolving an instance
// name to credentials and endpoints is the implementation's business, never
// the dispatch loop's.
type Gateway interface {
	SendText(ctx context.Context, instanceName, phoneNumber, text string) (*SendResponse, error)
	SendMedia(ctx context.Context, instanceName, phoneNumber, caption string, attachment domain.Attachment) (*SendResponse, error)
	SendReaction(ctx context.Context, instanceName, phoneNumber, messageID, emoji string) error
}

// SendResponse stores provider call metadata, including the message id the
// provider assigned, which later keys delivery callbacks.
type SendResponse struct {
	StatusCode        int
	Body              string
	ProviderMessageID string
}
