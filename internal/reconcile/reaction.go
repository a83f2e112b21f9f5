package reconcile

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/gabinetedigital/dispatcher/internal/domain"
)

// reactToInbound answers a constituent reply with the emoji configured on
// the most recent outbound message to that phone. Best-effort: failures
// are logged, never retried, never surfaced.
func (r *Reconciler) reactToInbound(ctx context.Context, logger *zap.Logger, inbound *InboundMessage) {
	if inbound == nil || r.gateway == nil {
		return
	}

	logger = logger.With(zap.String("recipientPhone", inbound.RecipientPhone))

	record, err := r.records.LatestOutboundWithReaction(ctx, inbound.RecipientPhone)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Debug("no outbound message with auto-reaction for this phone")
			r.incReaction("skipped")
			return
		}
		logger.Warn("auto-reaction lookup failed", zap.Error(err))
		r.incReaction("lookup_error")
		return
	}

	if record.ReactionEmoji == nil || *record.ReactionEmoji == "" {
		r.incReaction("skipped")
		return
	}

	err = r.gateway.SendReaction(ctx, record.InstanceName, inbound.RecipientPhone, inbound.ProviderMessageID, *record.ReactionEmoji)
	if err != nil {
		logger.Warn("auto-reaction send failed", zap.Error(err))
		r.incReaction("send_error")
		return
	}

	logger.Info("auto-reaction sent", zap.String("emoji", *record.ReactionEmoji))
	r.incReaction("sent")
}

func (r *Reconciler) incReaction(outcome string) {
	if r.metrics != nil {
		r.metrics.IncReaction(outcome)
	}
}
