package reconcile

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/gabinetedigital/dispatcher/internal/domain"
	"github.com/gabinetedigital/dispatcher/internal/gateway"
	"github.com/gabinetedigital/dispatcher/internal/observability"
	"github.com/gabinetedigital/dispatcher/internal/queue"
	"github.com/gabinetedigital/dispatcher/internal/repository"
)

// Reconciler applies asynchronous provider callbacks to the durable
// delivery records, independent of whatever sending session produced them.
type Reconciler struct {
	records repository.DeliveryRecordRepository
	gateway gateway.Gateway
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewReconciler(records repository.DeliveryRecordRepository, gw gateway.Gateway, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		records: records,
		gateway: gw,
		logger:  logger,
	}
}

// SetMetrics wires the metrics registry. Optional; nil-safe elsewhere.
func (r *Reconciler) SetMetrics(m *observability.Metrics) {
	r.metrics = m
}

// HandleEvent is the queue.MessageHandler for the delivery-events queue.
// Returning an error requeues the message, so only infrastructure failures
// (database unavailable) propagate; everything else is a logged discard.
func (r *Reconciler) HandleEvent(ctx context.Context, msg queue.WebhookEventMessage) error {
	logger := r.logger.With(
		zap.String("eventId", msg.EventID),
		zap.String("instanceName", msg.InstanceName),
	)

	event, err := ClassifyEvent(msg.InstanceName, msg.Payload)
	if err != nil {
		logger.Warn("discarding webhook event: unparseable payload", zap.Error(err))
		r.incDiscarded("malformed_payload")
		return nil
	}

	switch event.Kind {
	case EventStatusCallback:
		return r.applyStatuses(ctx, logger, event.Statuses)
	case EventInboundMessage:
		r.reactToInbound(ctx, logger, event.Inbound)
		return nil
	default:
		logger.Debug("discarding webhook event: unhandled event type")
		r.incDiscarded("unhandled_event")
		return nil
	}
}

func (r *Reconciler) applyStatuses(ctx context.Context, logger *zap.Logger, updates []StatusUpdate) error {
	for _, update := range updates {
		if err := r.applyStatus(ctx, logger, update); err != nil {
			return err
		}
	}
	return nil
}

// applyStatus performs the locate/compare-and-set step for one receipt.
// Unknown message ids and stale or duplicate receipts are no-ops.
func (r *Reconciler) applyStatus(ctx context.Context, logger *zap.Logger, update StatusUpdate) error {
	logger = logger.With(
		zap.String("providerMessageId", update.ProviderMessageID),
		zap.String("status", update.Status.String()),
	)

	if _, err := r.records.GetByProviderMessageID(ctx, update.ProviderMessageID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Info("discarding delivery receipt: unknown provider message id")
			r.incDiscarded("unknown_message")
			return nil
		}
		return err
	}

	applied, err := r.records.CompareAndSetStatus(ctx, update.ProviderMessageID, update.Status, update.Timestamp)
	if err != nil {
		return err
	}

	if !applied {
		logger.Debug("discarding delivery receipt: stale or duplicate")
		r.incDiscarded("stale_status")
		return nil
	}

	logger.Info("delivery status advanced")
	if r.metrics != nil {
		r.metrics.IncDeliveryEvent(update.Status.String())
	}
	return nil
}

func (r *Reconciler) incDiscarded(reason string) {
	if r.metrics != nil {
		r.metrics.IncDeliveryEventDiscarded(reason)
	}
}
