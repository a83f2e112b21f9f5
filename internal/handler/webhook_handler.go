package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gabinetedigital/dispatcher/internal/observability"
	"github.com/gabinetedigital/dispatcher/internal/queue"
)

type WebhookHandler struct {
	publisher queue.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewWebhookHandler(publisher queue.Publisher, logger *zap.Logger) (*WebhookHandler, error) {
	if publisher == nil {
		return nil, fmt.Errorf("queue publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookHandler{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func RegisterWebhookRoutes(router fiber.Router, publisher queue.Publisher, logger *zap.Logger) error {
	h, err := NewWebhookHandler(publisher, logger)
	if err != nil {
		return err
	}

	router.Group("/v1").Post("/webhook/:instance", h.ReceiveWebhook)

	return nil
}

// ReceiveWebhook accepts a provider callback and hands it to the queue.
// It always answers 200: a non-2xx here triggers provider retry storms,
// and any processing problem is the reconciler's to log and discard.
func (h *WebhookHandler) ReceiveWebhook(c *fiber.Ctx) error {
	instanceName := strings.TrimSpace(c.Params("instance"))
	eventID := uuid.NewString()

	logger := h.logger.With(
		zap.String("eventId", eventID),
		zap.String("instanceName", instanceName),
	)

	correlationID, _ := observability.EventIDFromContext(c.UserContext())

	msg := queue.WebhookEventMessage{
		EventID:       eventID,
		InstanceName:  instanceName,
		ReceivedAt:    h.now().UTC(),
		CorrelationID: correlationID,
		Payload:       append([]byte(nil), c.Body()...),
	}

	if err := msg.Validate(); err != nil {
		logger.Warn("dropping webhook: invalid envelope", zap.Error(err))
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": false})
	}

	if err := h.publisher.Publish(c.Context(), queue.DeliveryEventsQueue, msg); err != nil {
		logger.Error("failed to enqueue webhook event", zap.Error(err))
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": false})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "eventId": eventID})
}
