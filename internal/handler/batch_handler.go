package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gabinetedigital/dispatcher/internal/domain"
	"github.com/gabinetedigital/dispatcher/internal/repository"
	"github.com/gabinetedigital/dispatcher/internal/sending"
)

// BatchRunner drives the pending recipients of the sending store to a
// terminal status. Implemented by dispatch.Dispatcher.
type BatchRunner interface {
	Run(ctx context.Context) error
}

type BatchHandler struct {
	store        *sending.Store
	runner       BatchRunner
	constituents repository.ConstituentRepository
	channels     repository.ChannelConfigRepository
	logger       *zap.Logger

	// runCtx outlives individual requests; the dispatch loop must keep
	// going after the HTTP response is written.
	runCtx context.Context
}

func NewBatchHandler(
	runCtx context.Context,
	store *sending.Store,
	runner BatchRunner,
	constituents repository.ConstituentRepository,
	channels repository.ChannelConfigRepository,
	logger *zap.Logger,
) (*BatchHandler, error) {
	if store == nil {
		return nil, fmt.Errorf("sending store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("batch runner is required")
	}
	if runCtx == nil {
		runCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchHandler{
		store:        store,
		runner:       runner,
		constituents: constituents,
		channels:     channels,
		logger:       logger,
		runCtx:       runCtx,
	}, nil
}

func RegisterBatchRoutes(
	router fiber.Router,
	runCtx context.Context,
	store *sending.Store,
	runner BatchRunner,
	constituents repository.ConstituentRepository,
	channels repository.ChannelConfigRepository,
	logger *zap.Logger,
) error {
	h, err := NewBatchHandler(runCtx, store, runner, constituents, channels, logger)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.StartBatch)
	v1.Get("/batches/current", h.GetCurrentBatch)
	v1.Post("/batches/current/cancel", h.CancelBatch)
	v1.Post("/batches/current/minimize", h.MinimizeBatch)
	v1.Delete("/batches/current", h.ResetBatch)
	v1.Post("/notifications", h.NotifyDemand)

	return nil
}

type batchRecipientRequest struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	PhoneNumber string              `json:"phoneNumber"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

type startBatchRequest struct {
	Message         string                  `json:"message"`
	InstanceName    string                  `json:"instanceName"`
	MinDelay        int                     `json:"tempoMinimo"`
	MaxDelay        int                     `json:"tempoMaximo"`
	Recipients      []batchRecipientRequest `json:"recipients"`
	ConstituentIDs  []string                `json:"constituentIds"`
	AllConstituents bool                    `json:"allConstituents"`
}

type notifyDemandRequest struct {
	Category   string                  `json:"category"`
	Recipients []batchRecipientRequest `json:"recipients"`
}

type minimizeRequest struct {
	Minimized bool `json:"minimized"`
}

type recipientProgressResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	PhoneNumber string     `json:"phoneNumber"`
	Status      string     `json:"status"`
	Countdown   *int       `json:"countdown,omitempty"`
	Error       *string    `json:"error,omitempty"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
}

type batchSnapshotResponse struct {
	Active         bool                        `json:"active"`
	Minimized      bool                        `json:"minimized"`
	Cancelled      bool                        `json:"cancelled"`
	Message        string                      `json:"message"`
	InstanceName   string                      `json:"instanceName"`
	MinDelay       int                         `json:"tempoMinimo"`
	MaxDelay       int                         `json:"tempoMaximo"`
	Category       string                      `json:"category,omitempty"`
	Total          int                         `json:"total"`
	ProcessedCount int                         `json:"processedCount"`
	SentCount      int                         `json:"sentCount"`
	ErrorCount     int                         `json:"errorCount"`
	Complete       bool                        `json:"complete"`
	Summary        string                      `json:"summary"`
	Current        *recipientProgressResponse  `json:"current,omitempty"`
	Recipients     []recipientProgressResponse `json:"recipients"`
}

func (h *BatchHandler) StartBatch(c *fiber.Ctx) error {
	var req startBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	recipients, err := h.resolveRecipients(c.Context(), req.Recipients, req.ConstituentIDs, req.AllConstituents)
	if err != nil {
		return toHTTPError(err)
	}

	config := domain.BatchConfig{
		Message:      strings.TrimSpace(req.Message),
		InstanceName: strings.TrimSpace(req.InstanceName),
		MinDelay:     req.MinDelay,
		MaxDelay:     req.MaxDelay,
	}

	if err := h.store.StartBatch(recipients, config); err != nil {
		return toHTTPError(err)
	}

	h.launchRun()

	return c.Status(fiber.StatusAccepted).JSON(toBatchSnapshotResponse(h.store.Snapshot()))
}

// NotifyDemand enqueues demand-status notifications through the channel
// configured for the category. Appends to the running batch when one is
// active instead of rejecting.
func (h *BatchHandler) NotifyDemand(c *fiber.Ctx) error {
	var req notifyDemandRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	category := strings.ToLower(strings.TrimSpace(req.Category))
	if category == "" {
		return toHTTPError(fmt.Errorf("%w: category is required", domain.ErrValidation))
	}
	if h.channels == nil {
		return toHTTPError(fmt.Errorf("%w: channel configuration lookup is unavailable", domain.ErrValidation))
	}

	channel, err := h.channels.Resolve(c.Context(), category)
	if err != nil {
		return toHTTPError(err)
	}
	if !channel.Enabled {
		return toHTTPError(fmt.Errorf("%w: canal %q desabilitado", domain.ErrValidation, category))
	}

	recipients, err := h.resolveRecipients(c.Context(), req.Recipients, nil, false)
	if err != nil {
		return toHTTPError(err)
	}

	if h.store.IsActive() {
		if err := h.store.Append(recipients...); err != nil {
			return toHTTPError(err)
		}
		// The run loop may be sitting out its completion grace period; the
		// guard inside Run makes this a no-op while a loop is still going.
		h.launchRun()
		return c.Status(fiber.StatusAccepted).JSON(toBatchSnapshotResponse(h.store.Snapshot()))
	}

	config := domain.BatchConfig{
		Message:      channel.MessageTemplate,
		InstanceName: channel.InstanceName,
		MinDelay:     channel.MinDelay,
		MaxDelay:     channel.MaxDelay,
		Category:     category,
	}

	if err := h.store.StartBatch(recipients, config); err != nil {
		return toHTTPError(err)
	}

	h.launchRun()

	return c.Status(fiber.StatusAccepted).JSON(toBatchSnapshotResponse(h.store.Snapshot()))
}

func (h *BatchHandler) GetCurrentBatch(c *fiber.Ctx) error {
	snapshot := h.store.Snapshot()
	if snapshot.Total == 0 {
		return toHTTPError(fmt.Errorf("%w: nenhum lote em andamento", domain.ErrNotFound))
	}

	return c.Status(fiber.StatusOK).JSON(toBatchSnapshotResponse(snapshot))
}

func (h *BatchHandler) CancelBatch(c *fiber.Ctx) error {
	if !h.store.IsActive() {
		return toHTTPError(fmt.Errorf("%w: nenhum lote em andamento", domain.ErrNotFound))
	}

	h.store.Cancel()

	return c.Status(fiber.StatusOK).JSON(toBatchSnapshotResponse(h.store.Snapshot()))
}

func (h *BatchHandler) MinimizeBatch(c *fiber.Ctx) error {
	var req minimizeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	h.store.SetMinimized(req.Minimized)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"minimized": req.Minimized})
}

func (h *BatchHandler) ResetBatch(c *fiber.Ctx) error {
	if h.store.IsActive() && !h.store.IsCancelled() {
		return toHTTPError(fmt.Errorf("%w: lote em andamento, cancele antes de limpar", domain.ErrConflict))
	}

	h.store.Reset()

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *BatchHandler) launchRun() {
	go func() {
		if err := h.runner.Run(h.runCtx); err != nil {
			h.logger.Error("dispatch loop stopped with error", zap.Error(err))
		}
	}()
}

// resolveRecipients builds the batch roster from inline entries, a list of
// constituent ids, or the whole directory of constituents with a phone.
func (h *BatchHandler) resolveRecipients(
	ctx context.Context,
	inline []batchRecipientRequest,
	constituentIDs []string,
	allConstituents bool,
) ([]domain.RecipientProgress, error) {
	recipients := make([]domain.RecipientProgress, 0, len(inline))
	for _, item := range inline {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			id = uuid.NewString()
		}
		recipients = append(recipients, domain.RecipientProgress{
			ID:          id,
			Name:        strings.TrimSpace(item.Name),
			PhoneNumber: strings.TrimSpace(item.PhoneNumber),
			Status:      domain.ProgressPending,
			Attachments: item.Attachments,
		})
	}

	if allConstituents || len(constituentIDs) > 0 {
		if h.constituents == nil {
			return nil, fmt.Errorf("%w: constituent directory is unavailable", domain.ErrValidation)
		}

		var (
			listed []domain.Constituent
			err    error
		)
		if allConstituents {
			listed, err = h.constituents.ListWithPhone(ctx)
		} else {
			listed, err = h.constituents.GetByIDs(ctx, constituentIDs)
		}
		if err != nil {
			return nil, err
		}

		for _, constituent := range listed {
			if strings.TrimSpace(constituent.PhoneNumber) == "" {
				continue
			}
			recipients = append(recipients, domain.RecipientProgress{
				ID:          constituent.ID,
				Name:        constituent.Name,
				PhoneNumber: constituent.PhoneNumber,
				Status:      domain.ProgressPending,
			})
		}
	}

	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", domain.ErrValidation)
	}

	return recipients, nil
}

func toBatchSnapshotResponse(snapshot sending.Snapshot) batchSnapshotResponse {
	recipients := make([]recipientProgressResponse, 0, len(snapshot.Recipients))
	for _, recipient := range snapshot.Recipients {
		recipients = append(recipients, toRecipientProgressResponse(recipient))
	}

	response := batchSnapshotResponse{
		Active:         snapshot.Active,
		Minimized:      snapshot.Minimized,
		Cancelled:      snapshot.Cancelled,
		Message:        snapshot.Config.Message,
		InstanceName:   snapshot.Config.InstanceName,
		MinDelay:       snapshot.Config.MinDelay,
		MaxDelay:       snapshot.Config.MaxDelay,
		Category:       snapshot.Config.Category,
		Total:          snapshot.Total,
		ProcessedCount: snapshot.ProcessedCount,
		SentCount:      snapshot.SentCount,
		ErrorCount:     snapshot.ErrorCount,
		Complete:       snapshot.Complete(),
		Summary:        snapshot.Summary(),
		Recipients:     recipients,
	}

	if snapshot.Current != nil {
		current := toRecipientProgressResponse(*snapshot.Current)
		response.Current = &current
	}

	return response
}

func toRecipientProgressResponse(recipient domain.RecipientProgress) recipientProgressResponse {
	return recipientProgressResponse{
		ID:          recipient.ID,
		Name:        recipient.Name,
		PhoneNumber: recipient.PhoneNumber,
		Status:      recipient.Status.String(),
		Countdown:   recipient.Countdown,
		Error:       recipient.Error,
		SentAt:      recipient.SentAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
