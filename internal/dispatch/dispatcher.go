package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gabinetedigital/dispatcher/internal/domain"
	"github.com/gabinetedigital/dispatcher/internal/gateway"
	"github.com/gabinetedigital/dispatcher/internal/observability"
	"github.com/gabinetedigital/dispatcher/internal/ratelimit"
	"github.com/gabinetedigital/dispatcher/internal/sending"
)

const defaultFinishGrace = 5 * time.Second

// ChannelResolver looks up the outbound configuration of a logical
// notification category. Consulted once per recipient so an operator
// disabling the channel mid-batch takes effect on the next send.
type ChannelResolver interface {
	Resolve(ctx context.Context, category string) (*domain.ChannelConfig, error)
}

// DeliveryRecorder persists the durable per-message record that delivery
// callbacks are later reconciled against.
type DeliveryRecorder interface {
	Create(ctx context.Context, record *domain.DeliveryRecord) error
}

// Dispatcher drives a store's pending recipients to a terminal status, one
// at a time, through the send gateway. Sends are strictly sequential with a
// randomized pause between them: the pause is a provider policy constraint
// against bulk-traffic bans, not a performance knob.
type Dispatcher struct {
	store    *sending.Store
	resolver ChannelResolver
	gateway  gateway.Gateway
	records  DeliveryRecorder
	limiter  ratelimit.RateLimiter
	logger   *zap.Logger
	metrics  *observability.Metrics

	sendTimeout time.Duration
	finishGrace time.Duration

	running  atomic.Bool
	now      func() time.Time
	randIntn func(n int) int
	sleep    SleepFunc
}

func NewDispatcher(
	store *sending.Store,
	resolver ChannelResolver,
	gw gateway.Gateway,
	records DeliveryRecorder,
	limiter ratelimit.RateLimiter,
	sendTimeout time.Duration,
	finishGrace time.Duration,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("sending store is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if finishGrace <= 0 {
		finishGrace = defaultFinishGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		store:       store,
		resolver:    resolver,
		gateway:     gw,
		records:     records,
		limiter:     limiter,
		logger:      logger,
		sendTimeout: sendTimeout,
		finishGrace: finishGrace,
		now:         time.Now,
		randIntn:    rand.Intn,
		sleep:       sleepWithContext,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Run drains the store until no pending recipient remains. A second Run for
// the same batch while one is mid-flight is a no-op.
func (d *Dispatcher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !d.running.CompareAndSwap(false, true) {
		return nil
	}
	defer d.running.Store(false)

	if !d.store.IsActive() {
		return nil
	}

	for {
		if ctx.Err() != nil {
			// Host shutdown behaves like an operator cancel: drain, never
			// launch new sends.
			d.store.Cancel()
			return ctx.Err()
		}
		if d.store.IsCancelled() {
			d.logger.Info("batch cancelled, remaining recipients drained",
				zap.String("summary", d.store.Snapshot().Summary()),
			)
			return nil
		}

		recipient, ok := d.store.NextPending()
		if !ok {
			if d.finish(ctx) {
				return nil
			}
			continue
		}

		config, abort := d.processRecipient(ctx, recipient)
		d.metrics.SetBatchPending(d.store.PendingCount())
		if abort {
			// Remaining recipients were drained with the systemic reason;
			// the next scan misses and the finish tail closes the session.
			continue
		}

		if d.store.PendingCount() > 0 && !d.store.IsCancelled() {
			d.throttle(ctx, recipient.ID, config)
		}
	}
}

// finish sleeps the grace period so the operator sees the completed summary,
// then flips the session inactive. Recipients appended while the grace runs
// keep the session open: finish reports false and the loop resumes scanning.
func (d *Dispatcher) finish(ctx context.Context) bool {
	if d.store.IsCancelled() {
		return true
	}

	d.logger.Info("batch completed", zap.String("summary", d.store.Snapshot().Summary()))

	_ = d.sleep(ctx, d.finishGrace)

	if d.store.IsCancelled() {
		return true
	}
	if d.store.PendingCount() > 0 {
		return false
	}

	d.store.Finish()
	return true
}

// processRecipient runs one recipient to a terminal status. It returns the
// resolved batch config for the follow-up throttle and whether the whole
// batch must abort (systemic configuration failure).
func (d *Dispatcher) processRecipient(ctx context.Context, recipient domain.RecipientProgress) (domain.BatchConfig, bool) {
	_ = d.store.UpdateStatus(recipient.ID, domain.ProgressSending, nil)

	config, err := d.resolveConfig(ctx)
	if err != nil {
		reason := err.Error()
		d.logger.Error("batch configuration failure, aborting remaining recipients",
			zap.String("recipientId", recipient.ID),
			zap.Error(err),
		)
		d.drainWithReason(recipient.ID, reason)
		return config, true
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, config.InstanceName); err != nil {
			reason := fmt.Sprintf("limite de envio excedido: %s", err)
			_ = d.store.UpdateStatus(recipient.ID, domain.ProgressError, &reason)
			d.observeFailure(config.InstanceName, "rate_limited")
			return config, false
		}
	}

	if err := d.send(ctx, config, recipient); err != nil {
		reason := err.Error()
		_ = d.store.UpdateStatus(recipient.ID, domain.ProgressError, &reason)
		d.observeFailure(config.InstanceName, failureReason(err))
		d.logger.Warn("send failed",
			zap.String("recipientId", recipient.ID),
			zap.String("instance", config.InstanceName),
			zap.Error(err),
		)
		return config, false
	}

	_ = d.store.UpdateStatus(recipient.ID, domain.ProgressSent, nil)
	if d.metrics != nil {
		d.metrics.IncMessageSent(config.InstanceName)
	}

	return config, false
}

// resolveConfig returns the effective batch configuration. Batches tied to a
// notification category re-resolve their channel on every recipient; plain
// broadcasts use the configuration captured at StartBatch.
func (d *Dispatcher) resolveConfig(ctx context.Context) (domain.BatchConfig, error) {
	config := d.store.Config()
	if config.Category == "" {
		return config, nil
	}
	if d.resolver == nil {
		return config, fmt.Errorf("no resolver configured for category %q", config.Category)
	}

	channel, err := d.resolver.Resolve(ctx, config.Category)
	if err != nil {
		return config, fmt.Errorf("falha ao resolver canal %q: %w", config.Category, err)
	}
	if !channel.Enabled {
		return config, fmt.Errorf("canal %q desabilitado", config.Category)
	}
	if err := channel.Validate(); err != nil {
		return config, fmt.Errorf("canal %q mal configurado: %w", config.Category, err)
	}

	config.InstanceName = channel.InstanceName
	config.Message = channel.MessageTemplate
	config.MinDelay = channel.MinDelay
	config.MaxDelay = channel.MaxDelay
	return config, nil
}

func (d *Dispatcher) send(ctx context.Context, config domain.BatchConfig, recipient domain.RecipientProgress) error {
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}

	text := domain.RenderMessage(config.Message, recipient)
	start := d.now()
	defer func() {
		if d.metrics != nil {
			d.metrics.ObserveSendDuration(config.InstanceName, d.now().Sub(start))
		}
	}()

	if len(recipient.Attachments) == 0 {
		response, err := d.gateway.SendText(ctx, config.InstanceName, recipient.PhoneNumber, text)
		if err != nil {
			return err
		}
		d.recordDelivery(ctx, config, recipient, response)
		return nil
	}

	response, err := d.gateway.SendMedia(ctx, config.InstanceName, recipient.PhoneNumber, text, recipient.Attachments[0])
	if err != nil {
		return err
	}
	// The first message already left the provider: persist its record now so
	// its delivery callbacks match even when a follow-up attachment fails.
	d.recordDelivery(ctx, config, recipient, response)

	for _, attachment := range recipient.Attachments[1:] {
		if _, err := d.gateway.SendMedia(ctx, config.InstanceName, recipient.PhoneNumber, "", attachment); err != nil {
			return err
		}
	}
	return nil
}

// recordDelivery persists the durable record keyed by the provider message
// id. Best-effort: the message already left, so a storage failure is logged
// and the recipient stays sent.
func (d *Dispatcher) recordDelivery(ctx context.Context, config domain.BatchConfig, recipient domain.RecipientProgress, response *gateway.SendResponse) {
	if d.records == nil || response == nil || strings.TrimSpace(response.ProviderMessageID) == "" {
		return
	}

	at := d.now().UTC()
	record := &domain.DeliveryRecord{
		ProviderMessageID: response.ProviderMessageID,
		RecipientPhone:    recipient.PhoneNumber,
		InstanceName:      config.InstanceName,
		Status:            domain.DeliverySent,
		StatusRank:        domain.DeliverySent.Rank(),
		SentAt:            &at,
	}
	record.ReactionEmoji = d.reactionEmoji(ctx, config)

	if err := d.records.Create(ctx, record); err != nil {
		d.logger.Error("failed to persist delivery record",
			zap.String("providerMessageId", response.ProviderMessageID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) reactionEmoji(ctx context.Context, config domain.BatchConfig) *string {
	if config.Category == "" || d.resolver == nil {
		return nil
	}
	channel, err := d.resolver.Resolve(ctx, config.Category)
	if err != nil || channel == nil {
		return nil
	}
	return channel.ReactionEmoji
}

// throttle waits a uniform random delay in [MinDelay, MaxDelay] seconds,
// surfacing the per-second countdown on the recipient just processed and
// abandoning the wait as soon as a cancellation lands.
func (d *Dispatcher) throttle(ctx context.Context, recipientID string, config domain.BatchConfig) {
	delay := config.MinDelay
	if spread := config.MaxDelay - config.MinDelay; spread > 0 {
		delay += d.randIntn(spread + 1)
	}
	if delay <= 0 {
		return
	}

	_, _ = Countdown(ctx, delay,
		func(remaining int) { _ = d.store.UpdateCountdown(recipientID, remaining) },
		d.store.IsCancelled,
		d.sleep,
	)
	_ = d.store.UpdateCountdown(recipientID, 0)
}

// drainWithReason marks the current recipient and every still-pending one
// with the same systemic failure.
func (d *Dispatcher) drainWithReason(currentID, reason string) {
	_ = d.store.UpdateStatus(currentID, domain.ProgressError, &reason)
	for {
		next, ok := d.store.NextPending()
		if !ok {
			return
		}
		_ = d.store.UpdateStatus(next.ID, domain.ProgressError, &reason)
	}
}

func (d *Dispatcher) observeFailure(instance, reason string) {
	if d.metrics != nil {
		d.metrics.IncMessageFailed(instance, reason)
	}
}

func failureReason(err error) string {
	if gateway.IsTransient(err) {
		return "transient_error"
	}
	return "permanent_error"
}
