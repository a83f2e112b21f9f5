package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gabinetedigital/dispatcher/internal/domain"
	"github.com/gabinetedigital/dispatcher/internal/gateway"
	"github.com/gabinetedigital/dispatcher/internal/ratelimit"
	"github.com/gabinetedigital/dispatcher/internal/sending"
)

type fakeGateway struct {
	mu          sync.Mutex
	sendTextFn  func(ctx context.Context, instanceName, phoneNumber, text string) (*gateway.SendResponse, error)
	sendMediaFn func(ctx context.Context, instanceName, phoneNumber, caption string, attachment domain.Attachment) (*gateway.SendResponse, error)
	calls       []string
}

func (f *fakeGateway) SendText(ctx context.Context, instanceName, phoneNumber, text string) (*gateway.SendResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, phoneNumber)
	f.mu.Unlock()
	if f.sendTextFn != nil {
		return f.sendTextFn(ctx, instanceName, phoneNumber, text)
	}
	return &gateway.SendResponse{StatusCode: 201, ProviderMessageID: "wamid-" + phoneNumber}, nil
}

func (f *fakeGateway) SendMedia(ctx context.Context, instanceName, phoneNumber, caption string, attachment domain.Attachment) (*gateway.SendResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, phoneNumber)
	f.mu.Unlock()
	if f.sendMediaFn != nil {
		return f.sendMediaFn(ctx, instanceName, phoneNumber, caption, attachment)
	}
	return &gateway.SendResponse{StatusCode: 201, ProviderMessageID: "wamid-media-" + phoneNumber}, nil
}

func (f *fakeGateway) SendReaction(context.Context, string, string, string, string) error {
	return nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeResolver struct {
	resolveFn func(ctx context.Context, category string) (*domain.ChannelConfig, error)
}

func (f *fakeResolver) Resolve(ctx context.Context, category string) (*domain.ChannelConfig, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, category)
	}
	return nil, domain.ErrNotFound
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*domain.DeliveryRecord
	err     error
}

func (f *fakeRecorder) Create(_ context.Context, record *domain.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record)
	return nil
}

type fakeLimiter struct {
	waitFn func(ctx context.Context, instanceName string) error
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (f *fakeLimiter) Wait(ctx context.Context, instanceName string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, instanceName)
	}
	return nil
}

func testRoster() []domain.RecipientProgress {
	return []domain.RecipientProgress{
		{ID: "a", Name: "Ana Souza", PhoneNumber: "5511999990001", Status: domain.ProgressPending},
		{ID: "b", Name: "Bruno Lima", PhoneNumber: "5511999990002", Status: domain.ProgressPending},
		{ID: "c", Name: "Carla Mota", PhoneNumber: "5511999990003", Status: domain.ProgressPending},
	}
}

func testBatchConfig(minDelay, maxDelay int) domain.BatchConfig {
	return domain.BatchConfig{
		Message:      "Olá {nome}!",
		InstanceName: "gabinete-principal",
		MinDelay:     minDelay,
		MaxDelay:     maxDelay,
	}
}

// testDispatcher wires a dispatcher with deterministic time sources: the
// fake sleep returns instantly while recording what would have been waited.
func testDispatcher(t *testing.T, store *sending.Store, gw gateway.Gateway, resolver ChannelResolver, records DeliveryRecorder, limiter *fakeLimiter) (*Dispatcher, *[]time.Duration) {
	t.Helper()

	var slept []time.Duration
	var sleptMu sync.Mutex

	var rl ratelimit.RateLimiter
	if limiter != nil {
		rl = limiter
	}

	d, err := NewDispatcher(store, resolver, gw, records, rl, 0, time.Second, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	d.randIntn = func(n int) int { return 0 }
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sleptMu.Lock()
		slept = append(slept, dur)
		sleptMu.Unlock()
		return nil
	}
	return d, &slept
}

func TestRunDispatchesSequentiallyWithFailuresIsolated(t *testing.T) {
	t.Parallel()

	store := sending.NewStore()
	if err := store.StartBatch(testRoster(), testBatchConfig(1, 1)); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	gw := &fakeGateway{
		sendTextFn: func(_ context.Context, _, phoneNumber, text string) (*gateway.SendResponse, error) {
			if phoneNumber == "5511999990002" {
				return nil, fmt.Errorf("invalid number")
			}
			if !strings.HasPrefix(text, "Olá ") {
				return nil, fmt.Errorf("template not rendered: %q", text)
			}
			return &gateway.SendResponse{StatusCode: 201, ProviderMessageID: "wamid-" + phoneNumber}, nil
		},
	}
	records := &fakeRecorder{}
	d, slept := testDispatcher(t, store, gw, nil, records, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snapshot := store.Snapshot()
	if snapshot.ProcessedCount != 3 || snapshot.SentCount != 2 || snapshot.ErrorCount != 1 {
		t.Fatalf("snapshot = %d processed, %d sent, %d errors; want 3/2/1",
			snapshot.ProcessedCount, snapshot.SentCount, snapshot.ErrorCount)
	}

	byID := make(map[string]domain.RecipientProgress)
	for _, recipient := range snapshot.Recipients {
		byID[recipient.ID] = recipient
	}
	if byID["a"].Status != domain.ProgressSent || byID["a"].SentAt == nil {
		t.Fatalf("recipient a = %+v, want sent with sentAt", byID["a"])
	}
	if byID["b"].Status != domain.ProgressError {
		t.Fatalf("recipient b status = %s, want error", byID["b"].Status)
	}
	if byID["b"].Error == nil || *byID["b"].Error != "invalid number" {
		t.Fatalf("recipient b error = %v, want invalid number", byID["b"].Error)
	}
	if byID["c"].Status != domain.ProgressSent {
		t.Fatalf("recipient c status = %s, want sent", byID["c"].Status)
	}

	// Strict enqueue order.
	want := []string{"5511999990001", "5511999990002", "5511999990003"}
	for i, phone := range want {
		if gw.calls[i] != phone {
			t.Fatalf("call order = %v, want %v", gw.calls, want)
		}
	}

	// Two one-second throttles between three recipients, plus the finish
	// grace before the session flips inactive.
	var throttled int
	for _, dur := range *slept {
		if dur == time.Second {
			throttled++
		}
	}
	if throttled < 2 {
		t.Fatalf("throttle sleeps = %d, want >= 2", throttled)
	}

	if store.IsActive() {
		t.Fatal("store should be finished after the grace period")
	}

	records.mu.Lock()
	defer records.mu.Unlock()
	if len(records.records) != 2 {
		t.Fatalf("delivery records = %d, want 2", len(records.records))
	}
	for _, record := range records.records {
		if record.Status != domain.DeliverySent || record.SentAt == nil {
			t.Fatalf("record = %+v, want status sent with sentAt", record)
		}
	}
}

func TestRunReentrancyGuard(t *testing.T) {
	t.Parallel()

	store := sending.NewStore()
	if err := store.StartBatch(testRoster(), testBatchConfig(0, 0)); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	gw := &fakeGateway{
		sendTextFn: func(_ context.Context, _, phoneNumber, _ string) (*gateway.SendResponse, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return &gateway.SendResponse{StatusCode: 201, ProviderMessageID: "wamid-" + phoneNumber}, nil
		},
	}
	d, _ := testDispatcher(t, store, gw, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	<-started

	// A second trigger while the loop is mid-flight is a no-op.
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("re-entrant Run() error = %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := gw.callCount(); got != len(testRoster()) {
		t.Fatalf("gateway calls = %d, want %d (no duplicate sends)", got, len(testRoster()))
	}
}

func TestRunCancellationDrainsWithoutFurtherSends(t *testing.T) {
	t.Parallel()

	roster := []domain.RecipientProgress{
		{ID: "a", Name: "Ana", PhoneNumber: "1", Status: domain.ProgressPending},
		{ID: "b", Name: "Bia", PhoneNumber: "2", Status: domain.ProgressPending},
		{ID: "c", Name: "Caio", PhoneNumber: "3", Status: domain.ProgressPending},
		{ID: "d", Name: "Davi", PhoneNumber: "4", Status: domain.ProgressPending},
	}

	store := sending.NewStore()
	if err := store.StartBatch(roster, testBatchConfig(0, 0)); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	gw := &fakeGateway{}
	gw.sendTextFn = func(_ context.Context, _, phoneNumber, _ string) (*gateway.SendResponse, error) {
		// Operator cancels right after the second send resolves.
		if phoneNumber == "2" {
			defer store.Cancel()
		}
		return &gateway.SendResponse{StatusCode: 201, ProviderMessageID: "wamid-" + phoneNumber}, nil
	}

	d, _ := testDispatcher(t, store, gw, nil, nil, nil)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := gw.callCount(); got != 2 {
		t.Fatalf("gateway calls = %d, want 2 (never invoked for drained recipients)", got)
	}

	snapshot := store.Snapshot()
	byID := make(map[string]domain.RecipientProgress)
	for _, recipient := range snapshot.Recipients {
		byID[recipient.ID] = recipient
	}
	for _, id := range []string{"a", "b"} {
		if byID[id].Status != domain.ProgressSent {
			t.Fatalf("recipient %s status = %s, want sent (terminal before cancel unchanged)", id, byID[id].Status)
		}
	}
	for _, id := range []string{"c", "d"} {
		if byID[id].Status != domain.ProgressError {
			t.Fatalf("recipient %s status = %s, want error", id, byID[id].Status)
		}
		if byID[id].Error == nil || *byID[id].Error != sending.CancelledReason {
			t.Fatalf("recipient %s error = %v, want cancellation reason", id, byID[id].Error)
		}
	}
}

func TestRunConfigurationFailureAbortsWholeBatch(t *testing.T) {
	t.Parallel()

	store := sending.NewStore()
	config := testBatchConfig(0, 0)
	config.Category = "demanda_atualizada"
	if err := store.StartBatch(testRoster(), config); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	resolver := &fakeResolver{
		resolveFn: func(_ context.Context, category string) (*domain.ChannelConfig, error) {
			return &domain.ChannelConfig{Category: category, Enabled: false}, nil
		},
	}
	gw := &fakeGateway{}
	d, _ := testDispatcher(t, store, gw, resolver, nil, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := gw.callCount(); got != 0 {
		t.Fatalf("gateway calls = %d, want 0 on configuration failure", got)
	}

	snapshot := store.Snapshot()
	if snapshot.ErrorCount != snapshot.Total {
		t.Fatalf("errors = %d, want all %d", snapshot.ErrorCount, snapshot.Total)
	}
	var reason string
	for _, recipient := range snapshot.Recipients {
		if recipient.Error == nil {
			t.Fatalf("recipient %s missing systemic reason", recipient.ID)
		}
		if reason == "" {
			reason = *recipient.Error
		}
		if *recipient.Error != reason {
			t.Fatalf("reasons differ: %q vs %q", *recipient.Error, reason)
		}
	}
	if !strings.Contains(reason, "desabilitado") {
		t.Fatalf("reason = %q, want disabled-channel message", reason)
	}

	// The session must close like any other completed batch, otherwise a new
	// StartBatch keeps conflicting against the dead one.
	if store.IsActive() {
		t.Fatal("store should be finished after a systemic abort")
	}
}

func TestRunResumesForRecipientsAppendedDuringGrace(t *testing.T) {
	t.Parallel()

	store := sending.NewStore()
	if err := store.StartBatch(testRoster()[:1], testBatchConfig(0, 0)); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	gw := &fakeGateway{}
	d, _ := testDispatcher(t, store, gw, nil, nil, nil)

	appended := false
	baseSleep := d.sleep
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		// With zero delays the only pause in this batch is the completion
		// grace; land a notification right in the middle of it.
		if dur == d.finishGrace && !appended {
			appended = true
			late := domain.RecipientProgress{
				ID:          "z",
				Name:        "Zeca Dias",
				PhoneNumber: "5511999990009",
				Status:      domain.ProgressPending,
			}
			if err := store.Append(late); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}
		return baseSleep(ctx, dur)
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !appended {
		t.Fatal("grace period never reached")
	}

	snapshot := store.Snapshot()
	byID := make(map[string]domain.RecipientProgress)
	for _, recipient := range snapshot.Recipients {
		byID[recipient.ID] = recipient
	}
	if byID["z"].Status != domain.ProgressSent {
		t.Fatalf("late recipient status = %s, want sent", byID["z"].Status)
	}
	if snapshot.SentCount != 2 {
		t.Fatalf("sent = %d, want 2", snapshot.SentCount)
	}
	if got := gw.callCount(); got != 2 {
		t.Fatalf("gateway calls = %d, want 2", got)
	}
	if store.IsActive() {
		t.Fatal("store should be finished once the late recipient is processed")
	}
}

func TestRunRateLimitFailureIsLocalToRecipient(t *testing.T) {
	t.Parallel()

	store := sending.NewStore()
	if err := store.StartBatch(testRoster(), testBatchConfig(0, 0)); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	calls := 0
	limiter := &fakeLimiter{
		waitFn: func(context.Context, string) error {
			calls++
			if calls == 2 {
				return fmt.Errorf("janela cheia")
			}
			return nil
		},
	}
	gw := &fakeGateway{}
	d, _ := testDispatcher(t, store, gw, nil, nil, limiter)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snapshot := store.Snapshot()
	if snapshot.SentCount != 2 || snapshot.ErrorCount != 1 {
		t.Fatalf("snapshot = %d sent, %d errors; want 2/1", snapshot.SentCount, snapshot.ErrorCount)
	}
	for _, recipient := range snapshot.Recipients {
		if recipient.Status == domain.ProgressError {
			if recipient.Error == nil || !strings.Contains(*recipient.Error, "limite de envio excedido") {
				t.Fatalf("error = %v, want rate-limit reason", recipient.Error)
			}
		}
	}
}

func TestRunThrottleStaysWithinBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		randIntn func(n int) int
		minDelay int
		maxDelay int
		want     int
	}{
		{name: "lower bound", randIntn: func(int) int { return 0 }, minDelay: 2, maxDelay: 5, want: 2},
		{name: "upper bound", randIntn: func(n int) int { return n - 1 }, minDelay: 2, maxDelay: 5, want: 5},
		{name: "degenerate interval", randIntn: func(int) int { return 0 }, minDelay: 3, maxDelay: 3, want: 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			roster := []domain.RecipientProgress{
				{ID: "a", Name: "Ana", PhoneNumber: "1", Status: domain.ProgressPending},
				{ID: "b", Name: "Bia", PhoneNumber: "2", Status: domain.ProgressPending},
			}
			store := sending.NewStore()
			if err := store.StartBatch(roster, testBatchConfig(tt.minDelay, tt.maxDelay)); err != nil {
				t.Fatalf("StartBatch() error = %v", err)
			}

			var countdowns []int
			d, _ := testDispatcher(t, store, &fakeGateway{}, nil, nil, nil)
			d.randIntn = tt.randIntn
			baseSleep := d.sleep
			d.sleep = func(ctx context.Context, dur time.Duration) error {
				if snapshot := store.Snapshot(); snapshot.Active {
					for _, recipient := range snapshot.Recipients {
						if recipient.Countdown != nil {
							countdowns = append(countdowns, *recipient.Countdown)
						}
					}
				}
				return baseSleep(ctx, dur)
			}

			if err := d.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if len(countdowns) == 0 {
				t.Fatal("no countdown observed")
			}
			if countdowns[0] != tt.want {
				t.Fatalf("initial countdown = %d, want %d", countdowns[0], tt.want)
			}
			for _, remaining := range countdowns {
				if remaining < 0 || remaining > tt.want {
					t.Fatalf("countdown %d outside [0, %d]", remaining, tt.want)
				}
			}
		})
	}
}

func TestRunHostShutdownBehavesLikeCancel(t *testing.T) {
	t.Parallel()

	store := sending.NewStore()
	if err := store.StartBatch(testRoster(), testBatchConfig(0, 0)); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gw := &fakeGateway{}
	d, _ := testDispatcher(t, store, gw, nil, nil, nil)

	if err := d.Run(ctx); err != context.Canceled {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got := gw.callCount(); got != 0 {
		t.Fatalf("gateway calls = %d, want 0 after shutdown", got)
	}

	snapshot := store.Snapshot()
	if !snapshot.Cancelled {
		t.Fatal("store should be cancelled on host shutdown")
	}
	if snapshot.ErrorCount != snapshot.Total {
		t.Fatalf("errors = %d, want all %d drained", snapshot.ErrorCount, snapshot.Total)
	}
}

func TestRunSendsAttachmentsThroughMediaEndpoint(t *testing.T) {
	t.Parallel()

	roster := []domain.RecipientProgress{
		{
			ID:          "a",
			Name:        "Ana Souza",
			PhoneNumber: "5511999990001",
			Status:      domain.ProgressPending,
			Attachments: []domain.Attachment{
				{URL: "https://files.example.org/oficio.pdf", MimeType: "application/pdf", FileName: "oficio.pdf"},
				{URL: "https://files.example.org/mapa.png", MimeType: "image/png", FileName: "mapa.png"},
			},
		},
	}

	store := sending.NewStore()
	if err := store.StartBatch(roster, testBatchConfig(0, 0)); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	var captions []string
	gw := &fakeGateway{}
	gw.sendMediaFn = func(_ context.Context, _, phoneNumber, caption string, _ domain.Attachment) (*gateway.SendResponse, error) {
		captions = append(captions, caption)
		return &gateway.SendResponse{StatusCode: 201, ProviderMessageID: "wamid-" + phoneNumber}, nil
	}

	d, _ := testDispatcher(t, store, gw, nil, nil, nil)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(captions) != 2 {
		t.Fatalf("media sends = %d, want 2", len(captions))
	}
	if captions[0] != "Olá Ana Souza!" {
		t.Fatalf("first caption = %q, want rendered message", captions[0])
	}
	if captions[1] != "" {
		t.Fatalf("second caption = %q, want empty (message rides the first attachment)", captions[1])
	}
}

func TestRunPartialAttachmentFailureKeepsFirstRecord(t *testing.T) {
	t.Parallel()

	roster := []domain.RecipientProgress{
		{
			ID:          "a",
			Name:        "Ana Souza",
			PhoneNumber: "5511999990001",
			Status:      domain.ProgressPending,
			Attachments: []domain.Attachment{
				{URL: "https://files.example.org/oficio.pdf", MimeType: "application/pdf", FileName: "oficio.pdf"},
				{URL: "https://files.example.org/mapa.png", MimeType: "image/png", FileName: "mapa.png"},
			},
		},
	}

	store := sending.NewStore()
	if err := store.StartBatch(roster, testBatchConfig(0, 0)); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	mediaCalls := 0
	gw := &fakeGateway{}
	gw.sendMediaFn = func(_ context.Context, _, _, _ string, _ domain.Attachment) (*gateway.SendResponse, error) {
		mediaCalls++
		if mediaCalls > 1 {
			return nil, fmt.Errorf("upload rejeitado")
		}
		return &gateway.SendResponse{StatusCode: 201, ProviderMessageID: "wamid-first"}, nil
	}

	records := &fakeRecorder{}
	d, _ := testDispatcher(t, store, gw, nil, records, nil)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snapshot := store.Snapshot()
	recipient := snapshot.Recipients[0]
	if recipient.Status != domain.ProgressError {
		t.Fatalf("status = %s, want error for the failed attachment", recipient.Status)
	}
	if recipient.Error == nil || !strings.Contains(*recipient.Error, "upload rejeitado") {
		t.Fatalf("error = %v, want upload failure", recipient.Error)
	}

	// The first message was accepted by the provider, so its delivery
	// callbacks must still find a record.
	records.mu.Lock()
	defer records.mu.Unlock()
	if len(records.records) != 1 {
		t.Fatalf("delivery records = %d, want 1", len(records.records))
	}
	if records.records[0].ProviderMessageID != "wamid-first" {
		t.Fatalf("record id = %s, want wamid-first", records.records[0].ProviderMessageID)
	}
	if records.records[0].Status != domain.DeliverySent {
		t.Fatalf("record status = %s, want sent", records.records[0].Status)
	}
}

func TestRunNoopWhenStoreInactive(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	d, _ := testDispatcher(t, sending.NewStore(), gw, nil, nil, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := gw.callCount(); got != 0 {
		t.Fatalf("gateway calls = %d, want 0", got)
	}
}
