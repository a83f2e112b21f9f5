package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDispatchCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncMessageSent("Gabinete-Principal")
	metrics.IncMessageFailed("gabinete-principal", "permanent_error")
	metrics.ObserveSendDuration("gabinete-principal", 120*time.Millisecond)
	metrics.IncDeliveryEvent("delivered")
	metrics.IncDeliveryEventDiscarded("stale_rank")
	metrics.IncReaction("sent")
	metrics.SetBatchPending(4)

	if got := testutil.ToFloat64(metrics.messagesSentTotal.WithLabelValues("gabinete-principal")); got != 1 {
		t.Fatalf("messages_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.messagesFailedTotal.WithLabelValues("gabinete-principal", "permanent_error")); got != 1 {
		t.Fatalf("messages_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveryEventsTotal.WithLabelValues("delivered")); got != 1 {
		t.Fatalf("delivery_events_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveryEventsDiscarded.WithLabelValues("stale_rank")); got != 1 {
		t.Fatalf("delivery_events_discarded_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchRecipientsPendingGauge); got != 4 {
		t.Fatalf("batch_recipients_pending = %v, want 4", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
