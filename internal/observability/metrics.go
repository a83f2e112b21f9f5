package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API, the dispatch loop
// and the delivery reconciler.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDuration         *prometheus.HistogramVec
	messagesSentTotal           *prometheus.CounterVec
	messagesFailedTotal         *prometheus.CounterVec
	sendDuration                *prometheus.HistogramVec
	deliveryEventsTotal         *prometheus.CounterVec
	deliveryEventsDiscarded     *prometheus.CounterVec
	reactionsSentTotal          *prometheus.CounterVec
	batchRecipientsPendingGauge prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gabinete_dispatcher",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gabinete_dispatcher",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		messagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gabinete_dispatcher",
				Name:      "messages_sent_total",
				Help:      "Total number of messages the provider accepted, per instance.",
			},
			[]string{"instance"},
		),
		messagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gabinete_dispatcher",
				Name:      "messages_failed_total",
				Help:      "Total number of per-recipient send failures, per instance and reason.",
			},
			[]string{"instance", "reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gabinete_dispatcher",
				Name:      "send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by instance.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"instance"},
		),
		deliveryEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gabinete_dispatcher",
				Name:      "delivery_events_total",
				Help:      "Total number of delivery callbacks applied, per canonical status.",
			},
			[]string{"status"},
		),
		deliveryEventsDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gabinete_dispatcher",
				Name:      "delivery_events_discarded_total",
				Help:      "Total number of delivery callbacks discarded, per reason.",
			},
			[]string{"reason"},
		),
		reactionsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gabinete_dispatcher",
				Name:      "reactions_sent_total",
				Help:      "Total number of automatic reactions attempted, per outcome.",
			},
			[]string{"outcome"},
		),
		batchRecipientsPendingGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gabinete_dispatcher",
				Name:      "batch_recipients_pending",
				Help:      "Recipients of the current batch still waiting for their send.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.messagesSentTotal,
		m.messagesFailedTotal,
		m.sendDuration,
		m.deliveryEventsTotal,
		m.deliveryEventsDiscarded,
		m.reactionsSentTotal,
		m.batchRecipientsPendingGauge,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncMessageSent(instance string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(normalizeLabel(instance)).Inc()
}

func (m *Metrics) IncMessageFailed(instance string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.messagesFailedTotal.WithLabelValues(normalizeLabel(instance), reasonLabel).Inc()
}

func (m *Metrics) ObserveSendDuration(instance string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(instance)).Observe(seconds)
}

func (m *Metrics) IncDeliveryEvent(status string) {
	if m == nil {
		return
	}
	m.deliveryEventsTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncDeliveryEventDiscarded(reason string) {
	if m == nil {
		return
	}
	m.deliveryEventsDiscarded.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncReaction(outcome string) {
	if m == nil {
		return
	}
	m.reactionsSentTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) SetBatchPending(count int) {
	if m == nil {
		return
	}
	m.batchRecipientsPendingGauge.Set(float64(count))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
