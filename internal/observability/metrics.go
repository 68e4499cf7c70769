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

const metricsNamespace = "message_dispatch"

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	messagesSentTotal      *prometheus.CounterVec
	messagesFailedTotal    *prometheus.CounterVec
	providerSendDuration   *prometheus.HistogramVec
	workerInflight         *prometheus.GaugeVec
	retryScheduledTotal    *prometheus.CounterVec
	batchMessagesTotal     *prometheus.CounterVec
	webhooksTotal          *prometheus.CounterVec
	providerFallbacksTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		messagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_sent_total",
				Help:      "Total number of messages acknowledged by a provider.",
			},
			[]string{"provider", "channel"},
		),
		messagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_failed_total",
				Help:      "Total number of failed send attempts by provider and error category.",
			},
			[]string{"provider", "category"},
		),
		providerSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "provider_send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by provider.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"provider"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "worker_inflight",
				Help:      "Current number of in-flight worker jobs grouped by queue.",
			},
			[]string{"queue"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of messages scheduled for retry.",
			},
			[]string{"provider"},
		),
		batchMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "batch_messages_processed_total",
				Help:      "Total number of batch messages settled, by result.",
			},
			[]string{"result"},
		),
		webhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "webhooks_total",
				Help:      "Total number of delivery webhooks received, by provider and result.",
			},
			[]string{"provider", "result"},
		),
		providerFallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "provider_fallbacks_total",
				Help:      "Total number of sends routed away from the preferred provider.",
			},
			[]string{"from", "to"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.messagesSentTotal,
		m.messagesFailedTotal,
		m.providerSendDuration,
		m.workerInflight,
		m.retryScheduledTotal,
		m.batchMessagesTotal,
		m.webhooksTotal,
		m.providerFallbacksTotal,
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
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncMessageSent(provider string, channel string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncMessageFailed(provider string, category string) {
	if m == nil {
		return
	}
	m.messagesFailedTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(category)).Inc()
}

func (m *Metrics) ObserveProviderSendDuration(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.providerSendDuration.WithLabelValues(normalizeLabel(provider)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(queue string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(queue)).Inc()
}

func (m *Metrics) DecWorkerInFlight(queue string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(queue)).Dec()
}

func (m *Metrics) IncRetryScheduled(provider string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) AddBatchMessages(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchMessagesTotal.WithLabelValues(normalizeLabel(result)).Add(float64(n))
}

func (m *Metrics) IncWebhook(provider string, result string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(result)).Inc()
}

func (m *Metrics) IncProviderFallback(from string, to string) {
	if m == nil {
		return
	}
	m.providerFallbacksTotal.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
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
