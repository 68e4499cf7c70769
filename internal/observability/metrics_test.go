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

	metrics.IncMessageSent("MockTest", "SMS")
	metrics.IncMessageFailed("twilio", "rate_limit")
	metrics.ObserveProviderSendDuration("twilio", 120*time.Millisecond)
	metrics.IncWorkerInFlight("dispatch.send")
	metrics.DecWorkerInFlight("dispatch.send")
	metrics.IncRetryScheduled("twilio")
	metrics.AddBatchMessages("sent", 50)
	metrics.AddBatchMessages("failed", 0)
	metrics.IncWebhook("smsmisr", "rejected")
	metrics.IncProviderFallback("smsmisr", "twilio")

	if got := testutil.ToFloat64(metrics.messagesSentTotal.WithLabelValues("mocktest", "sms")); got != 1 {
		t.Fatalf("messages_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.messagesFailedTotal.WithLabelValues("twilio", "rate_limit")); got != 1 {
		t.Fatalf("messages_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues("twilio")); got != 1 {
		t.Fatalf("retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.workerInflight.WithLabelValues("dispatch.send")); got != 0 {
		t.Fatalf("worker_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.batchMessagesTotal.WithLabelValues("sent")); got != 50 {
		t.Fatalf("batch_messages_processed_total = %v, want 50", got)
	}
	if got := testutil.ToFloat64(metrics.webhooksTotal.WithLabelValues("smsmisr", "rejected")); got != 1 {
		t.Fatalf("webhooks_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.providerFallbacksTotal.WithLabelValues("smsmisr", "twilio")); got != 1 {
		t.Fatalf("provider_fallbacks_total = %v, want 1", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncMessageSent("a", "b")
	metrics.IncMessageFailed("a", "b")
	metrics.IncWebhook("a", "b")
	metrics.AddBatchMessages("sent", 1)
	if metrics.Handler() == nil {
		t.Fatal("nil metrics should still expose a handler")
	}
}

func TestMetricsHTTPMiddleware(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	app.Post("/v1/webhooks/:provider", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/livez", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, err := app.Test(httptest.NewRequest("POST", "/v1/webhooks/twilio", nil)); err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("POST", "/v1/webhooks/:provider", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1 for route template", got)
	}
}
