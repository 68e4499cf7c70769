package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"github.com/kursadbilgin/message-dispatch/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookIntegration_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	ingestor := &stubIngestor{result: webhook.Result{Accepted: true, Reason: webhook.ReasonProcessed, HTTPStatus: http.StatusOK, WebhookID: "w-1"}}
	app := newTestApp()
	require.NoError(t, RegisterWebhookRoutes(app, ingestor, "https://hooks.example.com/"))

	resp, body := performRequestWithHeaders(t, app, http.MethodPost, "/v1/webhooks/twilio?signature=abc",
		"MessageSid=SM1&MessageStatus=delivered",
		map[string]string{
			fiber.HeaderContentType: fiber.MIMEApplicationForm,
			"X-Twilio-Signature":    "sig-header",
		})

	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"accepted":true,"reason":"processed","duplicate":false,"webhookId":"w-1"}`, string(body))

	got := ingestor.last()
	assert.Equal(t, "twilio", got.Provider)
	assert.Equal(t, "MessageSid=SM1&MessageStatus=delivered", string(got.Payload))
	assert.Equal(t, "abc", got.Signature)
	assert.Equal(t, "https://hooks.example.com/v1/webhooks/twilio?signature=abc", got.URL)
	assert.Equal(t, "sig-header", provider.WebhookRequest{Headers: got.Headers}.Header("X-Twilio-Signature"))
}

func TestWebhookIntegration_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result webhook.Result
		err    error
		want   int
	}{
		{name: "processed", result: webhook.Result{Accepted: true, Reason: webhook.ReasonProcessed, HTTPStatus: http.StatusOK}, want: fiber.StatusOK},
		{name: "duplicate", result: webhook.Result{Accepted: true, Duplicate: true, Reason: webhook.ReasonDuplicate, HTTPStatus: http.StatusOK}, want: fiber.StatusOK},
		{name: "bad signature", result: webhook.Result{Reason: webhook.ReasonInvalidSig, HTTPStatus: http.StatusUnauthorized}, want: fiber.StatusUnauthorized},
		{name: "malformed", result: webhook.Result{Reason: webhook.ReasonMalformed, HTTPStatus: http.StatusBadRequest}, want: fiber.StatusBadRequest},
		{name: "unknown provider", result: webhook.Result{Reason: webhook.ReasonUnknownProvider, HTTPStatus: http.StatusNotFound}, want: fiber.StatusNotFound},
		{name: "storage failure", err: errors.New("database down"), want: fiber.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := newTestApp()
			require.NoError(t, RegisterWebhookRoutes(app, &stubIngestor{result: tt.result, err: tt.err}, ""))

			resp, body := performRequest(t, app, http.MethodPost, "/v1/webhooks/smsmisr", `{"SMSID":"1"}`)
			assert.Equal(t, tt.want, resp.StatusCode, string(body))
		})
	}
}

func TestWebhookIntegration_RequiresIngestor(t *testing.T) {
	t.Parallel()

	err := RegisterWebhookRoutes(newTestApp(), nil, "")
	require.Error(t, err)
}

func TestProviderIntegration_ListAndBalance(t *testing.T) {
	t.Parallel()

	dir := &stubDirectory{
		defs: []config.ProviderDefinition{
			{Name: "twilio", Driver: "twilio", Priority: 1, Channels: []string{"SMS", "WHATSAPP"}, Capabilities: []string{"send", "balance"}, Config: map[string]string{"auth_token": "secret"}},
			{Name: "smsmisr", Driver: "smsmisr", Priority: 2, Channels: []string{"SMS"}},
		},
		balances: map[string]provider.Balance{"twilio": {Provider: "twilio", Amount: 12.5, Currency: "USD"}},
	}
	app := newTestApp()
	require.NoError(t, RegisterProviderRoutes(app, dir))

	resp, body := performRequest(t, app, http.MethodGet, "/v1/providers", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"twilio"`)
	assert.Contains(t, string(body), `"name":"smsmisr"`)
	assert.NotContains(t, string(body), "secret")

	resp, body = performRequest(t, app, http.MethodGet, "/v1/providers/Twilio/balance", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"provider":"twilio","amount":12.5,"currency":"USD"}`, string(body))

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/providers/smsmisr/balance", "")
	assert.Equal(t, fiber.StatusNotImplemented, resp.StatusCode)

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/providers/ghost/balance", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/providers/flaky/balance", "")
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
}

type stubIngestor struct {
	mu       sync.Mutex
	result   webhook.Result
	err      error
	received []webhook.Request
}

func (s *stubIngestor) Ingest(_ context.Context, req webhook.Request) (webhook.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, req)
	return s.result, s.err
}

func (s *stubIngestor) last() webhook.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		return webhook.Request{}
	}
	return s.received[len(s.received)-1]
}

type stubDirectory struct {
	defs     []config.ProviderDefinition
	balances map[string]provider.Balance
}

func (s *stubDirectory) Definitions() []config.ProviderDefinition { return s.defs }

func (s *stubDirectory) Balance(_ context.Context, name string) (provider.Balance, error) {
	if b, ok := s.balances[name]; ok {
		return b, nil
	}
	switch name {
	case "flaky":
		return provider.Balance{}, &provider.TransportError{StatusCode: http.StatusBadGateway, Message: "upstream reset"}
	case "ghost":
		return provider.Balance{}, fmt.Errorf("%w: provider %q", domain.ErrNotFound, name)
	}
	return provider.Balance{}, fmt.Errorf("%w: %s does not report balance", domain.ErrUnsupported, name)
}
