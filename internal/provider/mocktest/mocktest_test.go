package mocktest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
)

func newAdapter(t *testing.T, settings map[string]string, capabilities ...string) *Adapter {
	t.Helper()

	if len(capabilities) == 0 {
		capabilities = []string{provider.CapabilitySend}
	}
	if settings == nil {
		settings = map[string]string{}
	}
	adapter, err := NewAdapter(config.ProviderDefinition{
		Name:          "mocktest",
		Driver:        Driver,
		Channels:      []string{"SMS"},
		Capabilities:  capabilities,
		MaxRecipients: 3,
		Config:        settings,
	}, provider.Dependencies{})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	return adapter
}

func message(metadata map[string]string) provider.SendMessageData {
	return provider.SendMessageData{
		MessageID: "m-1",
		Channel:   domain.ChannelSMS,
		Type:      domain.MessageTypeTransactional,
		Recipient: "+15550001111",
		Body:      "hello",
		Metadata:  metadata,
	}
}

func TestSendSuccessCode(t *testing.T) {
	t.Parallel()

	adapter := newAdapter(t, map[string]string{"response_code": CodeOK, "cost": "0.05"})
	resp, err := adapter.Send(context.Background(), message(nil))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !resp.Success || resp.Status != domain.StatusSent {
		t.Fatalf("Send() = %+v, want SENT", resp)
	}
	if !strings.HasPrefix(resp.ProviderMessageID, providerIDPrefix) {
		t.Fatalf("ProviderMessageID = %q", resp.ProviderMessageID)
	}
	if resp.Cost == nil || *resp.Cost != 0.05 {
		t.Fatalf("Cost = %v, want 0.05", resp.Cost)
	}
	if adapter.Calls() != 1 {
		t.Fatalf("Calls() = %d, want 1", adapter.Calls())
	}
}

func TestSendSimulatedCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want domain.ErrorCategory
	}{
		{code: CodeInvalidNumber, want: domain.CategoryInvalidRecipient},
		{code: CodeNoCredit, want: domain.CategoryInsufficientCredit},
		{code: CodeBusy, want: domain.CategoryTemporary},
		{code: CodeThrottled, want: domain.CategoryRateLimit},
		{code: "WHATEVER", want: domain.CategoryUnknown},
	}

	adapter := newAdapter(t, map[string]string{"retry_after_seconds": "120"})
	for _, tt := range tests {
		resp, err := adapter.Send(context.Background(), message(map[string]string{MetaSimulateCode: tt.code}))
		if err != nil {
			t.Fatalf("Send(%s) error = %v", tt.code, err)
		}
		if resp.Success || resp.Category != tt.want || resp.ErrorCode != tt.code {
			t.Fatalf("Send(%s) = %+v, want %s", tt.code, resp, tt.want)
		}
		if tt.code == CodeThrottled && resp.RetryAfter.Seconds() != 120 {
			t.Fatalf("RetryAfter = %s, want 2m", resp.RetryAfter)
		}
	}
}

func TestSendSimulatedTransport(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind     string
		wantCode string
	}{
		{kind: TransportTimeout, wantCode: provider.CodeTimeout},
		{kind: TransportConnection, wantCode: provider.CodeTransport},
		{kind: TransportMalformed, wantCode: provider.CodeMalformedResponse},
	}

	adapter := newAdapter(t, nil)
	for _, tt := range tests {
		_, err := adapter.Send(context.Background(), message(map[string]string{MetaSimulateTransport: tt.kind}))
		transportErr, ok := provider.AsTransport(err)
		if !ok {
			t.Fatalf("Send(%s) error = %v, want transport error", tt.kind, err)
		}
		if transportErr.Code() != tt.wantCode {
			t.Fatalf("Code() = %s, want %s", transportErr.Code(), tt.wantCode)
		}
	}
}

func TestSendHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	adapter := newAdapter(t, map[string]string{"latency_ms": "1000"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := adapter.Send(ctx, message(nil)); !provider.IsTransport(err) {
		t.Fatalf("Send() error = %v, want transport error", err)
	}
}

func TestSendBulk(t *testing.T) {
	t.Parallel()

	t.Run("unsupported without capability", func(t *testing.T) {
		t.Parallel()

		adapter := newAdapter(t, nil)
		if _, err := adapter.SendBulk(context.Background(), []provider.SendMessageData{message(nil)}); !errors.Is(err, domain.ErrUnsupported) {
			t.Fatalf("SendBulk() error = %v, want ErrUnsupported", err)
		}
	})

	t.Run("per item outcomes", func(t *testing.T) {
		t.Parallel()

		adapter := newAdapter(t, nil, provider.CapabilitySend, provider.CapabilityBulkMessaging)
		responses, err := adapter.SendBulk(context.Background(), []provider.SendMessageData{
			message(nil),
			message(map[string]string{MetaSimulateCode: CodeInvalidNumber}),
		})
		if err != nil {
			t.Fatalf("SendBulk() error = %v", err)
		}
		if len(responses) != 2 || !responses[0].Success || responses[1].Category != domain.CategoryInvalidRecipient {
			t.Fatalf("SendBulk() = %+v", responses)
		}
		if adapter.Calls() != 1 {
			t.Fatalf("Calls() = %d, want one request for the bulk", adapter.Calls())
		}
	})

	t.Run("over max recipients", func(t *testing.T) {
		t.Parallel()

		adapter := newAdapter(t, nil, provider.CapabilityBulkMessaging)
		data := []provider.SendMessageData{message(nil), message(nil), message(nil), message(nil)}
		if _, err := adapter.SendBulk(context.Background(), data); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("SendBulk() error = %v, want ErrValidation", err)
		}
	})
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	adapter := newAdapter(t, map[string]string{"webhook_secret": "s3cret"})
	payload := []byte(`{"message_id":"mock-1","status":"FAILED","error_code":"INVALID_NUMBER","occurred_at":"2026-03-01T08:00:00Z"}`)

	if !adapter.VerifyWebhook(provider.WebhookRequest{Payload: payload, Headers: map[string]string{SignatureHeader: adapter.SignWebhook(payload)}}) {
		t.Fatal("VerifyWebhook() = false for signed payload")
	}
	if adapter.VerifyWebhook(provider.WebhookRequest{Payload: payload, Signature: "deadbeef"}) {
		t.Fatal("VerifyWebhook() = true for bad signature")
	}

	event, err := adapter.ProcessWebhook(provider.WebhookRequest{Payload: payload})
	if err != nil {
		t.Fatalf("ProcessWebhook() error = %v", err)
	}
	if event.Status != domain.StatusFailed || event.ErrorMessage != "Recipient number is invalid" {
		t.Fatalf("ProcessWebhook() = %+v", event)
	}

	if _, err := adapter.ProcessWebhook(provider.WebhookRequest{Payload: []byte(`not json`)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("ProcessWebhook() error = %v, want ErrValidation", err)
	}
}

func TestNewAdapterRejectsBadNumbers(t *testing.T) {
	t.Parallel()

	_, err := NewAdapter(config.ProviderDefinition{Name: "m", Config: map[string]string{"cost": "free"}}, provider.Dependencies{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("NewAdapter() error = %v, want ErrValidation", err)
	}
}
