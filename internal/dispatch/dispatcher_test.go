package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"github.com/kursadbilgin/message-dispatch/internal/provider/mocktest"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
)

type fakeConsent struct {
	granted bool
	err     error
	calls   int
}

func (f *fakeConsent) HasConsent(context.Context, string, domain.MessageType) (bool, error) {
	f.calls++
	return f.granted, f.err
}

type recordingLimiter struct {
	ratelimit.Noop
	keys []string
	ns   []int
}

func (r *recordingLimiter) Wait(_ context.Context, key string, _ ratelimit.Limits, n int) error {
	r.keys = append(r.keys, key)
	r.ns = append(r.ns, n)
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	primary    *mocktest.Adapter
	bulk       *mocktest.Adapter
	consent    *fakeConsent
	limiter    *recordingLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := provider.NewRegistry(0, nil)
	f := &fixture{consent: &fakeConsent{granted: true}, limiter: &recordingLimiter{}}

	defs := []config.ProviderDefinition{
		{
			Name:          "primary",
			Driver:        mocktest.Driver,
			Priority:      1,
			Channels:      []string{"SMS", "OTP"},
			Capabilities:  []string{provider.CapabilitySend},
			MaxRecipients: 1,
			RateLimits:    config.RateLimits{PerMinute: 100},
			Config:        map[string]string{"cost": "0.02"},
		},
		{
			Name:          "bulk",
			Driver:        mocktest.Driver,
			Priority:      2,
			Channels:      []string{"SMS"},
			Capabilities:  []string{provider.CapabilitySend, provider.CapabilityBulkMessaging},
			MaxRecipients: 3,
			RateLimits:    config.RateLimits{PerMinute: 2},
		},
	}
	for _, def := range defs {
		factory := func(def config.ProviderDefinition, deps provider.Dependencies) (provider.Adapter, error) {
			adapter, err := mocktest.NewAdapter(def, deps)
			if err != nil {
				return nil, err
			}
			if def.Name == "primary" {
				f.primary = adapter
			} else {
				f.bulk = adapter
			}
			return adapter, nil
		}
		if err := registry.Register(def, factory, provider.Dependencies{}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	d, err := NewDispatcher(registry, f.consent, f.limiter, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	f.dispatcher = d
	return f
}

func sms(id string, metadata map[string]string) provider.SendMessageData {
	return provider.SendMessageData{
		MessageID: id,
		Channel:   domain.ChannelSMS,
		Type:      domain.MessageTypeTransactional,
		Recipient: "+201001234567",
		Body:      "hello",
		Metadata:  metadata,
	}
}

func TestSend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		preferred    string
		data         func() provider.SendMessageData
		wantSuccess  bool
		wantCategory domain.ErrorCategory
		wantCode     string
		wantProvider string
		wantCalls    int64
	}{
		{
			name:         "success",
			preferred:    "primary",
			data:         func() provider.SendMessageData { return sms("m-1", nil) },
			wantSuccess:  true,
			wantCategory: domain.CategorySuccess,
			wantProvider: "primary",
			wantCalls:    1,
		},
		{
			name:         "transport fault",
			preferred:    "primary",
			data:         func() provider.SendMessageData { return sms("m-2", map[string]string{mocktest.MetaSimulateTransport: mocktest.TransportTimeout}) },
			wantCategory: domain.CategoryTransport,
			wantCode:     provider.CodeTimeout,
			wantProvider: "primary",
			wantCalls:    1,
		},
		{
			name:         "business failure",
			preferred:    "primary",
			data:         func() provider.SendMessageData { return sms("m-3", map[string]string{mocktest.MetaSimulateCode: mocktest.CodeNoCredit}) },
			wantCategory: domain.CategoryInsufficientCredit,
			wantCode:     mocktest.CodeNoCredit,
			wantProvider: "primary",
			wantCalls:    1,
		},
		{
			name:      "invalid recipient never reaches provider",
			preferred: "primary",
			data: func() provider.SendMessageData {
				data := sms("m-4", nil)
				data.Recipient = "not-a-number"
				return data
			},
			wantCategory: domain.CategoryValidation,
			wantCode:     provider.CodeInvalidRequest,
		},
		{
			name:      "no provider for channel",
			preferred: "",
			data: func() provider.SendMessageData {
				data := sms("m-5", nil)
				data.Channel = domain.ChannelWhatsApp
				return data
			},
			wantCategory: domain.CategoryTransport,
			wantCode:     provider.CodeNoProviderAvailable,
		},
		{
			name:         "unknown preferred provider",
			preferred:    "nexmo",
			data:         func() provider.SendMessageData { return sms("m-6", nil) },
			wantCategory: domain.CategoryConfiguration,
			wantCode:     provider.CodeInvalidRequest,
			wantProvider: "nexmo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			resp, err := f.dispatcher.Send(context.Background(), tt.preferred, tt.data())
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if resp.Success != tt.wantSuccess {
				t.Fatalf("Send() success = %v, want %v (%+v)", resp.Success, tt.wantSuccess, resp)
			}
			if resp.Category != tt.wantCategory {
				t.Fatalf("Send() category = %s, want %s", resp.Category, tt.wantCategory)
			}
			if resp.ErrorCode != tt.wantCode {
				t.Fatalf("Send() code = %q, want %q", resp.ErrorCode, tt.wantCode)
			}
			if resp.ProviderID != tt.wantProvider {
				t.Fatalf("Send() provider = %q, want %q", resp.ProviderID, tt.wantProvider)
			}
			if got := f.primary.Calls(); got != tt.wantCalls {
				t.Fatalf("provider calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantSuccess {
				if resp.Status != domain.StatusSent || resp.ProviderMessageID == "" || resp.SentAt == nil {
					t.Fatalf("Send() = %+v, want SENT with provider id and timestamp", resp)
				}
				if resp.Cost == nil || *resp.Cost != 0.02 {
					t.Fatalf("Send() cost = %v, want 0.02", resp.Cost)
				}
			}
		})
	}
}

func TestSendMarketingRequiresConsent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.consent.granted = false

	data := sms("m-1", nil)
	data.Type = domain.MessageTypeMarketing

	resp, err := f.dispatcher.Send(context.Background(), "primary", data)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.Success || resp.ErrorCode != provider.CodeConsentMissing {
		t.Fatalf("Send() = %+v, want CONSENT_MISSING failure", resp)
	}
	if f.primary.Calls() != 0 {
		t.Fatal("provider must not be called without consent")
	}

	data.Type = domain.MessageTypeTransactional
	if _, err := f.dispatcher.Send(context.Background(), "primary", data); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if f.consent.calls != 1 {
		t.Fatalf("consent lookups = %d, want 1 (transactional skips the gate)", f.consent.calls)
	}
}

func TestSendConsentStoreErrorIsReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.consent.err = errors.New("db down")

	data := sms("m-1", nil)
	data.Type = domain.MessageTypeMarketing
	if _, err := f.dispatcher.Send(context.Background(), "primary", data); err == nil {
		t.Fatal("Send() error = nil, want consent store error")
	}
}

func TestSendWaitsForProviderRateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.dispatcher.Send(context.Background(), "primary", sms("m-1", nil)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(f.limiter.keys) != 1 || f.limiter.keys[0] != "provider:primary" || f.limiter.ns[0] != 1 {
		t.Fatalf("limiter calls = %v %v", f.limiter.keys, f.limiter.ns)
	}
}

func TestSendBulk(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	invalid := sms("m-2", nil)
	invalid.Body = ""
	data := []provider.SendMessageData{
		sms("m-1", nil),
		invalid,
		sms("m-3", map[string]string{mocktest.MetaSimulateCode: mocktest.CodeInvalidNumber}),
	}

	responses, err := f.dispatcher.SendBulk(context.Background(), "bulk", data)
	if err != nil {
		t.Fatalf("SendBulk() error = %v", err)
	}
	if len(responses) != len(data) {
		t.Fatalf("SendBulk() len = %d, want %d", len(responses), len(data))
	}
	if !responses[0].Success {
		t.Fatalf("responses[0] = %+v, want success", responses[0])
	}
	if responses[1].Category != domain.CategoryValidation {
		t.Fatalf("responses[1] category = %s, want validation", responses[1].Category)
	}
	if responses[2].Category != domain.CategoryInvalidRecipient {
		t.Fatalf("responses[2] category = %s, want invalid_recipient", responses[2].Category)
	}
	if f.bulk.Calls() != 1 {
		t.Fatalf("bulk calls = %d, want 1", f.bulk.Calls())
	}
	if len(f.limiter.ns) != 1 || f.limiter.ns[0] != 2 {
		t.Fatalf("limiter takes = %v, want [2]", f.limiter.ns)
	}
}

func TestSendBulkTransportFaultFailsEveryItem(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	data := []provider.SendMessageData{
		sms("m-1", nil),
		sms("m-2", map[string]string{mocktest.MetaSimulateTransport: mocktest.TransportConnection}),
	}

	responses, err := f.dispatcher.SendBulk(context.Background(), "bulk", data)
	if err != nil {
		t.Fatalf("SendBulk() error = %v", err)
	}
	for i, resp := range responses {
		if resp.Success || resp.Category != domain.CategoryTransport || resp.ErrorCode != provider.CodeTransport {
			t.Fatalf("responses[%d] = %+v, want transport failure", i, resp)
		}
	}
}

func TestSendBulkUnsupported(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.dispatcher.SendBulk(context.Background(), "primary", []provider.SendMessageData{sms("m-1", nil)})
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("SendBulk() error = %v, want ErrUnsupported", err)
	}

	_, err = f.dispatcher.SendBulk(context.Background(), "bulk", []provider.SendMessageData{
		sms("a", nil), sms("b", nil), sms("c", nil), sms("d", nil),
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("SendBulk() error = %v, want ErrValidation for oversized bulk", err)
	}
}
