// Package mocktest is an in-process provider with deterministic, configurable
// outcomes. It backs local environments and end-to-end tests.
package mocktest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
)

const Driver = "mocktest"

// Per-message metadata keys that override the configured outcome.
const (
	MetaSimulateCode      = "simulate_code"
	MetaSimulateTransport = "simulate_transport"
)

// Transport faults selectable through MetaSimulateTransport.
const (
	TransportTimeout    = "timeout"
	TransportConnection = "connection"
	TransportMalformed  = "malformed"
)

const (
	CodeOK            = "OK"
	CodeInvalidNumber = "INVALID_NUMBER"
	CodeNoCredit      = "NO_CREDIT"
	CodeAuthFailed    = "AUTH_FAILED"
	CodeBadSender     = "BAD_SENDER"
	CodeBadRequest    = "BAD_REQUEST"
	CodeBusy          = "BUSY"
	CodeThrottled     = "THROTTLED"
)

const (
	SignatureHeader  = "X-Mock-Signature"
	defaultCost      = 0.01
	defaultBalance   = 100.0
	providerIDPrefix = "mock-"
)

var DefaultCodes = map[string]provider.CodeInfo{
	CodeOK:            {Message: "Accepted", Category: domain.CategorySuccess},
	CodeInvalidNumber: {Message: "Recipient number is invalid", Category: domain.CategoryInvalidRecipient},
	CodeNoCredit:      {Message: "Account balance exhausted", Category: domain.CategoryInsufficientCredit},
	CodeAuthFailed:    {Message: "Credentials rejected", Category: domain.CategoryAuthentication},
	CodeBadSender:     {Message: "Sender id not allowed", Category: domain.CategoryConfiguration},
	CodeBadRequest:    {Message: "Request rejected", Category: domain.CategoryValidation},
	CodeBusy:          {Message: "Provider busy", Category: domain.CategoryTemporary},
	CodeThrottled:     {Message: "Throughput exceeded", Category: domain.CategoryRateLimit},
}

type deliveryReport struct {
	MessageID  string `json:"message_id"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	OccurredAt string `json:"occurred_at,omitempty"`
}

// Adapter simulates a provider.
type Adapter struct {
	*provider.Base

	responseCode  string
	cost          float64
	balance       float64
	latency       time.Duration
	retryAfter    time.Duration
	webhookSecret string

	calls atomic.Int64
}

var _ provider.Adapter = (*Adapter)(nil)

func New(def config.ProviderDefinition, deps provider.Dependencies) (provider.Adapter, error) {
	return NewAdapter(def, deps)
}

func NewAdapter(def config.ProviderDefinition, deps provider.Dependencies) (*Adapter, error) {
	cost, err := floatValue(def, "cost", defaultCost)
	if err != nil {
		return nil, err
	}
	balance, err := floatValue(def, "balance", defaultBalance)
	if err != nil {
		return nil, err
	}
	latencyMS, err := floatValue(def, "latency_ms", 0)
	if err != nil {
		return nil, err
	}
	retryAfter, err := floatValue(def, "retry_after_seconds", 0)
	if err != nil {
		return nil, err
	}

	base := provider.NewBase(def, deps)
	base.RegisterCodes(DefaultCodes)

	return &Adapter{
		Base:          base,
		responseCode:  def.Value("response_code", CodeOK),
		cost:          cost,
		balance:       balance,
		latency:       time.Duration(latencyMS) * time.Millisecond,
		retryAfter:    time.Duration(retryAfter) * time.Second,
		webhookSecret: def.Value("webhook_secret", ""),
	}, nil
}

// Calls returns the number of simulated provider requests.
func (a *Adapter) Calls() int64 {
	return a.calls.Load()
}

func (a *Adapter) Send(ctx context.Context, data provider.SendMessageData) (provider.MessageResponse, error) {
	a.calls.Add(1)
	resp, err := a.simulate(ctx, data)
	a.Observe(resp, err)
	return resp, err
}

// SendBulk answers every item in one simulated request. Any transport fault
// requested by an item fails the whole request.
func (a *Adapter) SendBulk(ctx context.Context, data []provider.SendMessageData) ([]provider.MessageResponse, error) {
	if !a.Definition().HasCapability(provider.CapabilityBulkMessaging) {
		return a.Base.SendBulk(ctx, data)
	}
	if len(data) > a.MaxRecipients() {
		return nil, fmt.Errorf("%w: bulk of %d exceeds max recipients %d", domain.ErrValidation, len(data), a.MaxRecipients())
	}

	a.calls.Add(1)
	if err := a.wait(ctx); err != nil {
		a.Observe(provider.MessageResponse{}, err)
		return nil, err
	}

	responses := make([]provider.MessageResponse, 0, len(data))
	for _, item := range data {
		if err := transportFault(item.Metadata[MetaSimulateTransport]); err != nil {
			a.Observe(provider.MessageResponse{}, err)
			return nil, err
		}
		responses = append(responses, a.respond(item))
	}
	a.Observe(provider.MessageResponse{Success: true}, nil)
	return responses, nil
}

func (a *Adapter) GetBalance(context.Context) (provider.Balance, error) {
	return provider.Balance{Provider: a.Name(), Amount: a.balance, Currency: a.Currency("USD")}, nil
}

// VerifyWebhook checks the hex HMAC-SHA256 of the raw body.
func (a *Adapter) VerifyWebhook(req provider.WebhookRequest) bool {
	signature := req.Signature
	if signature == "" {
		signature = req.Header(SignatureHeader)
	}
	return provider.VerifyHMACSHA256(a.webhookSecret, req.Payload, signature)
}

func (a *Adapter) ProcessWebhook(req provider.WebhookRequest) (provider.WebhookEvent, error) {
	var report deliveryReport
	if err := json.Unmarshal(req.Payload, &report); err != nil {
		return provider.WebhookEvent{}, fmt.Errorf("%w: invalid mocktest delivery report: %v", domain.ErrValidation, err)
	}
	report.MessageID = strings.TrimSpace(report.MessageID)
	report.Status = strings.ToLower(strings.TrimSpace(report.Status))
	if report.MessageID == "" || report.Status == "" {
		return provider.WebhookEvent{}, fmt.Errorf("%w: mocktest delivery report missing message_id or status", domain.ErrValidation)
	}

	occurredAt := a.Now().UTC()
	if report.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, report.OccurredAt)
		if err != nil {
			return provider.WebhookEvent{}, fmt.Errorf("%w: invalid occurred_at %q", domain.ErrValidation, report.OccurredAt)
		}
		occurredAt = parsed.UTC()
	}

	event := provider.WebhookEvent{
		ProviderMessageID: report.MessageID,
		EventType:         report.Status,
		Status:            provider.NormalizeDeliveryStatus(report.Status),
		ErrorCode:         report.ErrorCode,
		OccurredAt:        occurredAt,
	}
	if report.ErrorCode != "" {
		_, event.ErrorMessage = a.Classify(report.ErrorCode, report.ErrorCode)
	}
	return event, nil
}

// SignWebhook returns the signature VerifyWebhook expects for payload.
func (a *Adapter) SignWebhook(payload []byte) string {
	return provider.HMACSHA256Hex(a.webhookSecret, payload)
}

func (a *Adapter) simulate(ctx context.Context, data provider.SendMessageData) (provider.MessageResponse, error) {
	if err := a.wait(ctx); err != nil {
		return provider.MessageResponse{}, err
	}
	if err := transportFault(data.Metadata[MetaSimulateTransport]); err != nil {
		return provider.MessageResponse{}, err
	}
	return a.respond(data), nil
}

func (a *Adapter) respond(data provider.SendMessageData) provider.MessageResponse {
	code := a.responseCode
	if override := strings.TrimSpace(data.Metadata[MetaSimulateCode]); override != "" {
		code = override
	}

	cost := a.cost
	resp := a.Respond(code, "mocktest code "+code, providerIDPrefix+uuid.NewString(), &cost, "USD")
	resp.Recipient = data.Recipient
	if resp.Category == domain.CategoryRateLimit {
		resp.RetryAfter = a.retryAfter
	}
	return resp
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.latency <= 0 {
		if err := ctx.Err(); err != nil {
			return provider.NewTransportError("request aborted", err)
		}
		return nil
	}

	timer := time.NewTimer(a.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return provider.NewTransportError("request aborted", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func transportFault(kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "":
		return nil
	case TransportTimeout:
		return provider.NewTransportError("simulated timeout", context.DeadlineExceeded)
	case TransportConnection:
		return provider.NewTransportError("simulated connection failure", errors.New("connection refused"))
	case TransportMalformed:
		return provider.NewMalformedError(200, errors.New("simulated malformed body"))
	default:
		return nil
	}
}

func floatValue(def config.ProviderDefinition, key string, fallback float64) (float64, error) {
	raw := def.Value(key, "")
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: mocktest %s must be a non-negative number", domain.ErrValidation, key)
	}
	return value, nil
}
