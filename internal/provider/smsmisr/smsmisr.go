// Package smsmisr implements the SMS Misr HTTP API.
package smsmisr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
)

const (
	Driver         = "smsmisr"
	defaultBaseURL = "https://smsmisr.com"
	sendPath       = "/api/SMS/"
	balancePath    = "/api/Balance/"

	languageEnglish = "1"
	languageArabic  = "2"
)

// RequiredKeys are the config entries a definition must carry.
var RequiredKeys = []string{"username", "password", "sender"}

// DefaultCodes is the documented result-code table of the send endpoint.
var DefaultCodes = map[string]provider.CodeInfo{
	"1901": {Message: "Message submitted successfully", Category: domain.CategorySuccess},
	"1902": {Message: "Invalid request", Category: domain.CategoryValidation},
	"1903": {Message: "Invalid username or password", Category: domain.CategoryAuthentication},
	"1904": {Message: "Invalid sender field", Category: domain.CategoryConfiguration},
	"1905": {Message: "Invalid mobile field", Category: domain.CategoryInvalidRecipient},
	"1906": {Message: "Insufficient credit", Category: domain.CategoryInsufficientCredit},
	"1907": {Message: "Server under updating", Category: domain.CategoryTemporary},
	"1908": {Message: "Invalid date and time format", Category: domain.CategoryValidation},
	"1909": {Message: "Invalid message", Category: domain.CategoryValidation},
	"1910": {Message: "Invalid language", Category: domain.CategoryValidation},
	"1911": {Message: "Text is too long", Category: domain.CategoryValidation},
	"1912": {Message: "Invalid environment", Category: domain.CategoryConfiguration},
}

// text accepts both JSON strings and numbers; the API mixes them.
type text string

func (t *text) UnmarshalJSON(raw []byte) error {
	if string(raw) == "null" {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*t = text(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	*t = text(n.String())
	return nil
}

func (t text) String() string { return string(t) }

type sendResponse struct {
	Code  text `json:"code"`
	SMSID text `json:"SMSID"`
	Cost  text `json:"Cost"`
}

type balanceResponse struct {
	Code    text `json:"code"`
	Balance text `json:"balance"`
}

type deliveryReport struct {
	SMSID     text   `json:"SMSID"`
	Mobile    string `json:"mobile"`
	Status    string `json:"status"`
	ErrorCode text   `json:"error_code"`
	Timestamp string `json:"timestamp"`
}

// Adapter sends through SMS Misr.
type Adapter struct {
	*provider.Base

	client        *resty.Client
	username      string
	password      string
	sender        string
	environment   string
	webhookSecret string
}

var _ provider.Adapter = (*Adapter)(nil)

// New is the provider.Factory of the smsmisr driver.
func New(def config.ProviderDefinition, deps provider.Dependencies) (provider.Adapter, error) {
	if missing := def.MissingKeys(RequiredKeys); len(missing) > 0 {
		return nil, fmt.Errorf("%w: smsmisr provider %q missing config %v", domain.ErrValidation, def.Name, missing)
	}

	client, err := provider.NewHTTPClient(def.Value("base_url", defaultBaseURL), deps.HTTPTimeout)
	if err != nil {
		return nil, err
	}
	return NewWithClient(def, deps, client), nil
}

func NewWithClient(def config.ProviderDefinition, deps provider.Dependencies, client *resty.Client) *Adapter {
	base := provider.NewBase(def, deps)
	base.RegisterCodes(DefaultCodes)

	return &Adapter{
		Base:          base,
		client:        client,
		username:      def.Value("username", ""),
		password:      def.Value("password", ""),
		sender:        def.Value("sender", ""),
		environment:   def.Value("environment", "1"),
		webhookSecret: def.Value("webhook_secret", ""),
	}
}

func (a *Adapter) Send(ctx context.Context, data provider.SendMessageData) (provider.MessageResponse, error) {
	resp, err := a.send(ctx, data)
	a.Observe(resp, err)
	return resp, err
}

func (a *Adapter) send(ctx context.Context, data provider.SendMessageData) (provider.MessageResponse, error) {
	sender := a.sender
	if data.SenderID != "" {
		sender = data.SenderID
	}

	response, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"environment": a.environment,
			"username":    a.username,
			"password":    a.password,
			"sender":      sender,
			"mobile":      strings.TrimPrefix(data.Recipient, "+"),
			"language":    language(data.Body),
			"message":     data.Body,
		}).
		Post(sendPath)
	if err != nil {
		return provider.MessageResponse{}, provider.RequestError(err)
	}

	var body sendResponse
	if decodeErr := json.Unmarshal(response.Body(), &body); decodeErr != nil || body.Code == "" {
		if !provider.IsSuccessStatus(response.StatusCode()) {
			return provider.HTTPFailure(a.Name(), response, a.Now()), nil
		}
		return provider.MessageResponse{}, provider.NewMalformedError(response.StatusCode(), decodeErr)
	}

	code := body.Code.String()
	result := a.Respond(code, "smsmisr code "+code, body.SMSID.String(), parseCost(body.Cost), "EGP")
	result.Recipient = data.Recipient
	return result, nil
}

func (a *Adapter) GetBalance(ctx context.Context) (provider.Balance, error) {
	response, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"username": a.username,
			"password": a.password,
		}).
		Post(balancePath)
	if err != nil {
		return provider.Balance{}, provider.RequestError(err)
	}
	if !provider.IsSuccessStatus(response.StatusCode()) {
		return provider.Balance{}, &provider.TransportError{
			StatusCode: response.StatusCode(),
			Message:    "balance request rejected",
		}
	}

	var body balanceResponse
	if err := json.Unmarshal(response.Body(), &body); err != nil {
		return provider.Balance{}, provider.NewMalformedError(response.StatusCode(), err)
	}
	amount, err := strconv.ParseFloat(body.Balance.String(), 64)
	if err != nil {
		return provider.Balance{}, provider.NewMalformedError(response.StatusCode(), err)
	}

	return provider.Balance{Provider: a.Name(), Amount: amount, Currency: a.Currency("EGP")}, nil
}

// VerifyWebhook checks the hex HMAC-SHA256 of the raw body.
func (a *Adapter) VerifyWebhook(req provider.WebhookRequest) bool {
	signature := req.Signature
	if signature == "" {
		signature = req.Header("X-Signature")
	}
	return provider.VerifyHMACSHA256(a.webhookSecret, req.Payload, signature)
}

func (a *Adapter) ProcessWebhook(req provider.WebhookRequest) (provider.WebhookEvent, error) {
	var report deliveryReport
	if err := json.Unmarshal(req.Payload, &report); err != nil {
		return provider.WebhookEvent{}, fmt.Errorf("%w: invalid smsmisr delivery report: %v", domain.ErrValidation, err)
	}
	if report.SMSID.String() == "" || strings.TrimSpace(report.Status) == "" {
		return provider.WebhookEvent{}, fmt.Errorf("%w: smsmisr delivery report missing SMSID or status", domain.ErrValidation)
	}

	occurredAt := a.Now().UTC()
	if report.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, report.Timestamp); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	return provider.WebhookEvent{
		ProviderMessageID: report.SMSID.String(),
		EventType:         strings.ToLower(strings.TrimSpace(report.Status)),
		Status:            provider.NormalizeDeliveryStatus(report.Status),
		ErrorCode:         report.ErrorCode.String(),
		OccurredAt:        occurredAt,
	}, nil
}

func language(body string) string {
	for _, r := range body {
		if r >= 0x0600 && r <= 0x06FF {
			return languageArabic
		}
	}
	return languageEnglish
}

func parseCost(raw text) *float64 {
	if raw == "" {
		return nil
	}
	cost, err := strconv.ParseFloat(raw.String(), 64)
	if err != nil {
		return nil
	}
	return &cost
}
