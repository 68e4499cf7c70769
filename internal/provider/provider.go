package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"go.uber.org/zap"
)

// Capabilities a provider definition may declare.
const (
	CapabilitySend          = "send"
	CapabilityBulkMessaging = "bulk_messaging"
	CapabilityBalance       = "balance"
	CapabilityWebhooks      = "webhooks"
)

// Error codes produced locally rather than by a provider.
const (
	CodeTransport           = "TRANSPORT_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeMalformedResponse   = "MALFORMED_RESPONSE"
	CodeNoProviderAvailable = "NO_PROVIDER_AVAILABLE"
	CodeConsentMissing      = "CONSENT_MISSING"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeCancelled           = "CANCELLED"
)

// Adapter normalizes one provider's API behind the dispatch contract.
//
// Send returns a failure MessageResponse for business errors reported by the
// provider and a *TransportError when no usable answer was received.
// SendBulk returns domain.ErrUnsupported for providers without a native bulk
// endpoint; otherwise the responses are index-aligned with the input.
type Adapter interface {
	Name() string
	Send(ctx context.Context, data SendMessageData) (MessageResponse, error)
	SendBulk(ctx context.Context, data []SendMessageData) ([]MessageResponse, error)
	GetBalance(ctx context.Context) (Balance, error)
	VerifyWebhook(req WebhookRequest) bool
	ProcessWebhook(req WebhookRequest) (WebhookEvent, error)
	Capabilities() []string
	MaxRecipients() int
	IsHealthy(ctx context.Context) bool
}

// SendMessageData is the provider-independent send request.
type SendMessageData struct {
	MessageID      string             `validate:"required"`
	Channel        domain.Channel     `validate:"required,oneof=SMS WHATSAPP OTP"`
	Type           domain.MessageType `validate:"required,oneof=TRANSACTIONAL MARKETING OTP"`
	Recipient      string             `validate:"required,e164"`
	Body           string             `validate:"required_without=TemplateCode,max=4096"`
	SenderID       string             `validate:"omitempty,max=32"`
	TemplateCode   string
	TemplateParams map[string]string
	Metadata       map[string]string
}

// SendDataFromMessage builds the adapter input for a stored message.
func SendDataFromMessage(m *domain.Message) SendMessageData {
	data := SendMessageData{
		MessageID: m.ID,
		Channel:   m.Channel,
		Type:      m.Type,
		Recipient: m.Recipient,
		Body:      m.Body,
		SenderID:  m.SenderID,
		Metadata:  m.Metadata,
	}
	if m.TemplateID != nil {
		data.TemplateCode = *m.TemplateID
		data.TemplateParams = m.TemplateVariables
	}
	return data
}

// MessageResponse is the normalized outcome of one send.
type MessageResponse struct {
	Success           bool
	Status            domain.Status
	ProviderID        string
	ProviderMessageID string
	Recipient         string
	Cost              *float64
	Currency          string
	ErrorCode         string
	ErrorMessage      string
	Category          domain.ErrorCategory
	RetryAfter        time.Duration
	Metadata          map[string]string
	SentAt            *time.Time
}

// Succeeded builds a success response acknowledged at sentAt.
func Succeeded(providerID, providerMessageID string, cost *float64, currency string, sentAt time.Time) MessageResponse {
	at := sentAt.UTC()
	return MessageResponse{
		Success:           true,
		Status:            domain.StatusSent,
		ProviderID:        providerID,
		ProviderMessageID: providerMessageID,
		Cost:              cost,
		Currency:          currency,
		Category:          domain.CategorySuccess,
		SentAt:            &at,
	}
}

// Failed builds a failure response for a classified error code.
func Failed(providerID, code, message string, category domain.ErrorCategory) MessageResponse {
	if !category.IsValid() || category == domain.CategorySuccess {
		category = domain.CategoryUnknown
	}
	return MessageResponse{
		Status:       domain.StatusFailed,
		ProviderID:   providerID,
		ErrorCode:    code,
		ErrorMessage: message,
		Category:     category,
	}
}

// FromTransportError converts a transport fault into a failure response.
func FromTransportError(providerID string, err *TransportError) MessageResponse {
	resp := Failed(providerID, err.Code(), err.Error(), domain.CategoryTransport)
	resp.RetryAfter = err.RetryAfter
	return resp
}

type Balance struct {
	Provider string
	Amount   float64
	Currency string
}

// WebhookRequest carries an inbound delivery callback as received.
type WebhookRequest struct {
	Payload   []byte
	Headers   map[string]string
	Signature string
	// URL is the public callback URL, needed by schemes that sign it.
	URL string
}

// Header returns a header value, ignoring case.
func (r WebhookRequest) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	canonical := http.CanonicalHeaderKey(name)
	for key, v := range r.Headers {
		if http.CanonicalHeaderKey(key) == canonical {
			return v
		}
	}
	return ""
}

func (r WebhookRequest) ContentType() string {
	return strings.ToLower(r.Header("Content-Type"))
}

// WebhookEvent is a normalized delivery report. Status is empty for
// intermediate provider states that carry no lifecycle change.
type WebhookEvent struct {
	ProviderMessageID string
	EventType         string
	Status            domain.Status
	ErrorCode         string
	ErrorMessage      string
	OccurredAt        time.Time
}

// NormalizeDeliveryStatus maps common provider delivery states onto the
// message lifecycle.
func NormalizeDeliveryStatus(raw string) domain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delivered", "delivrd", "read", "success":
		return domain.StatusDelivered
	case "sent":
		return domain.StatusSent
	case "failed", "undelivered", "undeliv", "rejected", "rejectd", "expired", "fail":
		return domain.StatusFailed
	default:
		return ""
	}
}

// Dependencies are shared by every adapter factory.
type Dependencies struct {
	Classifier  *Classifier
	HTTPTimeout time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Classifier == nil {
		d.Classifier = NewClassifier()
	}
	if d.HTTPTimeout <= 0 {
		d.HTTPTimeout = DefaultTimeout
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Factory builds an adapter from its definition.
type Factory func(def config.ProviderDefinition, deps Dependencies) (Adapter, error)
