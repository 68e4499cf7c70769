// Package twilio implements the Twilio Programmable Messaging API for SMS
// and WhatsApp.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
)

const (
	Driver         = "twilio"
	defaultBaseURL = "https://api.twilio.com"
	apiVersion     = "2010-04-01"

	whatsappPrefix = "whatsapp:"
)

var RequiredKeys = []string{"account_sid", "auth_token", "from"}

var DefaultCodes = map[string]provider.CodeInfo{
	"20003": {Message: "Authentication failed", Category: domain.CategoryAuthentication},
	"20429": {Message: "Too many requests", Category: domain.CategoryRateLimit},
	"21211": {Message: "Invalid 'To' phone number", Category: domain.CategoryInvalidRecipient},
	"21212": {Message: "Invalid 'From' phone number", Category: domain.CategoryConfiguration},
	"21602": {Message: "Message body is required", Category: domain.CategoryValidation},
	"21606": {Message: "'From' number is not SMS capable", Category: domain.CategoryConfiguration},
	"21608": {Message: "Unverified number on trial account", Category: domain.CategoryConfiguration},
	"21610": {Message: "Recipient unsubscribed", Category: domain.CategoryInvalidRecipient},
	"21614": {Message: "'To' number is not a valid mobile number", Category: domain.CategoryInvalidRecipient},
	"21617": {Message: "Message body exceeds the length limit", Category: domain.CategoryValidation},
	"30001": {Message: "Queue overflow", Category: domain.CategoryTemporary},
	"30002": {Message: "Account suspended", Category: domain.CategoryAuthentication},
	"30003": {Message: "Unreachable destination handset", Category: domain.CategoryTemporary},
	"30004": {Message: "Message blocked", Category: domain.CategoryInvalidRecipient},
	"30005": {Message: "Unknown destination handset", Category: domain.CategoryInvalidRecipient},
	"30006": {Message: "Landline or unreachable carrier", Category: domain.CategoryInvalidRecipient},
	"30007": {Message: "Carrier violation", Category: domain.CategoryValidation},
	"30008": {Message: "Unknown error", Category: domain.CategoryUnknown},
}

type messageResponse struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	Price        *string `json:"price"`
	PriceUnit    string  `json:"price_unit"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type balanceResponse struct {
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}

// Adapter sends through Twilio.
type Adapter struct {
	*provider.Base

	client         *resty.Client
	accountSID     string
	authToken      string
	from           string
	whatsappFrom   string
	statusCallback string
}

var _ provider.Adapter = (*Adapter)(nil)

func New(def config.ProviderDefinition, deps provider.Dependencies) (provider.Adapter, error) {
	if missing := def.MissingKeys(RequiredKeys); len(missing) > 0 {
		return nil, fmt.Errorf("%w: twilio provider %q missing config %v", domain.ErrValidation, def.Name, missing)
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

	accountSID := def.Value("account_sid", "")
	authToken := def.Value("auth_token", "")
	client.SetBasicAuth(accountSID, authToken)

	return &Adapter{
		Base:           base,
		client:         client,
		accountSID:     accountSID,
		authToken:      authToken,
		from:           def.Value("from", ""),
		whatsappFrom:   def.Value("whatsapp_from", def.Value("from", "")),
		statusCallback: def.Value("status_callback", ""),
	}
}

func (a *Adapter) Send(ctx context.Context, data provider.SendMessageData) (provider.MessageResponse, error) {
	resp, err := a.send(ctx, data)
	a.Observe(resp, err)
	return resp, err
}

func (a *Adapter) send(ctx context.Context, data provider.SendMessageData) (provider.MessageResponse, error) {
	to, from := data.Recipient, a.from
	if data.SenderID != "" {
		from = data.SenderID
	}
	if data.Channel == domain.ChannelWhatsApp {
		to = whatsappPrefix + strings.TrimPrefix(to, whatsappPrefix)
		from = whatsappPrefix + strings.TrimPrefix(a.whatsappFrom, whatsappPrefix)
	}

	form := map[string]string{
		"To":   to,
		"From": from,
		"Body": data.Body,
	}
	if a.statusCallback != "" {
		form["StatusCallback"] = a.statusCallback
	}

	response, err := a.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post(fmt.Sprintf("/%s/Accounts/%s/Messages.json", apiVersion, url.PathEscape(a.accountSID)))
	if err != nil {
		return provider.MessageResponse{}, provider.RequestError(err)
	}

	if !provider.IsSuccessStatus(response.StatusCode()) {
		return a.failure(response), nil
	}

	var body messageResponse
	if err := json.Unmarshal(response.Body(), &body); err != nil || body.SID == "" {
		return provider.MessageResponse{}, provider.NewMalformedError(response.StatusCode(), err)
	}
	if body.ErrorCode != nil {
		code := strconv.Itoa(*body.ErrorCode)
		message := "twilio error " + code
		if body.ErrorMessage != nil {
			message = *body.ErrorMessage
		}
		result := a.Respond(code, message, body.SID, nil, "")
		result.Recipient = data.Recipient
		return result, nil
	}

	result := provider.Succeeded(a.Name(), body.SID, parsePrice(body.Price), a.Currency(strings.ToUpper(body.PriceUnit)), a.Now())
	result.Recipient = data.Recipient
	result.Metadata = map[string]string{"twilio_status": body.Status}
	return result, nil
}

func (a *Adapter) failure(response *resty.Response) provider.MessageResponse {
	var body errorResponse
	if err := json.Unmarshal(response.Body(), &body); err != nil || body.Code == 0 {
		return provider.HTTPFailure(a.Name(), response, a.Now())
	}

	code := strconv.Itoa(body.Code)
	result := a.Respond(code, body.Message, "", nil, "")
	if _, known := a.Lookup(code); !known {
		result.Category = provider.ClassifyHTTPStatus(response.StatusCode())
	}
	result.RetryAfter = provider.ParseRetryAfter(response.Header().Get("Retry-After"), a.Now())
	return result
}

func (a *Adapter) GetBalance(ctx context.Context) (provider.Balance, error) {
	response, err := a.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/%s/Accounts/%s/Balance.json", apiVersion, url.PathEscape(a.accountSID)))
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
	amount, err := strconv.ParseFloat(body.Balance, 64)
	if err != nil {
		return provider.Balance{}, provider.NewMalformedError(response.StatusCode(), err)
	}
	return provider.Balance{Provider: a.Name(), Amount: amount, Currency: body.Currency}, nil
}

// VerifyWebhook validates X-Twilio-Signature against the callback URL and
// the posted form parameters.
func (a *Adapter) VerifyWebhook(req provider.WebhookRequest) bool {
	signature := req.Signature
	if signature == "" {
		signature = req.Header("X-Twilio-Signature")
	}
	if signature == "" || a.authToken == "" {
		return false
	}

	form, err := url.ParseQuery(string(req.Payload))
	if err != nil {
		return false
	}

	callbackURL := a.statusCallback
	if callbackURL == "" {
		callbackURL = req.URL
	}
	expected := provider.TwilioStyleSignature(a.authToken, callbackURL, form)
	return provider.ConstantTimeEqual(expected, signature)
}

func (a *Adapter) ProcessWebhook(req provider.WebhookRequest) (provider.WebhookEvent, error) {
	form, err := url.ParseQuery(string(req.Payload))
	if err != nil {
		return provider.WebhookEvent{}, fmt.Errorf("%w: invalid twilio status callback: %v", domain.ErrValidation, err)
	}

	sid := strings.TrimSpace(form.Get("MessageSid"))
	if sid == "" {
		sid = strings.TrimSpace(form.Get("SmsSid"))
	}
	status := strings.ToLower(strings.TrimSpace(form.Get("MessageStatus")))
	if status == "" {
		status = strings.ToLower(strings.TrimSpace(form.Get("SmsStatus")))
	}
	if sid == "" || status == "" {
		return provider.WebhookEvent{}, fmt.Errorf("%w: twilio status callback missing MessageSid or MessageStatus", domain.ErrValidation)
	}

	event := provider.WebhookEvent{
		ProviderMessageID: sid,
		EventType:         status,
		Status:            provider.NormalizeDeliveryStatus(status),
		ErrorCode:         form.Get("ErrorCode"),
		OccurredAt:        a.Now().UTC(),
	}
	if event.ErrorCode != "" {
		_, event.ErrorMessage = a.Base.Classify(event.ErrorCode, form.Get("ErrorMessage"))
	}
	return event, nil
}

func parsePrice(raw *string) *float64 {
	if raw == nil || *raw == "" {
		return nil
	}
	price, err := strconv.ParseFloat(*raw, 64)
	if err != nil {
		return nil
	}
	// Twilio reports charges as negative amounts.
	if price < 0 {
		price = -price
	}
	return &price
}
