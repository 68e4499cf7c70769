// Package aliyun sends template SMS through Alibaba Cloud Short Message Service.
package aliyun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	dysmsapi "github.com/alibabacloud-go/dysmsapi-20170525/v4/client"
	"github.com/alibabacloud-go/tea/tea"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
)

const (
	Driver          = "aliyun"
	defaultEndpoint = "dysmsapi.aliyuncs.com"
	defaultRegion   = "cn-hangzhou"

	codeOK         = "OK"
	tokenHeader    = "X-Callback-Token"
	contentParam   = "content"
	mainlandPrefix = "+86"
)

var RequiredKeys = []string{"access_key_id", "access_key_secret", "sign_name"}

var DefaultCodes = map[string]provider.CodeInfo{
	codeOK:                              {Message: "OK", Category: domain.CategorySuccess},
	"isv.MOBILE_NUMBER_ILLEGAL":         {Message: "Illegal mobile number", Category: domain.CategoryInvalidRecipient},
	"isv.MOBILE_COUNT_OVER_LIMIT":       {Message: "Too many mobile numbers", Category: domain.CategoryValidation},
	"isv.AMOUNT_NOT_ENOUGH":             {Message: "Account balance insufficient", Category: domain.CategoryInsufficientCredit},
	"isv.OUT_OF_SERVICE":                {Message: "Account suspended for arrears", Category: domain.CategoryInsufficientCredit},
	"isv.BUSINESS_LIMIT_CONTROL":        {Message: "Business flow control triggered", Category: domain.CategoryRateLimit},
	"Throttling.User":                   {Message: "User throttled", Category: domain.CategoryRateLimit},
	"isp.SYSTEM_ERROR":                  {Message: "System error", Category: domain.CategoryTemporary},
	"isp.RAM_PERMISSION_DENY":           {Message: "RAM permission denied", Category: domain.CategoryAuthentication},
	"isv.ACCOUNT_NOT_EXISTS":            {Message: "Account does not exist", Category: domain.CategoryAuthentication},
	"InvalidAccessKeyId.NotFound":       {Message: "Access key not found", Category: domain.CategoryAuthentication},
	"SignatureDoesNotMatch":             {Message: "Request signature mismatch", Category: domain.CategoryAuthentication},
	"isv.SMS_SIGNATURE_ILLEGAL":         {Message: "Illegal SMS signature", Category: domain.CategoryConfiguration},
	"isv.SMS_TEMPLATE_ILLEGAL":          {Message: "Illegal SMS template", Category: domain.CategoryConfiguration},
	"isv.DENY_IP_RANGE":                 {Message: "Source IP not allowed", Category: domain.CategoryConfiguration},
	"isv.TEMPLATE_MISSING_PARAMETERS":   {Message: "Template parameters missing", Category: domain.CategoryValidation},
	"isv.INVALID_PARAMETERS":            {Message: "Invalid parameters", Category: domain.CategoryValidation},
	"isv.INVALID_JSON_PARAM":            {Message: "Template parameters are not valid JSON", Category: domain.CategoryValidation},
	"isv.BLACK_KEY_CONTROL_LIMIT":       {Message: "Content contains blocked keywords", Category: domain.CategoryValidation},
	"isv.PARAM_LENGTH_LIMIT":            {Message: "Parameter exceeds length limit", Category: domain.CategoryValidation},
	"isv.DAY_LIMIT_CONTROL":             {Message: "Daily sending limit reached", Category: domain.CategoryRateLimit},
	"isv.SMS_CONTENT_ILLEGAL":           {Message: "Illegal SMS content", Category: domain.CategoryValidation},
	"isv.SMS_SIGN_ILLEGAL":              {Message: "Illegal SMS sign", Category: domain.CategoryConfiguration},
	"isv.EXTEND_CODE_ERROR":             {Message: "Extension code error", Category: domain.CategoryConfiguration},
	"isv.DOMESTIC_NUMBER_NOT_SUPPORTED": {Message: "Domestic number not supported", Category: domain.CategoryInvalidRecipient},
}

// smsClient is the part of the dysmsapi client the adapter uses.
type smsClient interface {
	SendSms(request *dysmsapi.SendSmsRequest) (*dysmsapi.SendSmsResponse, error)
}

type receipt struct {
	PhoneNumber string `json:"phone_number"`
	Success     bool   `json:"success"`
	BizID       string `json:"biz_id"`
	ErrCode     string `json:"err_code"`
	ErrMsg      string `json:"err_msg"`
	ReportTime  string `json:"report_time"`
}

// Adapter sends template messages through Aliyun dysmsapi.
type Adapter struct {
	*provider.Base

	client       smsClient
	signName     string
	templateCode string
	webhookToken string
}

var _ provider.Adapter = (*Adapter)(nil)

func New(def config.ProviderDefinition, deps provider.Dependencies) (provider.Adapter, error) {
	if missing := def.MissingKeys(RequiredKeys); len(missing) > 0 {
		return nil, fmt.Errorf("%w: aliyun provider %q missing config %v", domain.ErrValidation, def.Name, missing)
	}

	timeout := deps.HTTPTimeout
	if timeout <= 0 {
		timeout = provider.DefaultTimeout
	}
	client, err := dysmsapi.NewClient(&openapi.Config{
		AccessKeyId:     tea.String(def.Value("access_key_id", "")),
		AccessKeySecret: tea.String(def.Value("access_key_secret", "")),
		RegionId:        tea.String(def.Value("region", defaultRegion)),
		Endpoint:        tea.String(def.Value("endpoint", defaultEndpoint)),
		ConnectTimeout:  tea.Int(int(timeout.Milliseconds())),
		ReadTimeout:     tea.Int(int(timeout.Milliseconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aliyun sms client: %w", err)
	}
	return newWithClient(def, deps, client), nil
}

func newWithClient(def config.ProviderDefinition, deps provider.Dependencies, client smsClient) *Adapter {
	base := provider.NewBase(def, deps)
	base.RegisterCodes(DefaultCodes)

	return &Adapter{
		Base:         base,
		client:       client,
		signName:     def.Value("sign_name", ""),
		templateCode: def.Value("template_code", ""),
		webhookToken: def.Value("webhook_token", ""),
	}
}

func (a *Adapter) Send(ctx context.Context, data provider.SendMessageData) (provider.MessageResponse, error) {
	resp, err := a.send(ctx, data)
	a.Observe(resp, err)
	return resp, err
}

func (a *Adapter) send(ctx context.Context, data provider.SendMessageData) (provider.MessageResponse, error) {
	if err := ctx.Err(); err != nil {
		return provider.MessageResponse{}, provider.RequestError(err)
	}

	templateCode := a.templateCode
	params := data.TemplateParams
	if data.TemplateCode != "" {
		templateCode = data.TemplateCode
	}
	if templateCode == "" {
		return provider.Failed(a.Name(), "TEMPLATE_REQUIRED", "aliyun requires a template code", domain.CategoryConfiguration), nil
	}
	if len(params) == 0 {
		params = map[string]string{contentParam: data.Body}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return provider.Failed(a.Name(), provider.CodeInvalidRequest, err.Error(), domain.CategoryValidation), nil
	}

	signName := a.signName
	if data.SenderID != "" {
		signName = data.SenderID
	}

	response, err := a.client.SendSms(&dysmsapi.SendSmsRequest{
		PhoneNumbers:  tea.String(phoneNumber(data.Recipient)),
		SignName:      tea.String(signName),
		TemplateCode:  tea.String(templateCode),
		TemplateParam: tea.String(string(encoded)),
		OutId:         tea.String(data.MessageID),
	})
	if err != nil {
		return a.sdkFailure(err)
	}
	if response == nil || response.Body == nil || response.Body.Code == nil {
		return provider.MessageResponse{}, provider.NewMalformedError(0, errors.New("empty SendSms response body"))
	}

	body := response.Body
	result := a.Respond(tea.StringValue(body.Code), tea.StringValue(body.Message), tea.StringValue(body.BizId), nil, "CNY")
	result.Recipient = data.Recipient
	if requestID := tea.StringValue(body.RequestId); requestID != "" {
		if result.Metadata == nil {
			result.Metadata = map[string]string{}
		}
		result.Metadata["request_id"] = requestID
	}
	return result, nil
}

// sdkFailure classifies SDK errors carrying a business code and reports the
// rest as transport faults.
func (a *Adapter) sdkFailure(err error) (provider.MessageResponse, error) {
	var sdkErr *tea.SDKError
	if errors.As(err, &sdkErr) && sdkErr.Code != nil {
		code := tea.StringValue(sdkErr.Code)
		if _, known := a.Lookup(code); known {
			return a.Respond(code, tea.StringValue(sdkErr.Message), "", nil, ""), nil
		}
		if status := tea.IntValue(sdkErr.StatusCode); status >= 400 && status < 500 {
			return provider.Failed(a.Name(), code, tea.StringValue(sdkErr.Message), provider.ClassifyHTTPStatus(status)), nil
		}
	}
	return provider.MessageResponse{}, provider.RequestError(err)
}

// VerifyWebhook compares the callback token configured for delivery receipts.
func (a *Adapter) VerifyWebhook(req provider.WebhookRequest) bool {
	if a.webhookToken == "" {
		return false
	}
	token := req.Signature
	if token == "" {
		token = req.Header(tokenHeader)
	}
	return provider.ConstantTimeEqual(token, a.webhookToken)
}

// ProcessWebhook reads a delivery receipt. Receipts are pushed as a JSON
// array; the push batch size must be configured to one.
func (a *Adapter) ProcessWebhook(req provider.WebhookRequest) (provider.WebhookEvent, error) {
	var receipts []receipt
	trimmed := strings.TrimSpace(string(req.Payload))
	if strings.HasPrefix(trimmed, "{") {
		var single receipt
		if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
			return provider.WebhookEvent{}, fmt.Errorf("%w: invalid aliyun receipt: %v", domain.ErrValidation, err)
		}
		receipts = append(receipts, single)
	} else if err := json.Unmarshal([]byte(trimmed), &receipts); err != nil {
		return provider.WebhookEvent{}, fmt.Errorf("%w: invalid aliyun receipt: %v", domain.ErrValidation, err)
	}
	if len(receipts) != 1 {
		return provider.WebhookEvent{}, fmt.Errorf("%w: expected one aliyun receipt, got %d", domain.ErrValidation, len(receipts))
	}

	r := receipts[0]
	if strings.TrimSpace(r.BizID) == "" {
		return provider.WebhookEvent{}, fmt.Errorf("%w: aliyun receipt missing biz_id", domain.ErrValidation)
	}

	event := provider.WebhookEvent{
		ProviderMessageID: r.BizID,
		EventType:         strings.ToLower(strings.TrimSpace(r.ErrCode)),
		Status:            domain.StatusDelivered,
		OccurredAt:        a.Now().UTC(),
	}
	if event.EventType == "" {
		event.EventType = "delivered"
	}
	if !r.Success {
		event.Status = domain.StatusFailed
		event.ErrorCode = r.ErrCode
		event.ErrorMessage = r.ErrMsg
		if event.EventType == "delivered" {
			event.EventType = "failed"
		}
	}
	if r.ReportTime != "" {
		if parsed, err := time.ParseInLocation(time.DateTime, r.ReportTime, shanghai()); err == nil {
			event.OccurredAt = parsed.UTC()
		}
	}
	return event, nil
}

func phoneNumber(recipient string) string {
	if strings.HasPrefix(recipient, mainlandPrefix) {
		return strings.TrimPrefix(recipient, mainlandPrefix)
	}
	return "00" + strings.TrimPrefix(recipient, "+")
}

func shanghai() *time.Location {
	if loc, err := time.LoadLocation("Asia/Shanghai"); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*60*60)
}
