// Package tencent sends SMS through Tencent Cloud SMS, using its native
// multi-number request for bulk sends.
package tencent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	tcerrors "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/errors"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	sms "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/sms/v20210111"
)

const (
	Driver          = "tencent"
	defaultRegion   = "ap-guangzhou"
	defaultEndpoint = "sms.tencentcloudapi.com"
	maxPhonesPerReq = 200

	codeOK            = "Ok"
	clientErrorPrefix = "ClientError."
	tokenHeader       = "X-Callback-Token"
)

var RequiredKeys = []string{"secret_id", "secret_key", "app_id", "sign_name", "template_id"}

var DefaultCodes = map[string]provider.CodeInfo{
	codeOK: {Message: "send success", Category: domain.CategorySuccess},
	"FailedOperation.InsufficientBalanceInSmsPackage":    {Message: "SMS package balance insufficient", Category: domain.CategoryInsufficientCredit},
	"FailedOperation.PhoneNumberInBlacklist":             {Message: "Phone number is blocklisted", Category: domain.CategoryInvalidRecipient},
	"FailedOperation.SignatureIncorrectOrUnapproved":     {Message: "Signature not approved", Category: domain.CategoryConfiguration},
	"FailedOperation.TemplateIncorrectOrUnapproved":      {Message: "Template not approved", Category: domain.CategoryConfiguration},
	"FailedOperation.ContainSensitiveWord":               {Message: "Content contains sensitive words", Category: domain.CategoryValidation},
	"FailedOperation.MarketingSendTimeConstraint":        {Message: "Marketing send outside allowed hours", Category: domain.CategoryTemporary},
	"InvalidParameterValue.IncorrectPhoneNumber":         {Message: "Incorrect phone number", Category: domain.CategoryInvalidRecipient},
	"InvalidParameterValue.TemplateParameterFormatError": {Message: "Template parameter format error", Category: domain.CategoryValidation},
	"InvalidParameterValue.TemplateParameterLengthLimit": {Message: "Template parameter too long", Category: domain.CategoryValidation},
	"LimitExceeded.PhoneNumberCountLimit":                {Message: "Too many phone numbers", Category: domain.CategoryValidation},
	"LimitExceeded.PhoneNumberDailyLimit":                {Message: "Daily limit per number reached", Category: domain.CategoryRateLimit},
	"LimitExceeded.PhoneNumberOneHourLimit":              {Message: "Hourly limit per number reached", Category: domain.CategoryRateLimit},
	"LimitExceeded.PhoneNumberThirtySecondLimit":         {Message: "30 second limit per number reached", Category: domain.CategoryRateLimit},
	"LimitExceeded.DeliveryFrequencyLimit":               {Message: "Delivery frequency limit", Category: domain.CategoryRateLimit},
	"RequestLimitExceeded":                               {Message: "API request limit exceeded", Category: domain.CategoryRateLimit},
	"InternalError.Timeout":                              {Message: "Provider internal timeout", Category: domain.CategoryTemporary},
	"InternalError.SendAndRecvFail":                      {Message: "Provider upstream failure", Category: domain.CategoryTemporary},
	"InternalError.OtherError":                           {Message: "Provider internal error", Category: domain.CategoryTemporary},
	"AuthFailure.SecretIdNotFound":                       {Message: "Secret id not found", Category: domain.CategoryAuthentication},
	"AuthFailure.SignatureFailure":                       {Message: "Request signature invalid", Category: domain.CategoryAuthentication},
	"UnauthorizedOperation.SmsSdkAppIdVerifyFail":        {Message: "SMS app id verification failed", Category: domain.CategoryConfiguration},
	"UnsupportedOperation.ContainDomesticAndInternationalPhoneNumber": {
		Message:  "Domestic and international numbers mixed",
		Category: domain.CategoryValidation,
	},
}

// smsClient is the part of the Tencent SMS client the adapter uses.
type smsClient interface {
	SendSmsWithContext(ctx context.Context, request *sms.SendSmsRequest) (*sms.SendSmsResponse, error)
}

type statusReport struct {
	UserReceiveTime string `json:"user_receive_time"`
	Mobile          string `json:"mobile"`
	ReportStatus    string `json:"report_status"`
	ErrMsg          string `json:"errmsg"`
	Description     string `json:"description"`
	SID             string `json:"sid"`
}

// Adapter sends through Tencent Cloud SMS.
type Adapter struct {
	*provider.Base

	client       smsClient
	appID        string
	signName     string
	templateID   string
	unitPrice    float64
	webhookToken string
}

var _ provider.Adapter = (*Adapter)(nil)

func New(def config.ProviderDefinition, deps provider.Dependencies) (provider.Adapter, error) {
	if missing := def.MissingKeys(RequiredKeys); len(missing) > 0 {
		return nil, fmt.Errorf("%w: tencent provider %q missing config %v", domain.ErrValidation, def.Name, missing)
	}

	timeout := deps.HTTPTimeout
	if timeout <= 0 {
		timeout = provider.DefaultTimeout
	}

	credential := common.NewCredential(def.Value("secret_id", ""), def.Value("secret_key", ""))
	clientProfile := profile.NewClientProfile()
	clientProfile.HttpProfile.Endpoint = def.Value("endpoint", defaultEndpoint)
	clientProfile.HttpProfile.ReqTimeout = int(timeout.Seconds())

	client, err := sms.NewClient(credential, def.Value("region", defaultRegion), clientProfile)
	if err != nil {
		return nil, fmt.Errorf("failed to create tencent sms client: %w", err)
	}
	return newWithClient(def, deps, client)
}

func newWithClient(def config.ProviderDefinition, deps provider.Dependencies, client smsClient) (*Adapter, error) {
	unitPrice := 0.0
	if raw := def.Value("unit_price", ""); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%w: tencent unit_price must be a non-negative number", domain.ErrValidation)
		}
		unitPrice = parsed
	}

	base := provider.NewBase(def, deps)
	base.RegisterCodes(DefaultCodes)

	return &Adapter{
		Base:         base,
		client:       client,
		appID:        def.Value("app_id", ""),
		signName:     def.Value("sign_name", ""),
		templateID:   def.Value("template_id", ""),
		unitPrice:    unitPrice,
		webhookToken: def.Value("webhook_token", ""),
	}, nil
}

// MaxRecipients caps the definition at the per-request phone limit.
func (a *Adapter) MaxRecipients() int {
	return min(a.Base.MaxRecipients(), maxPhonesPerReq)
}

func (a *Adapter) Send(ctx context.Context, data provider.SendMessageData) (provider.MessageResponse, error) {
	responses, err := a.sendGroup(ctx, []provider.SendMessageData{data})
	if err != nil {
		a.Observe(provider.MessageResponse{}, err)
		return provider.MessageResponse{}, err
	}
	a.Observe(responses[0], nil)
	return responses[0], nil
}

// SendBulk issues one request per distinct template/parameter set; Tencent
// applies the same content to every number of a request.
func (a *Adapter) SendBulk(ctx context.Context, data []provider.SendMessageData) ([]provider.MessageResponse, error) {
	if !a.Definition().HasCapability(provider.CapabilityBulkMessaging) {
		return a.Base.SendBulk(ctx, data)
	}
	if len(data) > a.MaxRecipients() {
		return nil, fmt.Errorf("%w: bulk of %d exceeds max recipients %d", domain.ErrValidation, len(data), a.MaxRecipients())
	}

	groups := make(map[string][]int)
	var order []string
	for i, item := range data {
		key := a.contentKey(item)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	out := make([]provider.MessageResponse, len(data))
	for _, key := range order {
		indexes := groups[key]
		items := make([]provider.SendMessageData, 0, len(indexes))
		for _, i := range indexes {
			items = append(items, data[i])
		}

		responses, err := a.sendGroup(ctx, items)
		if err != nil {
			a.Observe(provider.MessageResponse{}, err)
			return nil, err
		}
		for j, i := range indexes {
			out[i] = responses[j]
		}
	}
	a.Observe(provider.MessageResponse{Success: true}, nil)
	return out, nil
}

func (a *Adapter) sendGroup(ctx context.Context, items []provider.SendMessageData) ([]provider.MessageResponse, error) {
	first := items[0]
	phones := make([]string, 0, len(items))
	for _, item := range items {
		phones = append(phones, item.Recipient)
	}

	request := sms.NewSendSmsRequest()
	request.SmsSdkAppId = common.StringPtr(a.appID)
	request.SignName = common.StringPtr(a.sender(first))
	request.TemplateId = common.StringPtr(a.template(first))
	request.TemplateParamSet = common.StringPtrs(templateParams(first))
	request.PhoneNumberSet = common.StringPtrs(phones)
	if len(items) == 1 {
		request.SessionContext = common.StringPtr(first.MessageID)
	}

	response, err := a.client.SendSmsWithContext(ctx, request)
	if err != nil {
		return a.sdkFailure(err, items)
	}
	if response == nil || response.Response == nil {
		return nil, provider.NewMalformedError(0, errors.New("empty SendSms response"))
	}

	byPhone := make(map[string][]*sms.SendStatus, len(response.Response.SendStatusSet))
	for _, status := range response.Response.SendStatusSet {
		if status == nil || status.PhoneNumber == nil {
			continue
		}
		phone := normalizePhone(*status.PhoneNumber)
		byPhone[phone] = append(byPhone[phone], status)
	}

	out := make([]provider.MessageResponse, len(items))
	for i, item := range items {
		phone := normalizePhone(item.Recipient)
		queue := byPhone[phone]
		if len(queue) == 0 {
			return nil, provider.NewMalformedError(0, fmt.Errorf("no send status for %s", item.Recipient))
		}
		status := queue[0]
		byPhone[phone] = queue[1:]

		out[i] = a.Respond(
			stringValue(status.Code),
			stringValue(status.Message),
			stringValue(status.SerialNo),
			a.cost(status.Fee),
			"CNY",
		)
		out[i].Recipient = item.Recipient
	}
	return out, nil
}

// sdkFailure turns request-level SDK errors into one classified failure per
// item; client-side errors (network, timeouts) are transport faults.
func (a *Adapter) sdkFailure(err error, items []provider.SendMessageData) ([]provider.MessageResponse, error) {
	var sdkErr *tcerrors.TencentCloudSDKError
	if !errors.As(err, &sdkErr) || strings.HasPrefix(sdkErr.GetCode(), clientErrorPrefix) {
		return nil, provider.RequestError(err)
	}

	out := make([]provider.MessageResponse, len(items))
	for i, item := range items {
		out[i] = a.Respond(sdkErr.GetCode(), sdkErr.GetMessage(), "", nil, "")
		out[i].Recipient = item.Recipient
	}
	return out, nil
}

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

func (a *Adapter) ProcessWebhook(req provider.WebhookRequest) (provider.WebhookEvent, error) {
	var reports []statusReport
	if err := json.Unmarshal(req.Payload, &reports); err != nil {
		var single statusReport
		if errSingle := json.Unmarshal(req.Payload, &single); errSingle != nil {
			return provider.WebhookEvent{}, fmt.Errorf("%w: invalid tencent status report: %v", domain.ErrValidation, err)
		}
		reports = []statusReport{single}
	}
	if len(reports) != 1 {
		return provider.WebhookEvent{}, fmt.Errorf("%w: expected one tencent status report, got %d", domain.ErrValidation, len(reports))
	}

	r := reports[0]
	if strings.TrimSpace(r.SID) == "" || strings.TrimSpace(r.ReportStatus) == "" {
		return provider.WebhookEvent{}, fmt.Errorf("%w: tencent status report missing sid or report_status", domain.ErrValidation)
	}

	event := provider.WebhookEvent{
		ProviderMessageID: r.SID,
		EventType:         strings.ToLower(r.ReportStatus),
		OccurredAt:        a.Now().UTC(),
	}
	switch strings.ToUpper(r.ReportStatus) {
	case "SUCCESS":
		event.Status = domain.StatusDelivered
	case "FAIL":
		event.Status = domain.StatusFailed
		event.ErrorCode = r.ErrMsg
		event.ErrorMessage = r.Description
	}
	if r.UserReceiveTime != "" {
		if parsed, err := time.ParseInLocation(time.DateTime, r.UserReceiveTime, time.FixedZone("CST", 8*60*60)); err == nil {
			event.OccurredAt = parsed.UTC()
		}
	}
	return event, nil
}

func (a *Adapter) sender(item provider.SendMessageData) string {
	if item.SenderID != "" {
		return item.SenderID
	}
	return a.signName
}

func (a *Adapter) template(item provider.SendMessageData) string {
	if item.TemplateCode != "" {
		return item.TemplateCode
	}
	return a.templateID
}

func (a *Adapter) contentKey(item provider.SendMessageData) string {
	return a.sender(item) + "\x00" + a.template(item) + "\x00" + strings.Join(templateParams(item), "\x00")
}

func (a *Adapter) cost(fee *uint64) *float64 {
	if fee == nil || a.unitPrice == 0 {
		return nil
	}
	cost := float64(*fee) * a.unitPrice
	return &cost
}

// templateParams orders named parameters by key; templates without
// parameters receive the body as their single placeholder.
func templateParams(item provider.SendMessageData) []string {
	if len(item.TemplateParams) == 0 {
		return []string{item.Body}
	}
	keys := make([]string, 0, len(item.TemplateParams))
	for key := range item.TemplateParams {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, errI := strconv.Atoi(keys[i])
		nj, errJ := strconv.Atoi(keys[j])
		if errI == nil && errJ == nil {
			return ni < nj
		}
		return keys[i] < keys[j]
	})

	params := make([]string, 0, len(keys))
	for _, key := range keys {
		params = append(params, item.TemplateParams[key])
	}
	return params
}

func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return phone
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
