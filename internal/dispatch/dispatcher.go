// Package dispatch sends one message, or one provider-native bulk request,
// through the provider registry and normalizes every outcome into a
// provider.MessageResponse. It never touches persistence.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/consent"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
	"go.uber.org/zap"
)

// Providers is the part of the registry the dispatcher needs.
type Providers interface {
	Select(ctx context.Context, preferred string, channel domain.Channel) (provider.Adapter, error)
	Resolve(name string) (provider.Adapter, error)
	Definition(name string) (config.ProviderDefinition, error)
	Invalidate(name string)
}

type Dispatcher struct {
	providers Providers
	consent   consent.Checker
	limiter   ratelimit.RateLimiter
	validate  *validator.Validate
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatcher(
	providers Providers,
	checker consent.Checker,
	limiter ratelimit.RateLimiter,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if checker == nil {
		checker = consent.AllowAll{}
	}
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		providers: providers,
		consent:   checker,
		limiter:   limiter,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Send dispatches data through preferred, falling back along the channel
// routing when preferred is empty or unhealthy. Provider-side failures and
// transport faults come back as a failure response; the error is reserved
// for local collaborators (consent store, rate limiter, cancelled ctx).
func (d *Dispatcher) Send(ctx context.Context, preferred string, data provider.SendMessageData) (provider.MessageResponse, error) {
	if resp, rejected := d.precheck(data); rejected {
		return resp, nil
	}
	if resp, blocked, err := d.checkConsent(ctx, data); err != nil || blocked {
		return resp, err
	}

	adapter, err := d.providers.Select(ctx, preferred, data.Channel)
	if err != nil {
		resp := d.selectionFailure(preferred, err)
		resp.Recipient = data.Recipient
		d.record(resp, data.Channel)
		return resp, nil
	}
	name := adapter.Name()
	if preferred != "" && !strings.EqualFold(preferred, name) {
		d.metrics.IncProviderFallback(preferred, name)
	}

	if err := d.wait(ctx, name, 1); err != nil {
		return provider.MessageResponse{}, err
	}

	start := d.now()
	resp, sendErr := adapter.Send(ctx, data)
	d.metrics.ObserveProviderSendDuration(name, d.now().Sub(start))

	if sendErr != nil {
		resp = d.transportFailure(name, sendErr)
	}
	if resp.ProviderID == "" {
		resp.ProviderID = name
	}
	if resp.Recipient == "" {
		resp.Recipient = data.Recipient
	}

	d.record(resp, data.Channel)
	d.logOutcome(data.MessageID, resp)
	return resp, nil
}

// SendBulk sends data in one provider-native bulk request. Responses are
// index-aligned with data. Items rejected locally (validation, consent) get a
// failure response without reaching the provider. It returns
// domain.ErrUnsupported when the provider has no bulk endpoint.
func (d *Dispatcher) SendBulk(ctx context.Context, providerName string, data []provider.SendMessageData) ([]provider.MessageResponse, error) {
	adapter, err := d.providers.Resolve(providerName)
	if err != nil {
		return nil, err
	}
	def, err := d.providers.Definition(providerName)
	if err != nil {
		return nil, err
	}
	if !def.HasCapability(provider.CapabilityBulkMessaging) {
		return nil, fmt.Errorf("%w: provider %q has no bulk endpoint", domain.ErrUnsupported, def.Name)
	}
	if limit := adapter.MaxRecipients(); limit > 0 && len(data) > limit {
		return nil, fmt.Errorf("%w: bulk of %d exceeds max recipients %d", domain.ErrValidation, len(data), limit)
	}

	responses := make([]provider.MessageResponse, len(data))
	accepted := make([]provider.SendMessageData, 0, len(data))
	index := make([]int, 0, len(data))
	for i, item := range data {
		if resp, rejected := d.precheck(item); rejected {
			responses[i] = resp
			continue
		}
		resp, blocked, err := d.checkConsent(ctx, item)
		if err != nil {
			return nil, err
		}
		if blocked {
			responses[i] = resp
			continue
		}
		accepted = append(accepted, item)
		index = append(index, i)
	}
	if len(accepted) == 0 {
		return responses, nil
	}

	name := adapter.Name()
	if err := d.wait(ctx, name, len(accepted)); err != nil {
		return nil, err
	}

	start := d.now()
	results, sendErr := adapter.SendBulk(ctx, accepted)
	d.metrics.ObserveProviderSendDuration(name, d.now().Sub(start))

	if errors.Is(sendErr, domain.ErrUnsupported) {
		return nil, sendErr
	}
	if sendErr == nil && len(results) != len(accepted) {
		sendErr = provider.NewMalformedError(0, fmt.Errorf("bulk returned %d results for %d messages", len(results), len(accepted)))
	}

	for j, i := range index {
		var resp provider.MessageResponse
		if sendErr != nil {
			resp = d.transportFailure(name, sendErr)
		} else {
			resp = results[j]
		}
		if resp.ProviderID == "" {
			resp.ProviderID = name
		}
		if resp.Recipient == "" {
			resp.Recipient = accepted[j].Recipient
		}
		responses[i] = resp
		d.record(resp, accepted[j].Channel)
		d.logOutcome(accepted[j].MessageID, resp)
	}

	return responses, nil
}

func (d *Dispatcher) precheck(data provider.SendMessageData) (provider.MessageResponse, bool) {
	if err := d.validate.Struct(data); err != nil {
		resp := provider.Failed("", provider.CodeInvalidRequest, err.Error(), domain.CategoryValidation)
		resp.Recipient = data.Recipient
		d.record(resp, data.Channel)
		return resp, true
	}
	return provider.MessageResponse{}, false
}

func (d *Dispatcher) checkConsent(ctx context.Context, data provider.SendMessageData) (provider.MessageResponse, bool, error) {
	if !consent.RequiresConsent(data.Type) {
		return provider.MessageResponse{}, false, nil
	}

	granted, err := d.consent.HasConsent(ctx, data.Recipient, data.Type)
	if err != nil {
		return provider.MessageResponse{}, false, fmt.Errorf("failed to check consent: %w", err)
	}
	if granted {
		return provider.MessageResponse{}, false, nil
	}

	resp := provider.Failed("", provider.CodeConsentMissing, "recipient has not consented to marketing messages", domain.CategoryValidation)
	resp.Recipient = data.Recipient
	d.record(resp, data.Channel)
	d.logger.Info("send skipped, no consent",
		zap.String("messageId", data.MessageID),
		zap.String("type", data.Type.String()),
	)
	return resp, true, nil
}

func (d *Dispatcher) selectionFailure(preferred string, err error) provider.MessageResponse {
	if errors.Is(err, domain.ErrNotFound) {
		d.logger.Error("preferred provider is not registered",
			zap.String("provider", preferred),
			zap.Error(err),
		)
		return provider.Failed(preferred, provider.CodeInvalidRequest, err.Error(), domain.CategoryConfiguration)
	}

	d.logger.Warn("no provider available", zap.String("preferred", preferred), zap.Error(err))
	return provider.Failed(preferred, provider.CodeNoProviderAvailable, err.Error(), domain.CategoryTransport)
}

func (d *Dispatcher) transportFailure(name string, err error) provider.MessageResponse {
	transportErr, ok := provider.AsTransport(err)
	if !ok {
		transportErr = provider.NewTransportError("send failed", err)
	}
	d.providers.Invalidate(name)
	return provider.FromTransportError(name, transportErr)
}

// wait takes n units from the provider's rate budget, in slices no larger
// than its smallest window.
func (d *Dispatcher) wait(ctx context.Context, name string, n int) error {
	def, err := d.providers.Definition(name)
	if err != nil {
		return err
	}
	limits := ratelimit.Limits{PerMinute: def.RateLimits.PerMinute, PerHour: def.RateLimits.PerHour}
	if limits.IsZero() {
		return nil
	}

	step := n
	for _, window := range []int{limits.PerMinute, limits.PerHour} {
		if window > 0 && window < step {
			step = window
		}
	}
	for n > 0 {
		take := min(step, n)
		if err := d.limiter.Wait(ctx, "provider:"+name, limits, take); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
		n -= take
	}
	return nil
}

func (d *Dispatcher) record(resp provider.MessageResponse, channel domain.Channel) {
	if resp.Success {
		d.metrics.IncMessageSent(resp.ProviderID, channel.String())
		return
	}
	d.metrics.IncMessageFailed(resp.ProviderID, resp.Category.String())
}

func (d *Dispatcher) logOutcome(messageID string, resp provider.MessageResponse) {
	fields := []zap.Field{
		zap.String("messageId", messageID),
		zap.String("provider", resp.ProviderID),
		zap.String("category", resp.Category.String()),
	}
	switch {
	case resp.Success:
		d.logger.Debug("message accepted by provider", append(fields, zap.String("providerMessageId", resp.ProviderMessageID))...)
	case resp.Category == domain.CategoryUnknown:
		d.logger.Warn("unclassified provider response, needs triage",
			append(fields, zap.String("errorCode", resp.ErrorCode), zap.String("errorMessage", resp.ErrorMessage))...)
	case resp.Category.NeedsOperator():
		d.logger.Error("provider rejected send, operator action required",
			append(fields, zap.String("errorCode", resp.ErrorCode), zap.String("errorMessage", resp.ErrorMessage))...)
	default:
		d.logger.Info("provider rejected send",
			append(fields, zap.String("errorCode", resp.ErrorCode))...)
	}
}
