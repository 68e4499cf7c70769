package provider

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"go.uber.org/zap"
)

// Base holds the parts every adapter shares: its definition, the classifier
// and a health tracker. Adapters embed it and override what they support.
type Base struct {
	def        config.ProviderDefinition
	classifier *Classifier
	health     *HealthTracker
	logger     *zap.Logger
	now        func() time.Time
}

func NewBase(def config.ProviderDefinition, deps Dependencies) *Base {
	deps = deps.withDefaults()
	return &Base{
		def:        def,
		classifier: deps.Classifier,
		health:     NewHealthTracker(0, 0, 0),
		logger:     deps.Logger.With(zap.String("provider", def.Name)),
		now:        deps.Now,
	}
}

// RegisterCodes installs the driver's code table, then the overrides from
// the definition.
func (b *Base) RegisterCodes(defaults map[string]CodeInfo) {
	b.classifier.Register(b.def.Name, defaults)
	b.classifier.RegisterDefinition(b.def)
}

func (b *Base) Name() string { return b.def.Name }

func (b *Base) Definition() config.ProviderDefinition { return b.def }

func (b *Base) Capabilities() []string { return slices.Clone(b.def.Capabilities) }

func (b *Base) MaxRecipients() int { return b.def.MaxRecipients }

func (b *Base) IsHealthy(context.Context) bool { return b.health.Healthy() }

func (b *Base) Health() *HealthTracker { return b.health }

func (b *Base) Logger() *zap.Logger { return b.logger }

func (b *Base) Now() time.Time { return b.now() }

func (b *Base) Currency(fallback string) string {
	if b.def.Currency != "" {
		return b.def.Currency
	}
	return fallback
}

func (b *Base) SendBulk(context.Context, []SendMessageData) ([]MessageResponse, error) {
	return nil, fmt.Errorf("%w: %s has no bulk endpoint", domain.ErrUnsupported, b.def.Name)
}

func (b *Base) GetBalance(context.Context) (Balance, error) {
	return Balance{}, fmt.Errorf("%w: %s does not report balance", domain.ErrUnsupported, b.def.Name)
}

// Classify returns the category and description of a provider code.
func (b *Base) Classify(code, fallback string) (domain.ErrorCategory, string) {
	info, ok := b.classifier.Lookup(b.def.Name, code)
	if !ok {
		return domain.CategoryUnknown, fallback
	}
	if info.Message == "" {
		info.Message = fallback
	}
	return info.Category, info.Message
}

func (b *Base) Lookup(code string) (CodeInfo, bool) {
	return b.classifier.Lookup(b.def.Name, code)
}

// Respond builds the normalized response for a provider result code.
func (b *Base) Respond(code, message, providerMessageID string, cost *float64, currency string) MessageResponse {
	category, description := b.Classify(code, message)
	if category == domain.CategorySuccess {
		return Succeeded(b.def.Name, providerMessageID, cost, b.Currency(currency), b.now())
	}
	resp := Failed(b.def.Name, code, description, category)
	if providerMessageID != "" {
		resp.Metadata = map[string]string{"provider_message_id": providerMessageID}
	}
	return resp
}

// Observe feeds a send outcome into the health tracker. Only faults that say
// something about the provider itself count against it.
func (b *Base) Observe(resp MessageResponse, err error) {
	if err != nil {
		b.health.Record(!IsTransport(err))
		return
	}
	switch {
	case resp.Success:
		b.health.Record(true)
	case resp.Category == domain.CategoryTemporary, resp.Category == domain.CategoryTransport,
		resp.Category.NeedsOperator():
		b.health.Record(false)
	default:
		b.health.Record(true)
	}
}
