package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"github.com/kursadbilgin/message-dispatch/internal/retry"
	"go.uber.org/zap"
)

const codeEnqueueFailed = "ENQUEUE_FAILED"

// MessageCanceller cancels a standalone message. *retry.Engine implements it.
type MessageCanceller interface {
	Cancel(ctx context.Context, id string) (*domain.Message, error)
}

// Renderer expands locally defined templates. *template.Renderer implements it.
type Renderer interface {
	Has(templateID string) bool
	Render(templateID string, vars map[string]string) (string, error)
}

// ProviderCatalog validates an explicitly requested provider.
// *provider.Registry implements it.
type ProviderCatalog interface {
	Definition(name string) (config.ProviderDefinition, error)
}

// SendRequest describes one message to create.
type SendRequest struct {
	Owner             domain.Owner
	CorrelationID     string
	Provider          string
	Channel           domain.Channel
	Type              domain.MessageType
	Recipient         string
	RecipientTimezone string
	Body              string
	TemplateID        string
	TemplateVariables map[string]string
	SenderID          string
	ScheduledAt       *time.Time
	// MaxRetries overrides the configured retry limit when set.
	MaxRetries   *int
	RetryBackoff []int
	Metadata     map[string]string
}

type MessageService struct {
	messages  repository.MessageRepository
	attempts  repository.AttemptRepository
	publisher queue.Publisher
	canceller MessageCanceller
	policy    retry.Policy
	renderer  Renderer
	owners    OwnerLookup
	providers ProviderCatalog
	logger    *zap.Logger
	now       func() time.Time
}

func NewMessageService(
	messages repository.MessageRepository,
	attempts repository.AttemptRepository,
	publisher queue.Publisher,
	canceller MessageCanceller,
	policy retry.Policy,
	logger *zap.Logger,
) (*MessageService, error) {
	if messages == nil || publisher == nil || canceller == nil {
		return nil, fmt.Errorf("message repository, publisher and canceller are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MessageService{
		messages:  messages,
		attempts:  attempts,
		publisher: publisher,
		canceller: canceller,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *MessageService) SetRenderer(renderer Renderer) { s.renderer = renderer }

func (s *MessageService) SetOwnerLookup(owners OwnerLookup) { s.owners = owners }

func (s *MessageService) SetProviderCatalog(providers ProviderCatalog) { s.providers = providers }

// Create stores a message and enqueues its first attempt. A message scheduled
// in the future is stored as SCHEDULED and enqueued later by the Scheduler.
func (s *MessageService) Create(ctx context.Context, req SendRequest) (*domain.Message, error) {
	owner, err := resolveOwner(ctx, s.owners, req.Owner)
	if err != nil {
		return nil, err
	}
	if err := checkProvider(s.providers, req.Provider, req.Channel); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m, err := newMessage(req, owner, s.policy, now)
	if err != nil {
		return nil, err
	}
	if err := render(s.renderer, m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if err := s.messages.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	if m.Status == domain.StatusScheduled {
		s.logger.Info("message scheduled",
			zap.String("messageId", m.ID),
			zap.Time("scheduledAt", *m.ScheduledAt),
		)
		return m, nil
	}

	if err := s.publisher.Publish(ctx, queue.SendJob(m, m.CorrelationID), queue.PublishOptions{}); err != nil {
		s.logger.Error("failed to publish message",
			zap.String("messageId", m.ID),
			zap.String("channel", m.Channel.String()),
			zap.Error(err),
		)
		if failErr := failUnqueued(ctx, s.messages, m, err, s.now().UTC()); failErr != nil {
			return nil, fmt.Errorf("failed to publish message: %w (failed to mark as failed: %v)", err, failErr)
		}
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	return m, nil
}

func (s *MessageService) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}
	return s.messages.GetByID(ctx, strings.TrimSpace(id))
}

// Attempts lists the provider invocations made for message id.
func (s *MessageService) Attempts(ctx context.Context, id string) ([]domain.MessageAttempt, error) {
	m, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.attempts == nil {
		return nil, nil
	}
	return s.attempts.GetByMessageID(ctx, m.ID)
}

func (s *MessageService) Cancel(ctx context.Context, id string) (*domain.Message, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}
	m, err := s.canceller.Cancel(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	observability.WithContextLogger(s.logger, ctx).Info("message cancelled", zap.String("messageId", m.ID))
	return m, nil
}

// failUnqueued fails a PENDING message whose job could not be published.
func failUnqueued(ctx context.Context, messages repository.MessageRepository, m *domain.Message, cause error, now time.Time) error {
	ctx = context.WithoutCancel(ctx)
	code := codeEnqueueFailed
	message := cause.Error()
	category := domain.CategoryTransport
	won, err := messages.TransitionStatus(ctx, m.ID, []domain.Status{domain.StatusPending}, domain.StatusFailed,
		repository.StatusChange{ErrorCode: &code, ErrorMessage: &message, ErrorCategory: &category, FailedAt: &now},
	)
	if err != nil {
		return err
	}
	if won {
		m.Status = domain.StatusFailed
		m.ErrorCode = &code
		m.ErrorMessage = &message
		m.ErrorCategory = &category
		m.FailedAt = &now
	}
	return nil
}

// newMessage applies defaults to req. The caller still renders and validates.
func newMessage(req SendRequest, owner domain.Owner, policy retry.Policy, now time.Time) (*domain.Message, error) {
	maxRetries := policy.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if err := validateBackoff(req.RetryBackoff); err != nil {
		return nil, err
	}

	msgType := req.Type
	if msgType == "" {
		msgType = domain.MessageTypeTransactional
		if req.Channel == domain.ChannelOTP {
			msgType = domain.MessageTypeOTP
		}
	}

	m := &domain.Message{
		ID:                uuid.NewString(),
		OwnerType:         owner.Type,
		OwnerID:           owner.ID,
		CorrelationID:     strings.TrimSpace(req.CorrelationID),
		Provider:          strings.ToLower(strings.TrimSpace(req.Provider)),
		Channel:           req.Channel,
		Type:              msgType,
		Recipient:         strings.TrimSpace(req.Recipient),
		RecipientTimezone: strings.TrimSpace(req.RecipientTimezone),
		Body:              strings.TrimSpace(req.Body),
		TemplateVariables: maps.Clone(req.TemplateVariables),
		SenderID:          strings.TrimSpace(req.SenderID),
		Status:            domain.StatusPending,
		MaxRetries:        maxRetries,
		RetryBackoff:      req.RetryBackoff,
		Metadata:          maps.Clone(req.Metadata),
	}
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	if id := strings.TrimSpace(req.TemplateID); id != "" {
		m.TemplateID = &id
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		m.ScheduledAt = &at
		if at.After(now) {
			m.Status = domain.StatusScheduled
		}
	}
	return m, nil
}

// render expands a locally defined template into the body. Provider-side
// templates are left for the adapter.
func render(renderer Renderer, m *domain.Message) error {
	if m.TemplateID == nil || renderer == nil || !renderer.Has(*m.TemplateID) {
		return nil
	}
	body, err := renderer.Render(*m.TemplateID, m.TemplateVariables)
	if err != nil {
		return err
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, 1)
	}
	m.Metadata["templateId"] = *m.TemplateID
	m.Body = body
	m.TemplateID = nil
	m.TemplateVariables = nil
	return nil
}

func checkProvider(providers ProviderCatalog, name string, channel domain.Channel) error {
	name = strings.TrimSpace(name)
	if name == "" || providers == nil {
		return nil
	}
	def, err := providers.Definition(name)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, name)
	}
	if err != nil {
		return err
	}
	if !def.SupportsChannel(channel) {
		return fmt.Errorf("%w: provider %q does not support channel %s", domain.ErrValidation, name, channel)
	}
	return nil
}

func validateBackoff(seconds []int) error {
	for _, s := range seconds {
		if s <= 0 {
			return fmt.Errorf("%w: retry backoff entries must be positive", domain.ErrValidation)
		}
	}
	return nil
}
