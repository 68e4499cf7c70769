package service

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"github.com/kursadbilgin/message-dispatch/internal/retry"
	"go.uber.org/zap"
)

const maxBatchRecipients = 10000

// BatchCanceller cancels a batch and its unsent messages. *batch.Processor implements it.
type BatchCanceller interface {
	Cancel(ctx context.Context, id string) (*domain.Batch, error)
}

// BatchRecipient is one recipient of a batch with its template variables.
type BatchRecipient struct {
	Recipient string
	Timezone  string
	Variables map[string]string
}

// BatchRequest describes a bulk send. Body or template is shared by every
// recipient; per-recipient variables are merged over TemplateVariables.
type BatchRequest struct {
	Owner              domain.Owner
	CorrelationID      string
	Provider           string
	Channel            domain.Channel
	Type               domain.MessageType
	Body               string
	TemplateID         string
	TemplateVariables  map[string]string
	SenderID           string
	Recipients         []BatchRecipient
	RateLimitPerMinute int
	RateLimitPerHour   int
	SendWindowStart    *int
	SendWindowEnd      *int
	RespectTimezone    bool
	Timezone           string
	MaxRetries         *int
	RetryBackoff       []int
	Metadata           map[string]string
}

type BatchService struct {
	batches   repository.BatchRepository
	messages  repository.MessageRepository
	publisher queue.Publisher
	canceller BatchCanceller
	policy    retry.Policy
	renderer  Renderer
	owners    OwnerLookup
	providers ProviderCatalog
	logger    *zap.Logger
	now       func() time.Time
}

func NewBatchService(
	batches repository.BatchRepository,
	messages repository.MessageRepository,
	publisher queue.Publisher,
	canceller BatchCanceller,
	policy retry.Policy,
	logger *zap.Logger,
) (*BatchService, error) {
	if batches == nil || messages == nil || publisher == nil || canceller == nil {
		return nil, fmt.Errorf("batch service dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		batches:   batches,
		messages:  messages,
		publisher: publisher,
		canceller: canceller,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *BatchService) SetRenderer(renderer Renderer) { s.renderer = renderer }

func (s *BatchService) SetOwnerLookup(owners OwnerLookup) { s.owners = owners }

func (s *BatchService) SetProviderCatalog(providers ProviderCatalog) { s.providers = providers }

// Create stores the batch with one PENDING message per recipient and
// enqueues the batch job. Messages inherit the batch retry policy.
func (s *BatchService) Create(ctx context.Context, req BatchRequest) (*domain.Batch, error) {
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("%w: batch must include at least one recipient", domain.ErrValidation)
	}
	if len(req.Recipients) > maxBatchRecipients {
		return nil, fmt.Errorf("%w: batch size exceeds %d", domain.ErrValidation, maxBatchRecipients)
	}
	owner, err := resolveOwner(ctx, s.owners, req.Owner)
	if err != nil {
		return nil, err
	}
	if err := checkProvider(s.providers, req.Provider, req.Channel); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b := &domain.Batch{
		ID:                 uuid.NewString(),
		OwnerType:          owner.Type,
		OwnerID:            owner.ID,
		Provider:           strings.ToLower(strings.TrimSpace(req.Provider)),
		Channel:            req.Channel,
		Type:               req.Type,
		Status:             domain.BatchStatusPending,
		TotalRecipients:    len(req.Recipients),
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerHour:   req.RateLimitPerHour,
		SendWindowStart:    req.SendWindowStart,
		SendWindowEnd:      req.SendWindowEnd,
		RespectTimezone:    req.RespectTimezone,
		Timezone:           strings.TrimSpace(req.Timezone),
		MaxRetries:         s.policy.MaxRetries,
		RetryBackoff:       req.RetryBackoff,
	}
	if req.MaxRetries != nil {
		b.MaxRetries = *req.MaxRetries
	}
	if b.Type == "" {
		b.Type = domain.MessageTypeTransactional
		if b.Channel == domain.ChannelOTP {
			b.Type = domain.MessageTypeOTP
		}
	}
	if b.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: maxRetries must be >= 0", domain.ErrValidation)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = b.ID
	}
	messages := make([]*domain.Message, 0, len(req.Recipients))
	for i, r := range req.Recipients {
		vars := maps.Clone(req.TemplateVariables)
		if vars == nil && len(r.Variables) > 0 {
			vars = make(map[string]string, len(r.Variables))
		}
		maps.Copy(vars, r.Variables)

		m, err := newMessage(SendRequest{
			CorrelationID:     correlationID,
			Provider:          b.Provider,
			Channel:           b.Channel,
			Type:              b.Type,
			Recipient:         r.Recipient,
			RecipientTimezone: r.Timezone,
			Body:              req.Body,
			TemplateID:        req.TemplateID,
			TemplateVariables: vars,
			SenderID:          req.SenderID,
			MaxRetries:        &b.MaxRetries,
			RetryBackoff:      b.RetryBackoff,
			Metadata:          req.Metadata,
		}, owner, s.policy, now)
		if err != nil {
			return nil, err
		}
		m.BatchID = &b.ID
		if err := render(s.renderer, m); err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		messages = append(messages, m)
	}

	if err := s.batches.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to store batch: %w", err)
	}
	if err := s.messages.CreateBatch(ctx, messages); err != nil {
		s.abandon(ctx, b, err)
		return nil, fmt.Errorf("failed to store batch messages: %w", err)
	}

	if err := s.publisher.Publish(ctx, batchJob(ctx, b), queue.PublishOptions{}); err != nil {
		s.logger.Error("failed to publish batch", zap.String("batchId", b.ID), zap.Error(err))
		s.abandon(ctx, b, err)
		return nil, fmt.Errorf("failed to publish batch: %w", err)
	}

	s.logger.Info("batch accepted",
		zap.String("batchId", b.ID),
		zap.String("channel", b.Channel.String()),
		zap.Int("totalRecipients", b.TotalRecipients),
	)
	return b, nil
}

func (s *BatchService) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	return s.batches.GetByID(ctx, strings.TrimSpace(id))
}

// Progress returns the counter snapshot of batch id.
func (s *BatchService) Progress(ctx context.Context, id string) (domain.BatchProgress, error) {
	b, err := s.GetByID(ctx, id)
	if err != nil {
		return domain.BatchProgress{}, err
	}
	return b.Snapshot(), nil
}

func (s *BatchService) Cancel(ctx context.Context, id string) (*domain.Batch, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	return s.canceller.Cancel(ctx, strings.TrimSpace(id))
}

// abandon marks a batch that never reached the queue as FAILED.
func (s *BatchService) abandon(ctx context.Context, b *domain.Batch, cause error) {
	ctx = context.WithoutCancel(ctx)
	summary := cause.Error()
	now := s.now().UTC()
	if _, err := s.batches.TransitionStatus(ctx, b.ID,
		[]domain.BatchStatus{domain.BatchStatusPending}, domain.BatchStatusFailed,
		repository.BatchChange{CompletedAt: &now, ErrorSummary: &summary},
	); err != nil {
		s.logger.Error("failed to mark batch failed", zap.String("batchId", b.ID), zap.Error(err))
		return
	}
	code := codeEnqueueFailed
	category := domain.CategoryTransport
	failed, err := s.messages.TransitionByBatch(ctx, b.ID, []domain.Status{domain.StatusPending}, domain.StatusFailed,
		repository.StatusChange{ErrorCode: &code, ErrorMessage: &summary, ErrorCategory: &category, FailedAt: &now},
	)
	if err != nil {
		s.logger.Error("failed to fail batch messages", zap.String("batchId", b.ID), zap.Error(err))
	}
	if failed > 0 {
		if _, err := s.batches.UpdateProgress(ctx, b.ID, domain.ProgressDelta{Failed: int(failed)}); err != nil {
			s.logger.Error("failed to count failed batch messages", zap.String("batchId", b.ID), zap.Error(err))
		}
		b.ProcessedCount += int(failed)
		b.FailedCount += int(failed)
	}
	b.Status = domain.BatchStatusFailed
	b.ErrorSummary = &summary
}
