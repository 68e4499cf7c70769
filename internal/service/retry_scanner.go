package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 5 * time.Second
	defaultRetryScanLimit    = 100
	// missedJobGrace is how long past next_retry_at a delayed job may still
	// be on its way before the scanner enqueues another one.
	missedJobGrace = 30 * time.Second
	// defaultStaleSendingAfter matches the default per-message lock TTL; past
	// it no attempt can still own a SENDING row.
	defaultStaleSendingAfter = 5 * time.Minute
)

// RetryScanner re-enqueues retries whose delayed job never arrived: messages
// left RETRYING and webhooks left FAILED past their next_retry_at. It also
// releases messages whose attempt died while SENDING.
type RetryScanner struct {
	messages     repository.MessageRepository
	webhooks     repository.WebhookRepository
	publisher    queue.Publisher
	logger       *zap.Logger
	interval     time.Duration
	limit        int
	staleSending time.Duration
	now          func() time.Time
}

func NewRetryScanner(
	messages repository.MessageRepository,
	webhooks repository.WebhookRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		messages:     messages,
		webhooks:     webhooks,
		publisher:    publisher,
		logger:       logger,
		interval:     interval,
		limit:        limit,
		staleSending: defaultStaleSendingAfter,
		now:          time.Now,
	}, nil
}

// SetStaleSendingAfter sets how long a message may stay SENDING before it is
// released back to RETRYING. It should not be shorter than the message lock TTL.
func (s *RetryScanner) SetStaleSendingAfter(d time.Duration) {
	if d > 0 {
		s.staleSending = d
	}
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so retries missed during downtime do not wait for the first tick.
	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *RetryScanner) scanDue(ctx context.Context) error {
	if err := s.releaseStaleSending(ctx); err != nil {
		return err
	}

	cutoff := s.now().UTC().Add(-missedJobGrace)

	due, err := s.messages.GetDueForRetry(ctx, cutoff, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due retries: %w", err)
	}
	for i := range due {
		m := &due[i]
		if err := s.publisher.Publish(ctx, queue.SendJob(m, m.CorrelationID), queue.PublishOptions{}); err != nil {
			s.logger.Error("failed to enqueue retry",
				zap.String("messageId", m.ID),
				zap.String("queue", queue.QueueName(queue.KindSend)),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("missed retry enqueued", zap.String("messageId", m.ID), zap.Int("retryCount", m.RetryCount))
	}

	if s.webhooks == nil {
		return nil
	}
	webhooks, err := s.webhooks.GetDueForRetry(ctx, cutoff, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due webhook retries: %w", err)
	}
	for i := range webhooks {
		w := &webhooks[i]
		if err := s.publisher.Publish(ctx, webhookJob(ctx, w.ID), queue.PublishOptions{}); err != nil {
			s.logger.Error("failed to enqueue webhook retry",
				zap.String("webhookId", w.ID),
				zap.String("queue", queue.QueueName(queue.KindWebhook)),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("missed webhook retry enqueued", zap.String("webhookId", w.ID), zap.Int("retryCount", w.RetryCount))
	}

	return nil
}

// releaseStaleSending moves messages stuck in SENDING to RETRYING without
// spending a retry and enqueues them. The provider may have accepted the lost
// attempt, so a recovered message can be delivered twice.
func (s *RetryScanner) releaseStaleSending(ctx context.Context) error {
	now := s.now().UTC()

	stale, err := s.messages.GetStaleSending(ctx, now.Add(-s.staleSending), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch stale sending messages: %w", err)
	}
	for i := range stale {
		m := &stale[i]
		won, err := s.messages.TransitionStatus(ctx, m.ID,
			[]domain.Status{domain.StatusSending}, domain.StatusRetrying,
			repository.StatusChange{NextRetryAt: &now},
		)
		if err != nil {
			s.logger.Error("failed to release stale sending message", zap.String("messageId", m.ID), zap.Error(err))
			continue
		}
		if !won {
			continue
		}
		s.logger.Warn("released message stuck in sending",
			zap.String("messageId", m.ID),
			zap.Time("sendingSince", m.UpdatedAt),
			zap.Int("retryCount", m.RetryCount),
		)

		m.Status = domain.StatusRetrying
		m.NextRetryAt = &now
		if err := s.publisher.Publish(ctx, queue.SendJob(m, m.CorrelationID), queue.PublishOptions{}); err != nil {
			// next_retry_at is set, so the missed-retry pass picks it up later.
			s.logger.Error("failed to enqueue released message",
				zap.String("messageId", m.ID),
				zap.String("queue", queue.QueueName(queue.KindSend)),
				zap.Error(err),
			)
		}
	}
	return nil
}
