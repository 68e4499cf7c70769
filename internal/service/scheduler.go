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
	defaultSchedulerScanInterval = 5 * time.Second
	defaultSchedulerScanLimit    = 100
)

// Scheduler releases SCHEDULED messages once their scheduled time passes.
type Scheduler struct {
	messages  repository.MessageRepository
	publisher queue.Publisher
	logger    *zap.Logger
	interval  time.Duration
	limit     int
	now       func() time.Time
}

func NewScheduler(
	messages repository.MessageRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if messages == nil || publisher == nil {
		return nil, fmt.Errorf("message repository and publisher are required")
	}
	if interval <= 0 {
		interval = defaultSchedulerScanInterval
	}
	if limit <= 0 {
		limit = defaultSchedulerScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		messages:  messages,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		limit:     limit,
		now:       time.Now,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
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
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

// scanDue moves due messages to PENDING before publishing, so a worker never
// sees a job for a message it may not claim yet.
func (s *Scheduler) scanDue(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.messages.GetDueScheduled(ctx, now, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due scheduled messages: %w", err)
	}

	for i := range due {
		m := &due[i]
		won, err := s.messages.TransitionStatus(ctx, m.ID,
			[]domain.Status{domain.StatusScheduled}, domain.StatusPending, repository.StatusChange{},
		)
		if err != nil {
			s.logger.Error("failed to release scheduled message", zap.String("messageId", m.ID), zap.Error(err))
			continue
		}
		if !won {
			s.logger.Info("scheduled message status changed before release", zap.String("messageId", m.ID))
			continue
		}
		m.Status = domain.StatusPending

		if err := s.publisher.Publish(ctx, queue.SendJob(m, m.CorrelationID), queue.PublishOptions{}); err != nil {
			s.logger.Error("failed to enqueue scheduled message",
				zap.String("messageId", m.ID),
				zap.String("queue", queue.QueueName(queue.KindSend)),
				zap.Error(err),
			)
			if err := failUnqueued(ctx, s.messages, m, err, s.now().UTC()); err != nil {
				s.logger.Error("failed to mark scheduled message as failed", zap.String("messageId", m.ID), zap.Error(err))
			}
		}
	}

	return nil
}
