package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
)

// JobScheduler turns delayed work into delayed queue jobs. It serves both
// retry.Scheduler and webhook.Scheduler.
type JobScheduler struct {
	publisher queue.Publisher
}

func NewJobScheduler(publisher queue.Publisher) (*JobScheduler, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &JobScheduler{publisher: publisher}, nil
}

func (s *JobScheduler) ScheduleRetry(ctx context.Context, m *domain.Message, delay time.Duration) error {
	return s.publisher.Publish(ctx, queue.SendJob(m, m.CorrelationID), queue.PublishOptions{Delay: delay})
}

func (s *JobScheduler) ScheduleWebhook(ctx context.Context, webhookID string, delay time.Duration) error {
	return s.publisher.Publish(ctx, webhookJob(ctx, webhookID), queue.PublishOptions{Delay: delay})
}

// Requeue publishes job again after delay.
func (s *JobScheduler) Requeue(ctx context.Context, job queue.Job, delay time.Duration) error {
	return s.publisher.Publish(ctx, job, queue.PublishOptions{Delay: delay})
}

func batchJob(ctx context.Context, b *domain.Batch) queue.Job {
	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = b.ID
	}
	return queue.Job{
		Kind:          queue.KindBatch,
		ID:            b.ID,
		CorrelationID: correlationID,
		Priority:      domain.PriorityFor(b.Type),
	}
}

func webhookJob(ctx context.Context, webhookID string) queue.Job {
	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = webhookID
	}
	return queue.Job{
		Kind:          queue.KindWebhook,
		ID:            webhookID,
		CorrelationID: correlationID,
		Priority:      domain.PriorityNormal,
	}
}
