package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/batch"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/retry"
	"github.com/kursadbilgin/message-dispatch/internal/webhook"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// minBatchDelay keeps a deferred batch from spinning when its window opens
// within the current second.
const minBatchDelay = time.Second

// SendAttempter runs one send attempt. *retry.Engine implements it.
type SendAttempter interface {
	Attempt(ctx context.Context, id string) (retry.Outcome, error)
}

// BatchRunner runs one pass over a batch. *batch.Processor implements it.
type BatchRunner interface {
	Process(ctx context.Context, id string) (batch.Result, error)
}

// WebhookReprocessor retries a failed webhook. *webhook.Ingestor implements it.
type WebhookReprocessor interface {
	Reprocess(ctx context.Context, id string) (webhook.Result, error)
}

// Requeuer publishes a job again after delay. *JobScheduler implements it.
type Requeuer interface {
	Requeue(ctx context.Context, job queue.Job, delay time.Duration) error
}

// WorkerConcurrency is the number of consumers started per job kind.
type WorkerConcurrency struct {
	Send    int
	Batch   int
	Webhook int
}

type WorkerService struct {
	consumer    queue.Consumer
	sends       SendAttempter
	batches     BatchRunner
	webhooks    WebhookReprocessor
	rescheduler Requeuer
	concurrency WorkerConcurrency
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewWorkerService(
	consumer queue.Consumer,
	sends SendAttempter,
	batches BatchRunner,
	webhooks WebhookReprocessor,
	rescheduler Requeuer,
	concurrency WorkerConcurrency,
	logger *zap.Logger,
) (*WorkerService, error) {
	if consumer == nil || sends == nil || batches == nil || webhooks == nil || rescheduler == nil {
		return nil, fmt.Errorf("worker dependencies are required")
	}
	concurrency.Send = max(concurrency.Send, minWorkerConcurrency)
	concurrency.Batch = max(concurrency.Batch, minWorkerConcurrency)
	concurrency.Webhook = max(concurrency.Webhook, minWorkerConcurrency)
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		consumer:    consumer,
		sends:       sends,
		batches:     batches,
		webhooks:    webhooks,
		rescheduler: rescheduler,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start consumes every job kind until context cancellation.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pools := []struct {
		kind    queue.Kind
		workers int
		handler queue.JobHandler
	}{
		{queue.KindSend, s.concurrency.Send, s.handleSend},
		{queue.KindBatch, s.concurrency.Batch, s.handleBatch},
		{queue.KindWebhook, s.concurrency.Webhook, s.handleWebhook},
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, pool := range pools {
		for i := 0; i < pool.workers; i++ {
			kind, handler, workerID := pool.kind, pool.handler, i+1
			g.Go(func() error {
				s.logger.Info("worker started", zap.Int("workerId", workerID), zap.String("kind", kind.String()))

				if err := s.consumer.Consume(groupCtx, kind, s.instrument(kind, handler)); err != nil {
					s.logger.Error("worker stopped with error",
						zap.Int("workerId", workerID),
						zap.String("kind", kind.String()),
						zap.Error(err),
					)
					return err
				}

				s.logger.Info("worker stopped", zap.Int("workerId", workerID), zap.String("kind", kind.String()))
				return nil
			})
		}
	}

	return g.Wait()
}

func (s *WorkerService) instrument(kind queue.Kind, handler queue.JobHandler) queue.JobHandler {
	return func(ctx context.Context, job queue.Job) error {
		s.metrics.IncWorkerInFlight(kind.String())
		defer s.metrics.DecWorkerInFlight(kind.String())
		return handler(ctx, job)
	}
}

func (s *WorkerService) handleSend(ctx context.Context, job queue.Job) error {
	out, err := s.sends.Attempt(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to attempt message %s: %w", job.ID, err)
	}
	if out.Skipped {
		observability.WithContextLogger(s.logger, ctx).Debug("send job skipped",
			zap.String("messageId", job.ID),
			zap.String("reason", out.Reason),
		)
	}
	return nil
}

func (s *WorkerService) handleBatch(ctx context.Context, job queue.Job) error {
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("batchId", job.ID))

	result, err := s.batches.Process(ctx, job.ID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("batch not found, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to process batch %s: %w", job.ID, err)
	}
	if result.DeferUntil == nil || result.Status != domain.BatchStatusProcessing {
		return nil
	}

	delay := max(result.DeferUntil.Sub(s.now()), minBatchDelay)
	if err := s.rescheduler.Requeue(ctx, job, delay); err != nil {
		return fmt.Errorf("failed to reschedule batch %s: %w", job.ID, err)
	}
	logger.Info("batch pass rescheduled", zap.Duration("delay", delay), zap.Int("deferred", result.Deferred))
	return nil
}

func (s *WorkerService) handleWebhook(ctx context.Context, job queue.Job) error {
	result, err := s.webhooks.Reprocess(ctx, job.ID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("webhook not found, skipping", zap.String("webhookId", job.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reprocess webhook %s: %w", job.ID, err)
	}
	observability.WithContextLogger(s.logger, ctx).Debug("webhook reprocessed",
		zap.String("webhookId", job.ID),
		zap.String("reason", result.Reason),
	)
	return nil
}
