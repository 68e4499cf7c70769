// Package batch paces the fan-out of a bulk send: recipients are split into
// rate-limited chunks, each chunk goes out as one provider bulk request or as
// bounded concurrent single sends, and counters move as messages settle.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"github.com/kursadbilgin/message-dispatch/internal/retry"
	"go.uber.org/zap"
)

const (
	DefaultChunkSize   = 100
	DefaultConcurrency = 8
)

// Attempter sends already-persisted messages. *retry.Engine implements it.
type Attempter interface {
	AttemptMany(ctx context.Context, ids []string, concurrency int) ([]retry.Outcome, error)
	AttemptBulk(ctx context.Context, providerName string, ids []string) ([]retry.Outcome, error)
}

// Providers picks the provider a chunk goes to. *provider.Registry implements it.
type Providers interface {
	Select(ctx context.Context, preferred string, channel domain.Channel) (provider.Adapter, error)
	Definition(name string) (config.ProviderDefinition, error)
}

// Result summarizes one processing pass over a batch.
type Result struct {
	BatchID   string
	Status    domain.BatchStatus
	Chunks    int
	Attempted int
	Deferred  int
	// DeferUntil is set when recipients were held back by the send window;
	// the batch job must run again at that time.
	DeferUntil *time.Time
}

type Processor struct {
	batches     repository.BatchRepository
	messages    repository.MessageRepository
	attempter   Attempter
	providers   Providers
	limiter     ratelimit.RateLimiter
	concurrency int
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

func NewProcessor(
	batches repository.BatchRepository,
	messages repository.MessageRepository,
	attempter Attempter,
	providers Providers,
	limiter ratelimit.RateLimiter,
	concurrency int,
	logger *zap.Logger,
) (*Processor, error) {
	if batches == nil || messages == nil || attempter == nil || providers == nil {
		return nil, fmt.Errorf("batch processor dependencies are required")
	}
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Processor{
		batches:     batches,
		messages:    messages,
		attempter:   attempter,
		providers:   providers,
		limiter:     limiter,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (p *Processor) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// PlanChunkSize returns the largest chunk that fits every positive limit.
func PlanChunkSize(perMinute, perHour, maxRecipients int) int {
	size := 0
	for _, limit := range []int{perMinute, perHour, maxRecipients} {
		if limit > 0 && (size == 0 || limit < size) {
			size = limit
		}
	}
	if size == 0 {
		return DefaultChunkSize
	}
	return size
}

// Process drives batch id through its pending recipients. It is safe to call
// again for the same batch: a pass only picks up messages still PENDING.
func (p *Processor) Process(ctx context.Context, id string) (Result, error) {
	logger := observability.WithContextLogger(p.logger, ctx).With(zap.String("batchId", id))

	b, err := p.batches.GetByID(ctx, id)
	if err != nil {
		return Result{BatchID: id}, err
	}
	result := Result{BatchID: id, Status: b.Status}

	switch b.Status {
	case domain.BatchStatusPending:
		startedAt := p.now().UTC()
		won, err := p.batches.TransitionStatus(ctx, id,
			[]domain.BatchStatus{domain.BatchStatusPending}, domain.BatchStatusProcessing,
			repository.BatchChange{StartedAt: &startedAt},
		)
		if err != nil {
			return result, fmt.Errorf("failed to start batch: %w", err)
		}
		if !won {
			logger.Info("batch changed status before start, skipping")
			return p.reload(ctx, result)
		}
		b.Status = domain.BatchStatusProcessing
		b.StartedAt = &startedAt
		logger.Info("batch processing started", zap.Int("totalRecipients", b.TotalRecipients))
	case domain.BatchStatusProcessing:
	default:
		logger.Debug("batch already settled, skipping", zap.String("status", b.Status.String()))
		return result, nil
	}
	result.Status = b.Status

	limits := ratelimit.Limits{PerMinute: b.RateLimitPerMinute, PerHour: b.RateLimitPerHour}
	var errs *multierror.Error
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		// Cancellation is cooperative: the status is checked before each chunk.
		current, err := p.batches.GetByID(ctx, id)
		if err != nil {
			return result, fmt.Errorf("failed to reload batch: %w", err)
		}
		if current.Status != domain.BatchStatusProcessing {
			logger.Info("batch stopped between chunks", zap.String("status", current.Status.String()))
			result.Status = current.Status
			return result, nil
		}

		adapter, err := p.providers.Select(ctx, b.Provider, b.Channel)
		if err != nil {
			if errors.Is(err, domain.ErrNoProviderAvailable) || errors.Is(err, domain.ErrNotFound) {
				errs = multierror.Append(errs, err)
				return p.fail(ctx, b, result, errs)
			}
			return result, err
		}
		def, err := p.providers.Definition(adapter.Name())
		if err != nil {
			return result, err
		}
		bulk := def.HasCapability(provider.CapabilityBulkMessaging)
		maxRecipients := 0
		if bulk {
			maxRecipients = adapter.MaxRecipients()
		}
		chunkSize := PlanChunkSize(b.RateLimitPerMinute, b.RateLimitPerHour, maxRecipients)

		page, err := p.messages.ListByBatch(ctx, id, []domain.Status{domain.StatusPending}, afterID, chunkSize)
		if err != nil {
			return result, fmt.Errorf("failed to list batch messages: %w", err)
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		ids, deferUntil := p.partition(b, page)
		if deferUntil != nil {
			result.Deferred += len(page) - len(ids)
			if result.DeferUntil == nil || deferUntil.Before(*result.DeferUntil) {
				result.DeferUntil = deferUntil
			}
		}

		if len(ids) > 0 {
			if err := p.limiter.Wait(ctx, "batch:"+id, limits, len(ids)); err != nil {
				return result, fmt.Errorf("failed waiting for batch rate limit: %w", err)
			}

			var outcomes []retry.Outcome
			if bulk {
				outcomes, err = p.attempter.AttemptBulk(ctx, adapter.Name(), ids)
			} else {
				outcomes, err = p.attempter.AttemptMany(ctx, ids, p.concurrency)
			}
			if err != nil {
				// Messages that could not be sent were returned to RETRYING.
				errs = multierror.Append(errs, err)
				logger.Warn("batch chunk finished with errors", zap.Int("chunk", result.Chunks+1), zap.Error(err))
			}

			result.Chunks++
			result.Attempted += len(ids)
			logger.Info("batch chunk dispatched",
				zap.Int("chunk", result.Chunks),
				zap.Int("size", len(ids)),
				zap.String("provider", adapter.Name()),
				zap.Bool("bulk", bulk),
				zap.Int("settled", countSettled(outcomes)),
			)
		}

		if len(page) < chunkSize {
			break
		}
	}

	if result.DeferUntil != nil {
		logger.Info("batch recipients deferred to their send window",
			zap.Int("deferred", result.Deferred),
			zap.Time("deferUntil", *result.DeferUntil),
		)
	}
	return p.reload(ctx, result)
}

// Cancel stops batch id. A chunk already in flight finishes; later chunks
// and every message not yet sent are cancelled.
func (p *Processor) Cancel(ctx context.Context, id string) (*domain.Batch, error) {
	now := p.now().UTC()
	won, err := p.batches.TransitionStatus(ctx, id,
		[]domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusProcessing},
		domain.BatchStatusCancelled,
		repository.BatchChange{CancelledAt: &now},
	)
	if err != nil {
		return nil, err
	}
	if !won {
		b, err := p.batches.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: batch %s is %s", domain.ErrConflict, id, b.Status)
	}

	cancelled, err := p.messages.TransitionByBatch(ctx, id, domain.CancellableStatuses(), domain.StatusCancelled,
		repository.StatusChange{ClearNextRetry: true},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel batch messages: %w", err)
	}
	p.logger.Info("batch cancelled", zap.String("batchId", id), zap.Int64("messagesCancelled", cancelled))

	return p.batches.GetByID(ctx, id)
}

// fail marks the batch FAILED and fails every recipient not yet settled,
// including those waiting on a retry. Messages already sent keep their status
// and counters; a send in flight settles on its own.
func (p *Processor) fail(ctx context.Context, b *domain.Batch, result Result, errs *multierror.Error) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	summary := errs.Error()
	now := p.now().UTC()

	won, err := p.batches.TransitionStatus(ctx, b.ID,
		[]domain.BatchStatus{domain.BatchStatusProcessing}, domain.BatchStatusFailed,
		repository.BatchChange{CompletedAt: &now, ErrorSummary: &summary},
	)
	if err != nil {
		return result, fmt.Errorf("failed to mark batch failed: %w", err)
	}
	if !won {
		return p.reload(ctx, result)
	}

	code := provider.CodeNoProviderAvailable
	message := "no provider available for channel " + b.Channel.String()
	category := domain.CategoryTransport
	failed, err := p.messages.TransitionByBatch(ctx, b.ID,
		[]domain.Status{domain.StatusPending, domain.StatusRetrying}, domain.StatusFailed,
		repository.StatusChange{
			ErrorCode:      &code,
			ErrorMessage:   &message,
			ErrorCategory:  &category,
			FailedAt:       &now,
			ClearNextRetry: true,
		},
	)
	if err != nil {
		return result, fmt.Errorf("failed to fail batch messages: %w", err)
	}
	if failed > 0 {
		if _, err := p.batches.UpdateProgress(ctx, b.ID, domain.ProgressDelta{Failed: int(failed)}); err != nil {
			p.logger.Error("failed to count failed batch messages", zap.String("batchId", b.ID), zap.Error(err))
		}
		p.metrics.AddBatchMessages("failed", int(failed))
	}

	p.logger.Error("batch failed",
		zap.String("batchId", b.ID),
		zap.Int64("messagesFailed", failed),
		zap.String("errorSummary", summary),
	)
	result.Status = domain.BatchStatusFailed
	return result, nil
}

func (p *Processor) reload(ctx context.Context, result Result) (Result, error) {
	b, err := p.batches.GetByID(ctx, result.BatchID)
	if err != nil {
		return result, err
	}
	result.Status = b.Status
	return result, nil
}

func countSettled(outcomes []retry.Outcome) int {
	n := 0
	for _, out := range outcomes {
		if out.Settled {
			n++
		}
	}
	return n
}
