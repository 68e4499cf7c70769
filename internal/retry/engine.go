// Package retry drives a message through its send lifecycle: one attempt at
// a time per message, re-attempts on a fixed backoff schedule, and terminal
// failure once the policy gives up.
package retry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// A delayed job may fire slightly before next_retry_at.
const dueTolerance = time.Second

// Skip reasons reported on Outcome.
const (
	SkipLocked        = "locked"
	SkipNotFound      = "not_found"
	SkipNotDue        = "not_due"
	SkipStatusChanged = "status_changed"
	SettledByReport   = "settled_by_delivery_report"
)

// Sender performs the provider call. *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, preferred string, data provider.SendMessageData) (provider.MessageResponse, error)
	SendBulk(ctx context.Context, providerName string, data []provider.SendMessageData) ([]provider.MessageResponse, error)
}

// ProgressRecorder applies settled outcomes to batch counters.
type ProgressRecorder interface {
	UpdateProgress(ctx context.Context, batchID string, delta domain.ProgressDelta) (bool, error)
}

// ProviderIDStore remembers which message a provider message id belongs to.
type ProviderIDStore interface {
	Store(ctx context.Context, providerName, providerMessageID, messageID string) error
}

// Scheduler enqueues the next attempt of a message after delay.
type Scheduler interface {
	ScheduleRetry(ctx context.Context, m *domain.Message, delay time.Duration) error
}

// Outcome describes what one attempt did to a message.
type Outcome struct {
	MessageID   string
	BatchID     string
	Status      domain.Status
	Skipped     bool
	Settled     bool
	Reason      string
	RetryCount  int
	NextRetryAt *time.Time
	Response    provider.MessageResponse

	delta domain.ProgressDelta
}

type Engine struct {
	messages  repository.MessageRepository
	attempts  repository.AttemptRepository
	sender    Sender
	locker    Locker
	policy    Policy
	progress  ProgressRecorder
	ids       ProviderIDStore
	scheduler Scheduler
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(
	messages repository.MessageRepository,
	attempts repository.AttemptRepository,
	sender Sender,
	locker Locker,
	policy Policy,
	logger *zap.Logger,
) (*Engine, error) {
	if messages == nil || sender == nil {
		return nil, fmt.Errorf("message repository and sender are required")
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if policy.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be >= 0", domain.ErrValidation)
	}
	if len(policy.Backoff) == 0 {
		policy.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		messages: messages,
		attempts: attempts,
		sender:   sender,
		locker:   locker,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (e *Engine) SetProgressRecorder(progress ProgressRecorder) { e.progress = progress }

func (e *Engine) SetProviderIDStore(ids ProviderIDStore) { e.ids = ids }

func (e *Engine) SetScheduler(scheduler Scheduler) { e.scheduler = scheduler }

func (e *Engine) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

func (e *Engine) Policy() Policy { return e.policy }

// Attempt sends message id once if it is pending or due for retry.
func (e *Engine) Attempt(ctx context.Context, id string) (Outcome, error) {
	out, err := e.attempt(ctx, id)
	if err != nil {
		return out, err
	}
	e.applyProgress(ctx, []Outcome{out})
	return out, nil
}

// AttemptMany attempts each id individually with at most concurrency sends
// in flight, then applies batch progress once for the whole set.
func (e *Engine) AttemptMany(ctx context.Context, ids []string, concurrency int) ([]Outcome, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	outcomes := make([]Outcome, len(ids))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, id := range ids {
		g.Go(func() error {
			out, err := e.attempt(ctx, id)
			if err != nil {
				return fmt.Errorf("message %s: %w", id, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	err := g.Wait()

	e.applyProgress(ctx, outcomes)
	return outcomes, err
}

// AttemptBulk sends every eligible id in one provider bulk request.
// Outcomes are index-aligned with ids.
func (e *Engine) AttemptBulk(ctx context.Context, providerName string, ids []string) ([]Outcome, error) {
	outcomes := make([]Outcome, len(ids))
	claimed := make([]*domain.Message, 0, len(ids))
	positions := make([]int, 0, len(ids))

	for i, id := range ids {
		release, err := e.locker.Acquire(ctx, messageLockKey(id))
		if errors.Is(err, domain.ErrLocked) {
			outcomes[i] = skipped(id, SkipLocked)
			continue
		}
		if err != nil {
			e.requeue(ctx, claimed, err)
			return outcomes, fmt.Errorf("failed to acquire message lock: %w", err)
		}
		defer release()

		m, skip, err := e.claim(ctx, id)
		if err != nil {
			e.requeue(ctx, claimed, err)
			return outcomes, err
		}
		if skip != nil {
			outcomes[i] = *skip
			continue
		}
		claimed = append(claimed, m)
		positions = append(positions, i)
	}
	if len(claimed) == 0 {
		return outcomes, nil
	}

	data := make([]provider.SendMessageData, 0, len(claimed))
	for _, m := range claimed {
		data = append(data, provider.SendDataFromMessage(m))
	}

	start := e.now()
	responses, err := e.sender.SendBulk(ctx, providerName, data)
	if err == nil && len(responses) != len(claimed) {
		err = fmt.Errorf("bulk send returned %d responses for %d messages", len(responses), len(claimed))
	}
	if err != nil {
		e.requeue(ctx, claimed, err)
		return outcomes, fmt.Errorf("bulk send via %s failed: %w", providerName, err)
	}
	elapsed := e.now().Sub(start)

	var errs []error
	for j, m := range claimed {
		out, err := e.finish(ctx, m, responses[j], elapsed)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outcomes[positions[j]] = out
	}

	e.applyProgress(ctx, outcomes)
	return outcomes, errors.Join(errs...)
}

// Cancel stops a standalone message that is not currently being sent.
func (e *Engine) Cancel(ctx context.Context, id string) (*domain.Message, error) {
	release, err := e.locker.Acquire(ctx, messageLockKey(id))
	if errors.Is(err, domain.ErrLocked) {
		return nil, fmt.Errorf("%w: message %s has a send in flight", domain.ErrConflict, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire message lock: %w", err)
	}
	defer release()

	m, err := e.messages.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.BatchID != nil {
		return nil, fmt.Errorf("%w: message %s belongs to batch %s; cancel the batch", domain.ErrConflict, id, *m.BatchID)
	}
	cancellable := domain.CancellableStatuses()
	if !slices.Contains(cancellable, m.Status) {
		return nil, fmt.Errorf("%w: message %s is %s", domain.ErrConflict, id, m.Status)
	}

	won, err := e.messages.TransitionStatus(ctx, id, cancellable, domain.StatusCancelled, repository.StatusChange{ClearNextRetry: true})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("%w: message %s changed status", domain.ErrConflict, id)
	}

	m.Status = domain.StatusCancelled
	m.NextRetryAt = nil
	return m, nil
}

func (e *Engine) attempt(ctx context.Context, id string) (Outcome, error) {
	release, err := e.locker.Acquire(ctx, messageLockKey(id))
	if errors.Is(err, domain.ErrLocked) {
		e.logger.Debug("message locked by another attempt, skipping", zap.String("messageId", id))
		return skipped(id, SkipLocked), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to acquire message lock: %w", err)
	}
	defer release()

	m, skip, err := e.claim(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if skip != nil {
		return *skip, nil
	}

	start := e.now()
	resp, err := e.sender.Send(ctx, m.Provider, provider.SendDataFromMessage(m))
	if err != nil {
		e.requeue(ctx, []*domain.Message{m}, err)
		return Outcome{}, fmt.Errorf("send failed before reaching a provider: %w", err)
	}

	return e.finish(ctx, m, resp, e.now().Sub(start))
}

// claim moves an eligible message to SENDING. A nil message comes with the
// Outcome explaining why it was skipped.
func (e *Engine) claim(ctx context.Context, id string) (*domain.Message, *Outcome, error) {
	m, err := e.messages.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.Warn("message not found, skipping", zap.String("messageId", id))
		out := skipped(id, SkipNotFound)
		return nil, &out, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load message: %w", err)
	}

	now := e.now().UTC()
	switch m.Status {
	case domain.StatusPending:
	case domain.StatusRetrying:
		if m.NextRetryAt != nil && m.NextRetryAt.After(now.Add(dueTolerance)) {
			out := skipped(id, SkipNotDue)
			out.Status = m.Status
			return nil, &out, nil
		}
	default:
		out := skipped(id, SkipStatusChanged)
		out.Status = m.Status
		return nil, &out, nil
	}

	var change repository.StatusChange
	if m.Status == domain.StatusRetrying {
		change.LastRetryAt = &now
	}
	won, err := e.messages.TransitionStatus(ctx, id, []domain.Status{m.Status}, domain.StatusSending, change)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to claim message: %w", err)
	}
	if !won {
		out := skipped(id, SkipStatusChanged)
		return nil, &out, nil
	}

	m.Status = domain.StatusSending
	return m, nil, nil
}

// finish persists the outcome of a provider call. The call already happened,
// so the writes must not be abandoned when the caller's context ends.
func (e *Engine) finish(ctx context.Context, m *domain.Message, resp provider.MessageResponse, elapsed time.Duration) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	logger := observability.WithContextLogger(e.logger, ctx).With(
		zap.String("messageId", m.ID),
		zap.String("provider", resp.ProviderID),
	)
	now := e.now().UTC()
	decision := e.policy.ForMessage(m).Decide(m.RetryCount, resp)

	if err := e.recordAttempt(ctx, m, resp, elapsed, now); err != nil {
		logger.Error("failed to record send attempt", zap.Error(err))
	}
	if resp.Success && resp.ProviderMessageID != "" && e.ids != nil {
		if err := e.ids.Store(ctx, resp.ProviderID, resp.ProviderMessageID, m.ID); err != nil {
			logger.Warn("failed to cache provider message id", zap.Error(err))
		}
	}

	change := changeFor(decision, resp, now)
	won, err := e.messages.TransitionStatus(ctx, m.ID, []domain.Status{domain.StatusSending}, decision.Status, change)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to record send outcome: %w", err)
	}

	out := Outcome{
		MessageID:  m.ID,
		BatchID:    deref(m.BatchID),
		Status:     decision.Status,
		Reason:     decision.Reason,
		RetryCount: m.RetryCount,
		Response:   resp,
	}
	if !won {
		// A delivery report settled the message while the send was in flight.
		out.Reason = SettledByReport
		if current, err := e.messages.GetByID(ctx, m.ID); err == nil {
			out.Status = current.Status
			out.RetryCount = current.RetryCount
		}
		logger.Info("send outcome superseded by delivery report", zap.String("status", out.Status.String()))
		return out, nil
	}

	if decision.Retry {
		out.RetryCount++
		out.NextRetryAt = change.NextRetryAt
		e.metrics.IncRetryScheduled(resp.ProviderID)
		logger.Info("send failed, retry scheduled",
			zap.String("category", resp.Category.String()),
			zap.Int("retryCount", out.RetryCount),
			zap.Duration("delay", decision.Delay),
		)
		m.RetryCount = out.RetryCount
		m.NextRetryAt = out.NextRetryAt
		m.Status = domain.StatusRetrying
		e.schedule(ctx, m, decision.Delay)
		return out, nil
	}

	out.Settled = true
	out.delta = deltaFor(decision.Status, resp)
	if decision.Status == domain.StatusFailed {
		logger.Info("message failed",
			zap.String("category", resp.Category.String()),
			zap.String("reason", decision.Reason),
			zap.Int("retryCount", out.RetryCount),
		)
	}
	return out, nil
}

// requeue returns claimed messages to RETRYING when the attempt broke down
// locally, without spending a retry.
func (e *Engine) requeue(ctx context.Context, claimed []*domain.Message, cause error) {
	ctx = context.WithoutCancel(ctx)
	for _, m := range claimed {
		delay := e.policy.ForMessage(m).Delay(m.RetryCount + 1)
		next := e.now().UTC().Add(delay)
		won, err := e.messages.TransitionStatus(ctx, m.ID,
			[]domain.Status{domain.StatusSending}, domain.StatusRetrying,
			repository.StatusChange{NextRetryAt: &next},
		)
		if err != nil || !won {
			e.logger.Error("failed to release message after local error",
				zap.String("messageId", m.ID),
				zap.NamedError("cause", cause),
				zap.Error(err),
			)
			continue
		}
		m.Status = domain.StatusRetrying
		m.NextRetryAt = &next
		e.schedule(ctx, m, delay)
	}
}

func (e *Engine) schedule(ctx context.Context, m *domain.Message, delay time.Duration) {
	if e.scheduler == nil {
		return
	}
	if err := e.scheduler.ScheduleRetry(ctx, m, delay); err != nil {
		// The retry scanner picks the message up from next_retry_at.
		e.logger.Warn("failed to enqueue retry",
			zap.String("messageId", m.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) applyProgress(ctx context.Context, outcomes []Outcome) {
	if e.progress == nil {
		return
	}

	deltas := make(map[string]domain.ProgressDelta)
	for _, out := range outcomes {
		if !out.Settled || out.BatchID == "" {
			continue
		}
		deltas[out.BatchID] = deltas[out.BatchID].Add(out.delta)
	}

	for batchID, delta := range deltas {
		completed, err := e.progress.UpdateProgress(context.WithoutCancel(ctx), batchID, delta)
		if err != nil {
			e.logger.Error("failed to update batch progress",
				zap.String("batchId", batchID),
				zap.Int("sent", delta.Sent),
				zap.Int("failed", delta.Failed),
				zap.Error(err),
			)
			continue
		}
		e.metrics.AddBatchMessages("sent", delta.Sent)
		e.metrics.AddBatchMessages("failed", delta.Failed)
		if completed {
			e.logger.Info("batch completed", zap.String("batchId", batchID))
		}
	}
}

func (e *Engine) recordAttempt(ctx context.Context, m *domain.Message, resp provider.MessageResponse, elapsed time.Duration, now time.Time) error {
	if e.attempts == nil {
		return nil
	}

	attempt := &domain.MessageAttempt{
		ID:                uuid.NewString(),
		MessageID:         m.ID,
		AttemptNumber:     m.RetryCount + 1,
		Provider:          resp.ProviderID,
		Success:           resp.Success,
		Category:          resp.Category,
		ErrorCode:         optional(resp.ErrorCode),
		ErrorMessage:      optional(resp.ErrorMessage),
		ProviderMessageID: optional(resp.ProviderMessageID),
		DurationMillis:    elapsed.Milliseconds(),
		CreatedAt:         now,
	}
	return e.attempts.Create(ctx, attempt)
}

func changeFor(decision Decision, resp provider.MessageResponse, now time.Time) repository.StatusChange {
	change := repository.StatusChange{Provider: optional(resp.ProviderID)}

	switch {
	case resp.Success:
		sentAt := now
		if resp.SentAt != nil {
			sentAt = resp.SentAt.UTC()
		}
		change.ProviderMessageID = optional(resp.ProviderMessageID)
		change.Cost = resp.Cost
		change.Currency = optional(resp.Currency)
		change.SentAt = &sentAt
		change.ClearError = true
		change.ClearNextRetry = true
		if decision.Status == domain.StatusDelivered {
			change.DeliveredAt = &now
		}
	case decision.Retry:
		next := now.Add(decision.Delay)
		setError(&change, resp)
		change.IncrementRetry = true
		change.NextRetryAt = &next
	default:
		setError(&change, resp)
		change.FailedAt = &now
		change.ClearNextRetry = true
	}
	return change
}

func setError(change *repository.StatusChange, resp provider.MessageResponse) {
	category := resp.Category
	change.ErrorCode = optional(resp.ErrorCode)
	change.ErrorMessage = optional(resp.ErrorMessage)
	change.ErrorCategory = &category
}

func deltaFor(status domain.Status, resp provider.MessageResponse) domain.ProgressDelta {
	var delta domain.ProgressDelta
	switch status {
	case domain.StatusSent:
		delta.Sent = 1
	case domain.StatusDelivered:
		delta.Sent = 1
		delta.Delivered = 1
	case domain.StatusFailed:
		delta.Failed = 1
	}
	if resp.Success && resp.Cost != nil {
		delta.Cost = *resp.Cost
	}
	return delta
}

func skipped(id, reason string) Outcome {
	return Outcome{MessageID: id, Skipped: true, Reason: reason}
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
