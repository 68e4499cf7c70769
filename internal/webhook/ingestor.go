// Package webhook ingests provider delivery reports and applies them to
// message state.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries = 3
	ProcessTimeout    = 30 * time.Second
	// transitionAttempts bounds re-reads when a concurrent writer moves the
	// message between lookup and update.
	transitionAttempts = 3
)

var DefaultBackoff = []time.Duration{5 * time.Second, 30 * time.Second, 120 * time.Second}

// Result reasons.
const (
	ReasonProcessed       = "processed"
	ReasonDuplicate       = "duplicate"
	ReasonOrphaned        = "orphaned"
	ReasonRegressive      = "regressive_transition"
	ReasonNoStatus        = "no_status_change"
	ReasonRetryScheduled  = "retry_scheduled"
	ReasonRetryExhausted  = "retries_exhausted"
	ReasonUnknownProvider = "unknown_provider"
	ReasonInvalidSig      = "invalid_signature"
	ReasonMalformed       = "malformed_payload"
)

// Providers resolves the adapter a callback belongs to. *provider.Registry implements it.
type Providers interface {
	Resolve(name string) (provider.Adapter, error)
}

// MessageLookup maps a provider message id to a message id without a
// database round trip. *redis.ProviderIDCache implements it.
type MessageLookup interface {
	Lookup(ctx context.Context, providerName, providerMessageID string) (string, bool, error)
}

type ProgressRecorder interface {
	UpdateProgress(ctx context.Context, batchID string, delta domain.ProgressDelta) (bool, error)
}

// Scheduler enqueues a later reprocessing of a stored webhook.
type Scheduler interface {
	ScheduleWebhook(ctx context.Context, webhookID string, delay time.Duration) error
}

// Request is an inbound callback as received over HTTP.
type Request struct {
	Provider  string
	Payload   []byte
	Headers   map[string]string
	Signature string
	URL       string
}

// Result tells the HTTP layer how to answer the provider.
type Result struct {
	Accepted   bool
	Reason     string
	HTTPStatus int
	Duplicate  bool
	WebhookID  string
}

type Ingestor struct {
	webhooks   repository.WebhookRepository
	messages   repository.MessageRepository
	providers  Providers
	lookup     MessageLookup
	progress   ProgressRecorder
	scheduler  Scheduler
	maxRetries int
	backoff    []time.Duration
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewIngestor(
	webhooks repository.WebhookRepository,
	messages repository.MessageRepository,
	providers Providers,
	maxRetries int,
	logger *zap.Logger,
) (*Ingestor, error) {
	if webhooks == nil || messages == nil || providers == nil {
		return nil, fmt.Errorf("webhook ingestor dependencies are required")
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: webhook max retries must be >= 0", domain.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ingestor{
		webhooks:   webhooks,
		messages:   messages,
		providers:  providers,
		maxRetries: maxRetries,
		backoff:    DefaultBackoff,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (i *Ingestor) SetMessageLookup(lookup MessageLookup) { i.lookup = lookup }

func (i *Ingestor) SetProgressRecorder(progress ProgressRecorder) { i.progress = progress }

func (i *Ingestor) SetScheduler(scheduler Scheduler) { i.scheduler = scheduler }

func (i *Ingestor) SetMetrics(metrics *observability.Metrics) {
	if i == nil {
		return
	}
	i.metrics = metrics
}

// IdempotencyKey identifies one delivery of one provider event.
func IdempotencyKey(providerName, providerMessageID, eventType, signature string) string {
	sig := sha256.Sum256([]byte(signature))
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.ToLower(strings.TrimSpace(providerName)),
		strings.TrimSpace(providerMessageID),
		strings.ToLower(strings.TrimSpace(eventType)),
		hex.EncodeToString(sig[:]),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// Ingest verifies, records and applies one callback. A returned error means
// the callback could not be stored and the provider should redeliver it.
func (i *Ingestor) Ingest(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, ProcessTimeout)
	defer cancel()

	name := strings.ToLower(strings.TrimSpace(req.Provider))
	logger := observability.WithContextLogger(i.logger, ctx).With(zap.String("provider", name))

	adapter, err := i.providers.Resolve(name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			i.metrics.IncWebhook(name, "unknown_provider")
			return Result{Reason: ReasonUnknownProvider, HTTPStatus: http.StatusNotFound}, nil
		}
		return Result{}, err
	}

	wreq := provider.WebhookRequest{Payload: req.Payload, Headers: req.Headers, Signature: req.Signature, URL: req.URL}
	if !adapter.VerifyWebhook(wreq) {
		id := i.recordRejected(ctx, name, req)
		logger.Warn("webhook signature rejected", zap.String("webhookId", id), zap.Int("payloadBytes", len(req.Payload)))
		i.metrics.IncWebhook(name, "rejected")
		return Result{Reason: ReasonInvalidSig, HTTPStatus: http.StatusUnauthorized, WebhookID: id}, nil
	}

	event, err := adapter.ProcessWebhook(wreq)
	if err != nil {
		logger.Warn("webhook payload malformed", zap.Error(err))
		i.metrics.IncWebhook(name, "malformed")
		return Result{Reason: ReasonMalformed, HTTPStatus: http.StatusBadRequest}, nil
	}

	now := i.now().UTC()
	w := &domain.Webhook{
		ID:                uuid.NewString(),
		Provider:          name,
		ProviderMessageID: event.ProviderMessageID,
		EventType:         event.EventType,
		Verified:          true,
		Payload:           string(req.Payload),
		Status:            domain.WebhookStatusProcessing,
		IdempotencyKey:    IdempotencyKey(name, event.ProviderMessageID, event.EventType, signatureOf(wreq)),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	claimed, err := i.webhooks.Claim(ctx, w)
	if err != nil {
		return Result{}, fmt.Errorf("failed to store webhook: %w", err)
	}
	if !claimed {
		existing, err := i.webhooks.GetByIdempotencyKey(ctx, w.IdempotencyKey)
		if err != nil {
			return Result{}, fmt.Errorf("failed to load duplicate webhook: %w", err)
		}
		logger.Info("duplicate webhook ignored",
			zap.String("webhookId", existing.ID),
			zap.String("providerMessageId", event.ProviderMessageID),
		)
		i.metrics.IncWebhook(name, "duplicate")
		return Result{Accepted: true, Duplicate: true, Reason: ReasonDuplicate, HTTPStatus: http.StatusOK, WebhookID: existing.ID}, nil
	}

	return i.process(ctx, w, event), nil
}

// Reprocess retries a webhook whose earlier processing failed transiently.
func (i *Ingestor) Reprocess(ctx context.Context, id string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, ProcessTimeout)
	defer cancel()

	w, err := i.webhooks.GetByID(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if w.Status != domain.WebhookStatusFailed {
		return Result{Accepted: true, Reason: string(w.Status), HTTPStatus: http.StatusOK, WebhookID: id}, nil
	}
	won, err := i.webhooks.TransitionStatus(ctx, id,
		[]domain.WebhookStatus{domain.WebhookStatusFailed}, domain.WebhookStatusProcessing,
		repository.WebhookChange{},
	)
	if err != nil {
		return Result{}, err
	}
	if !won {
		return Result{Accepted: true, Reason: ReasonDuplicate, HTTPStatus: http.StatusOK, WebhookID: id}, nil
	}
	w.Status = domain.WebhookStatusProcessing

	adapter, err := i.providers.Resolve(w.Provider)
	if err != nil {
		return i.fail(ctx, w, err), nil
	}
	event, err := adapter.ProcessWebhook(provider.WebhookRequest{Payload: []byte(w.Payload)})
	if err != nil {
		return i.fail(ctx, w, err), nil
	}
	return i.process(ctx, w, event), nil
}

func (i *Ingestor) process(ctx context.Context, w *domain.Webhook, event provider.WebhookEvent) Result {
	logger := observability.WithContextLogger(i.logger, ctx).With(
		zap.String("webhookId", w.ID),
		zap.String("provider", w.Provider),
		zap.String("providerMessageId", w.ProviderMessageID),
	)

	m, err := i.findMessage(ctx, w.Provider, event.ProviderMessageID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("webhook matches no message, stored for reconciliation")
		return i.settle(ctx, w, domain.WebhookStatusOrphaned, nil, ReasonOrphaned)
	}
	if err != nil {
		return i.fail(ctx, w, err)
	}

	if event.Status == "" {
		return i.settle(ctx, w, domain.WebhookStatusIgnored, &m.ID, ReasonNoStatus)
	}

	for range transitionAttempts {
		from := m.Status
		if from == event.Status || !domain.CanTransition(from, event.Status) {
			logger.Info("webhook does not move message forward",
				zap.String("messageId", m.ID),
				zap.String("status", from.String()),
				zap.String("reported", event.Status.String()),
			)
			return i.settle(ctx, w, domain.WebhookStatusIgnored, &m.ID, ReasonRegressive)
		}

		won, err := i.messages.TransitionStatus(ctx, m.ID, []domain.Status{from}, event.Status, changeFor(m, w.Provider, event))
		if err != nil {
			return i.fail(ctx, w, err)
		}
		if won {
			i.account(ctx, m, from, event.Status)
			logger.Info("message status updated from delivery report",
				zap.String("messageId", m.ID),
				zap.String("from", from.String()),
				zap.String("to", event.Status.String()),
			)
			return i.settle(ctx, w, domain.WebhookStatusProcessed, &m.ID, ReasonProcessed)
		}

		if m, err = i.messages.GetByID(ctx, m.ID); err != nil {
			return i.fail(ctx, w, err)
		}
	}
	return i.fail(ctx, w, fmt.Errorf("%w: message kept changing status", domain.ErrConflict))
}

func (i *Ingestor) findMessage(ctx context.Context, providerName, providerMessageID string) (*domain.Message, error) {
	if i.lookup != nil {
		id, ok, err := i.lookup.Lookup(ctx, providerName, providerMessageID)
		if err != nil {
			i.logger.Warn("provider id cache lookup failed", zap.Error(err))
		}
		if ok {
			m, err := i.messages.GetByID(ctx, id)
			if err == nil || !errors.Is(err, domain.ErrNotFound) {
				return m, err
			}
		}
	}
	return i.messages.GetByProviderMessageID(ctx, providerName, providerMessageID)
}

// account applies the batch counter change of a transition the ingestor won.
func (i *Ingestor) account(ctx context.Context, m *domain.Message, from, to domain.Status) {
	if i.progress == nil || m.BatchID == nil {
		return
	}

	var delta domain.ProgressDelta
	switch {
	case domain.SettlesDispatch(from, to):
		switch to {
		case domain.StatusSent:
			delta.Sent = 1
		case domain.StatusDelivered:
			delta.Sent = 1
			delta.Delivered = 1
		case domain.StatusFailed:
			delta.Failed = 1
		}
	case from == domain.StatusSent && to == domain.StatusDelivered:
		delta.Delivered = 1
	}
	if delta.IsZero() {
		return
	}

	if _, err := i.progress.UpdateProgress(context.WithoutCancel(ctx), *m.BatchID, delta); err != nil {
		i.logger.Error("failed to update batch progress from delivery report",
			zap.String("batchId", *m.BatchID),
			zap.String("messageId", m.ID),
			zap.Error(err),
		)
	}
}

func (i *Ingestor) settle(ctx context.Context, w *domain.Webhook, status domain.WebhookStatus, messageID *string, reason string) Result {
	now := i.now().UTC()
	_, err := i.webhooks.TransitionStatus(context.WithoutCancel(ctx), w.ID,
		[]domain.WebhookStatus{domain.WebhookStatusProcessing}, status,
		repository.WebhookChange{MessageID: messageID, ClearError: true, ClearNextRetry: true, ProcessedAt: &now},
	)
	if err != nil {
		i.logger.Error("failed to record webhook outcome", zap.String("webhookId", w.ID), zap.Error(err))
	}
	i.metrics.IncWebhook(w.Provider, strings.ToLower(status.String()))
	return Result{Accepted: true, Reason: reason, HTTPStatus: http.StatusOK, WebhookID: w.ID}
}

// fail records a transient processing failure and schedules another pass
// while retries remain.
func (i *Ingestor) fail(ctx context.Context, w *domain.Webhook, cause error) Result {
	ctx = context.WithoutCancel(ctx)
	logger := i.logger.With(zap.String("webhookId", w.ID), zap.String("provider", w.Provider))
	message := cause.Error()
	retries := w.RetryCount + 1

	change := repository.WebhookChange{Error: &message, IncrementRetry: true, ClearNextRetry: true}
	var delay time.Duration
	if retries <= i.maxRetries {
		delay = i.delay(retries)
		next := i.now().UTC().Add(delay)
		change.NextRetryAt = &next
		change.ClearNextRetry = false
	}

	if _, err := i.webhooks.TransitionStatus(ctx, w.ID,
		[]domain.WebhookStatus{domain.WebhookStatusProcessing}, domain.WebhookStatusFailed, change,
	); err != nil {
		logger.Error("failed to record webhook failure", zap.NamedError("cause", cause), zap.Error(err))
	}
	i.metrics.IncWebhook(w.Provider, "failed")

	if change.NextRetryAt == nil {
		logger.Error("webhook processing failed, retries exhausted", zap.Int("retryCount", retries), zap.Error(cause))
		return Result{Accepted: true, Reason: ReasonRetryExhausted, HTTPStatus: http.StatusOK, WebhookID: w.ID}
	}

	logger.Warn("webhook processing failed, retry scheduled",
		zap.Int("retryCount", retries),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	if i.scheduler != nil {
		if err := i.scheduler.ScheduleWebhook(ctx, w.ID, delay); err != nil {
			logger.Warn("failed to enqueue webhook retry", zap.Error(err))
		}
	}
	return Result{Accepted: true, Reason: ReasonRetryScheduled, HTTPStatus: http.StatusOK, WebhookID: w.ID}
}

// recordRejected stores an audit row for a callback that failed verification.
func (i *Ingestor) recordRejected(ctx context.Context, name string, req Request) string {
	payloadSum := sha256.Sum256(req.Payload)
	now := i.now().UTC()
	w := &domain.Webhook{
		ID:             uuid.NewString(),
		Provider:       name,
		EventType:      "rejected",
		Payload:        string(req.Payload),
		Status:         domain.WebhookStatusRejected,
		IdempotencyKey: IdempotencyKey(name, hex.EncodeToString(payloadSum[:]), "rejected", req.Signature),
		ProcessedAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	claimed, err := i.webhooks.Claim(ctx, w)
	if err != nil {
		i.logger.Error("failed to store rejected webhook", zap.String("provider", name), zap.Error(err))
		return ""
	}
	if !claimed {
		if existing, err := i.webhooks.GetByIdempotencyKey(ctx, w.IdempotencyKey); err == nil {
			return existing.ID
		}
		return ""
	}
	return w.ID
}

func (i *Ingestor) delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > len(i.backoff) {
		n = len(i.backoff)
	}
	return i.backoff[n-1]
}

func changeFor(m *domain.Message, providerName string, event provider.WebhookEvent) repository.StatusChange {
	at := event.OccurredAt.UTC()
	if event.OccurredAt.IsZero() {
		at = time.Now().UTC()
	}

	var change repository.StatusChange
	if m.ProviderMessageID == nil && event.ProviderMessageID != "" {
		pmid := event.ProviderMessageID
		change.ProviderMessageID = &pmid
		change.Provider = &providerName
	}

	switch event.Status {
	case domain.StatusSent:
		change.SentAt = &at
		change.ClearNextRetry = true
	case domain.StatusDelivered:
		change.DeliveredAt = &at
		change.ClearNextRetry = true
		change.ClearError = true
		if m.SentAt == nil {
			change.SentAt = &at
		}
	case domain.StatusFailed:
		code := event.ErrorCode
		if code == "" {
			code = "DELIVERY_FAILED"
		}
		message := event.ErrorMessage
		if message == "" {
			message = "provider reported delivery failure"
		}
		category := domain.CategoryUnknown
		change.ErrorCode = &code
		change.ErrorMessage = &message
		change.ErrorCategory = &category
		change.FailedAt = &at
		change.ClearNextRetry = true
	}
	return change
}

// signatureOf falls back to the payload digest when the signature travels
// in a provider-specific header.
func signatureOf(req provider.WebhookRequest) string {
	if req.Signature != "" {
		return req.Signature
	}
	sum := sha256.Sum256(req.Payload)
	return hex.EncodeToString(sum[:])
}
