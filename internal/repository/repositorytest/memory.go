// Package repositorytest provides in-memory repositories with the same
// guarded-update semantics as the gorm implementations, for use in tests.
package repositorytest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
)

var (
	_ repository.MessageRepository = (*Messages)(nil)
	_ repository.BatchRepository   = (*Batches)(nil)
	_ repository.AttemptRepository = (*Attempts)(nil)
	_ repository.WebhookRepository = (*Webhooks)(nil)
)

type Messages struct {
	mu   sync.Mutex
	rows map[string]domain.Message
}

func NewMessages(messages ...*domain.Message) *Messages {
	s := &Messages{rows: make(map[string]domain.Message)}
	for _, m := range messages {
		s.rows[m.ID] = *m
	}
	return s
}

func (s *Messages) Create(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[m.ID]; ok {
		return fmt.Errorf("%w: message %s exists", domain.ErrConflict, m.ID)
	}
	s.rows[m.ID] = *m
	return nil
}

func (s *Messages) CreateBatch(ctx context.Context, messages []*domain.Message) error {
	for _, m := range messages {
		if err := s.Create(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Messages) GetByID(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &m, nil
}

// Get returns a copy of the stored message or panics; for assertions.
func (s *Messages) Get(id string) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.rows[id]
	if !ok {
		panic("repositorytest: unknown message " + id)
	}
	return m
}

func (s *Messages) GetByIDs(_ context.Context, ids []string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := slices.Clone(ids)
	sort.Strings(sorted)
	out := make([]domain.Message, 0, len(ids))
	for _, id := range sorted {
		if m, ok := s.rows[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Messages) GetByProviderMessageID(_ context.Context, provider, providerMessageID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.rows {
		if m.Provider == provider && m.ProviderMessageID != nil && *m.ProviderMessageID == providerMessageID {
			return &m, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Messages) ListByBatch(_ context.Context, batchID string, statuses []domain.Status, afterID string, limit int) ([]domain.Message, error) {
	if limit < 1 {
		limit = 100
	}
	return s.filter(func(m domain.Message) bool {
		return m.BatchID != nil && *m.BatchID == batchID &&
			(len(statuses) == 0 || slices.Contains(statuses, m.Status)) &&
			m.ID > afterID
	}, limit), nil
}

func (s *Messages) TransitionStatus(_ context.Context, id string, from []domain.Status, to domain.Status, change repository.StatusChange) (bool, error) {
	if err := checkTransitions(from, to); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.rows[id]
	if !ok || !slices.Contains(from, m.Status) {
		return false, nil
	}
	s.rows[id] = apply(m, to, change)
	return true, nil
}

func (s *Messages) TransitionByBatch(_ context.Context, batchID string, from []domain.Status, to domain.Status, change repository.StatusChange) (int64, error) {
	if err := checkTransitions(from, to); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	for id, m := range s.rows {
		if m.BatchID == nil || *m.BatchID != batchID || !slices.Contains(from, m.Status) {
			continue
		}
		s.rows[id] = apply(m, to, change)
		moved++
	}
	return moved, nil
}

func (s *Messages) GetDueForRetry(_ context.Context, now time.Time, limit int) ([]domain.Message, error) {
	return s.filter(func(m domain.Message) bool {
		return m.Status == domain.StatusRetrying && m.NextRetryAt != nil && !m.NextRetryAt.After(now)
	}, limit), nil
}

func (s *Messages) GetDueScheduled(_ context.Context, now time.Time, limit int) ([]domain.Message, error) {
	return s.filter(func(m domain.Message) bool {
		return m.Status == domain.StatusScheduled && m.ScheduledAt != nil && !m.ScheduledAt.After(now)
	}, limit), nil
}

func (s *Messages) GetStaleSending(_ context.Context, before time.Time, limit int) ([]domain.Message, error) {
	return s.filter(func(m domain.Message) bool {
		return m.Status == domain.StatusSending && !m.UpdatedAt.After(before)
	}, limit), nil
}

// CountByStatus returns how many stored messages are in each status.
func (s *Messages) CountByStatus() map[domain.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.Status]int)
	for _, m := range s.rows {
		counts[m.Status]++
	}
	return counts
}

func (s *Messages) filter(keep func(domain.Message) bool, limit int) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 1 {
		limit = 100
	}
	out := make([]domain.Message, 0)
	for _, m := range s.rows {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func apply(m domain.Message, to domain.Status, c repository.StatusChange) domain.Message {
	m.Status = to
	m.UpdatedAt = time.Now().UTC()
	if c.Provider != nil {
		m.Provider = *c.Provider
	}
	if c.ProviderMessageID != nil {
		m.ProviderMessageID = c.ProviderMessageID
	}
	if c.Cost != nil {
		m.Cost = c.Cost
	}
	if c.Currency != nil {
		m.Currency = *c.Currency
	}
	if c.SentAt != nil {
		m.SentAt = c.SentAt
	}
	if c.DeliveredAt != nil {
		m.DeliveredAt = c.DeliveredAt
	}
	if c.FailedAt != nil {
		m.FailedAt = c.FailedAt
	}
	if c.LastRetryAt != nil {
		m.LastRetryAt = c.LastRetryAt
	}
	if c.NextRetryAt != nil {
		m.NextRetryAt = c.NextRetryAt
	}
	if c.ClearError {
		m.ErrorCode, m.ErrorMessage, m.ErrorCategory = nil, nil, nil
	}
	if c.ErrorCode != nil {
		m.ErrorCode = c.ErrorCode
	}
	if c.ErrorMessage != nil {
		m.ErrorMessage = c.ErrorMessage
	}
	if c.ErrorCategory != nil {
		m.ErrorCategory = c.ErrorCategory
	}
	if c.ClearNextRetry {
		m.NextRetryAt = nil
	}
	if c.IncrementRetry {
		m.RetryCount++
	}
	return m
}

func checkTransitions(from []domain.Status, to domain.Status) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: transition to %s needs a source status", domain.ErrValidation, to)
	}
	for _, status := range from {
		if !domain.CanTransition(status, to) {
			return fmt.Errorf("%w: transition %s -> %s is not allowed", domain.ErrValidation, status, to)
		}
	}
	return nil
}

type Batches struct {
	mu      sync.Mutex
	rows    map[string]domain.Batch
	updates int
}

func NewBatches(batches ...*domain.Batch) *Batches {
	s := &Batches{rows: make(map[string]domain.Batch)}
	for _, b := range batches {
		s.rows[b.ID] = *b
	}
	return s
}

func (s *Batches) Create(_ context.Context, b *domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[b.ID]; ok {
		return fmt.Errorf("%w: batch %s exists", domain.ErrConflict, b.ID)
	}
	s.rows[b.ID] = *b
	return nil
}

func (s *Batches) GetByID(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (s *Batches) Get(id string) domain.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

// ProgressUpdates counts successful UpdateProgress calls.
func (s *Batches) ProgressUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *Batches) TransitionStatus(_ context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus, change repository.BatchChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.rows[id]
	if !ok || !slices.Contains(from, b.Status) {
		return false, nil
	}
	b.Status = to
	if change.StartedAt != nil {
		b.StartedAt = change.StartedAt
	}
	if change.CompletedAt != nil {
		b.CompletedAt = change.CompletedAt
	}
	if change.CancelledAt != nil {
		b.CancelledAt = change.CancelledAt
	}
	if change.ErrorSummary != nil {
		b.ErrorSummary = change.ErrorSummary
	}
	s.rows[id] = b
	return true, nil
}

func (s *Batches) UpdateProgress(_ context.Context, id string, delta domain.ProgressDelta) (bool, error) {
	if delta.Sent < 0 || delta.Failed < 0 || delta.Delivered < 0 {
		return false, fmt.Errorf("%w: progress delta must not be negative", domain.ErrValidation)
	}
	if delta.IsZero() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.rows[id]
	if !ok || b.ProcessedCount+delta.Processed() > b.TotalRecipients {
		return false, fmt.Errorf("%w: batch %s progress would exceed total recipients", domain.ErrConflict, id)
	}
	b.ProcessedCount += delta.Processed()
	b.SentCount += delta.Sent
	b.FailedCount += delta.Failed
	b.DeliveredCount += delta.Delivered
	b.TotalCost += delta.Cost
	s.updates++

	completed := false
	if delta.Processed() > 0 && b.Status == domain.BatchStatusProcessing && b.ProcessedCount >= b.TotalRecipients {
		now := time.Now().UTC()
		b.Status = domain.BatchStatusCompleted
		b.CompletedAt = &now
		completed = true
	}
	s.rows[id] = b
	return completed, nil
}

type Attempts struct {
	mu   sync.Mutex
	rows []domain.MessageAttempt
}

func NewAttempts() *Attempts {
	return &Attempts{}
}

func (s *Attempts) Create(_ context.Context, a *domain.MessageAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *a)
	return nil
}

func (s *Attempts) GetByMessageID(_ context.Context, messageID string) ([]domain.MessageAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.MessageAttempt
	for _, a := range s.rows {
		if a.MessageID == messageID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

type Webhooks struct {
	mu   sync.Mutex
	rows map[string]domain.Webhook
}

func NewWebhooks() *Webhooks {
	return &Webhooks{rows: make(map[string]domain.Webhook)}
}

func (s *Webhooks) Create(_ context.Context, w *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[w.ID] = *w
	return nil
}

func (s *Webhooks) Claim(_ context.Context, w *domain.Webhook) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rows {
		if existing.IdempotencyKey == w.IdempotencyKey {
			return false, nil
		}
	}
	s.rows[w.ID] = *w
	return true, nil
}

func (s *Webhooks) GetByID(_ context.Context, id string) (*domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &w, nil
}

func (s *Webhooks) GetByIdempotencyKey(_ context.Context, key string) (*domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.rows {
		if w.IdempotencyKey == key {
			return &w, nil
		}
	}
	return nil, domain.ErrNotFound
}

// All returns every stored webhook ordered by creation.
func (s *Webhooks) All() []domain.Webhook {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Webhook, 0, len(s.rows))
	for _, w := range s.rows {
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Webhooks) TransitionStatus(_ context.Context, id string, from []domain.WebhookStatus, to domain.WebhookStatus, change repository.WebhookChange) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("%w: webhook transition to %s needs a source status", domain.ErrValidation, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.rows[id]
	if !ok || !slices.Contains(from, w.Status) {
		return false, nil
	}
	w.Status = to
	if change.MessageID != nil {
		w.MessageID = change.MessageID
	}
	if change.ClearError {
		w.Error = nil
	}
	if change.Error != nil {
		w.Error = change.Error
	}
	if change.NextRetryAt != nil {
		w.NextRetryAt = change.NextRetryAt
	}
	if change.ClearNextRetry {
		w.NextRetryAt = nil
	}
	if change.ProcessedAt != nil {
		w.ProcessedAt = change.ProcessedAt
	}
	if change.IncrementRetry {
		w.RetryCount++
	}
	s.rows[id] = w
	return true, nil
}

func (s *Webhooks) GetDueForRetry(_ context.Context, now time.Time, limit int) ([]domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Webhook
	for _, w := range s.rows {
		if w.Status == domain.WebhookStatusFailed && w.NextRetryAt != nil && !w.NextRetryAt.After(now) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
