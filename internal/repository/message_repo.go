package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gorm.io/gorm"
)

// StatusChange lists the columns written together with a status transition.
// Nil fields are left untouched.
type StatusChange struct {
	Provider          *string
	ProviderMessageID *string
	Cost              *float64
	Currency          *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	ErrorCode         *string
	ErrorMessage      *string
	ErrorCategory     *domain.ErrorCategory
	ClearError        bool
	IncrementRetry    bool
	LastRetryAt       *time.Time
	NextRetryAt       *time.Time
	ClearNextRetry    bool
}

func (c StatusChange) columns(to domain.Status) map[string]any {
	cols := map[string]any{"status": to}
	set := func(name string, value any, ok bool) {
		if ok {
			cols[name] = value
		}
	}

	set("provider", deref(c.Provider), c.Provider != nil)
	set("provider_message_id", c.ProviderMessageID, c.ProviderMessageID != nil)
	set("cost", c.Cost, c.Cost != nil)
	set("currency", deref(c.Currency), c.Currency != nil)
	set("sent_at", c.SentAt, c.SentAt != nil)
	set("delivered_at", c.DeliveredAt, c.DeliveredAt != nil)
	set("failed_at", c.FailedAt, c.FailedAt != nil)
	set("last_retry_at", c.LastRetryAt, c.LastRetryAt != nil)
	set("next_retry_at", c.NextRetryAt, c.NextRetryAt != nil)

	if c.ClearError {
		cols["error_code"] = nil
		cols["error_message"] = nil
		cols["error_category"] = nil
	}
	set("error_code", c.ErrorCode, c.ErrorCode != nil)
	set("error_message", c.ErrorMessage, c.ErrorMessage != nil)
	set("error_category", c.ErrorCategory, c.ErrorCategory != nil)

	if c.ClearNextRetry {
		cols["next_retry_at"] = nil
	}
	if c.IncrementRetry {
		cols["retry_count"] = gorm.Expr("retry_count + 1")
	}
	return cols
}

type MessageRepository interface {
	Create(ctx context.Context, m *domain.Message) error
	CreateBatch(ctx context.Context, messages []*domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	GetByIDs(ctx context.Context, ids []string) ([]domain.Message, error)
	GetByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*domain.Message, error)
	ListByBatch(ctx context.Context, batchID string, statuses []domain.Status, afterID string, limit int) ([]domain.Message, error)
	TransitionStatus(ctx context.Context, id string, from []domain.Status, to domain.Status, change StatusChange) (bool, error)
	TransitionByBatch(ctx context.Context, batchID string, from []domain.Status, to domain.Status, change StatusChange) (int64, error)
	GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)
	GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)
	GetStaleSending(ctx context.Context, before time.Time, limit int) ([]domain.Message, error)
}

type GormMessageRepo struct {
	db *gorm.DB
}

func NewGormMessageRepo(db *gorm.DB) *GormMessageRepo {
	return &GormMessageRepo{db: db}
}

func (r *GormMessageRepo) Create(ctx context.Context, m *domain.Message) error {
	model := messageModelFromDomain(m)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if m != nil {
		*m = *messageModelToDomain(model)
	}
	return nil
}

func (r *GormMessageRepo) CreateBatch(ctx context.Context, messages []*domain.Message) error {
	models := make([]MessageModel, 0, len(messages))
	modelIndexes := make([]int, 0, len(messages))
	for i, m := range messages {
		model := messageModelFromDomain(m)
		if model != nil {
			models = append(models, *model)
			modelIndexes = append(modelIndexes, i)
		}
	}

	if len(models) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&models, 100).Error; err != nil {
		return err
	}

	for i := range models {
		idx := modelIndexes[i]
		if messages[idx] != nil {
			*messages[idx] = *messageModelToDomain(&models[i])
		}
	}

	return nil
}

func (r *GormMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	var model MessageModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return messageModelToDomain(&model), nil
}

// GetByIDs returns the found messages in id order; missing ids are skipped.
func (r *GormMessageRepo) GetByIDs(ctx context.Context, ids []string) ([]domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var models []MessageModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return toMessages(models), nil
}

func (r *GormMessageRepo) GetByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*domain.Message, error) {
	var model MessageModel
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_message_id = ?", provider, providerMessageID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return messageModelToDomain(&model), nil
}

// ListByBatch pages through batch members by id.
func (r *GormMessageRepo) ListByBatch(ctx context.Context, batchID string, statuses []domain.Status, afterID string, limit int) ([]domain.Message, error) {
	if limit < 1 {
		limit = 100
	}

	query := r.db.WithContext(ctx).Where("batch_id = ?", batchID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if afterID != "" {
		query = query.Where("id > ?", afterID)
	}

	var models []MessageModel
	if err := query.Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return toMessages(models), nil
}

// TransitionStatus moves the message to `to` only while its status is one of
// from. It reports whether this call performed the transition.
func (r *GormMessageRepo) TransitionStatus(ctx context.Context, id string, from []domain.Status, to domain.Status, change StatusChange) (bool, error) {
	if err := checkTransitions(from, to); err != nil {
		return false, err
	}

	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(change.columns(to))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// TransitionByBatch applies the same guarded transition to every member of a
// batch and returns how many rows moved.
func (r *GormMessageRepo) TransitionByBatch(ctx context.Context, batchID string, from []domain.Status, to domain.Status, change StatusChange) (int64, error) {
	if err := checkTransitions(from, to); err != nil {
		return 0, err
	}

	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("batch_id = ? AND status IN ?", batchID, from).
		Updates(change.columns(to))
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormMessageRepo) GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	return r.due(ctx, domain.StatusRetrying, "next_retry_at", now, limit)
}

func (r *GormMessageRepo) GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	return r.due(ctx, domain.StatusScheduled, "scheduled_at", now, limit)
}

// GetStaleSending returns messages stuck in SENDING since before, i.e. whose
// attempt died without recording an outcome.
func (r *GormMessageRepo) GetStaleSending(ctx context.Context, before time.Time, limit int) ([]domain.Message, error) {
	return r.due(ctx, domain.StatusSending, "updated_at", before, limit)
}

func (r *GormMessageRepo) due(ctx context.Context, status domain.Status, column string, now time.Time, limit int) ([]domain.Message, error) {
	if limit < 1 {
		limit = 100
	}

	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND "+column+" IS NOT NULL AND "+column+" <= ?", status, now).
		Order(column + " ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toMessages(models), nil
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

func toMessages(models []MessageModel) []domain.Message {
	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}
	return messages
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
