package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookChange lists the columns written together with a webhook transition.
type WebhookChange struct {
	MessageID      *string
	Error          *string
	ClearError     bool
	NextRetryAt    *time.Time
	ClearNextRetry bool
	ProcessedAt    *time.Time
	IncrementRetry bool
}

func (c WebhookChange) columns(to domain.WebhookStatus) map[string]any {
	cols := map[string]any{"status": to}
	if c.MessageID != nil {
		cols["message_id"] = c.MessageID
	}
	if c.ClearError {
		cols["error"] = nil
	}
	if c.Error != nil {
		cols["error"] = c.Error
	}
	if c.NextRetryAt != nil {
		cols["next_retry_at"] = c.NextRetryAt
	}
	if c.ClearNextRetry {
		cols["next_retry_at"] = nil
	}
	if c.ProcessedAt != nil {
		cols["processed_at"] = c.ProcessedAt
	}
	if c.IncrementRetry {
		cols["retry_count"] = gorm.Expr("retry_count + 1")
	}
	return cols
}

type WebhookRepository interface {
	Create(ctx context.Context, w *domain.Webhook) error
	Claim(ctx context.Context, w *domain.Webhook) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.Webhook, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Webhook, error)
	TransitionStatus(ctx context.Context, id string, from []domain.WebhookStatus, to domain.WebhookStatus, change WebhookChange) (bool, error)
	GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Webhook, error)
}

type GormWebhookRepo struct {
	db *gorm.DB
}

func NewGormWebhookRepo(db *gorm.DB) *GormWebhookRepo {
	return &GormWebhookRepo{db: db}
}

func (r *GormWebhookRepo) Create(ctx context.Context, w *domain.Webhook) error {
	model := webhookModelFromDomain(w)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if w != nil {
		*w = *webhookModelToDomain(model)
	}
	return nil
}

// Claim inserts w unless a row with the same idempotency key exists. Only
// one of any number of concurrent claims for a key returns true.
func (r *GormWebhookRepo) Claim(ctx context.Context, w *domain.Webhook) (bool, error) {
	model := webhookModelFromDomain(w)
	if model == nil {
		return false, fmt.Errorf("%w: webhook is required", domain.ErrValidation)
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	*w = *webhookModelToDomain(model)
	return true, nil
}

func (r *GormWebhookRepo) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	var model WebhookModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return webhookModelToDomain(&model), nil
}

func (r *GormWebhookRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Webhook, error) {
	var model WebhookModel
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return webhookModelToDomain(&model), nil
}

func (r *GormWebhookRepo) TransitionStatus(ctx context.Context, id string, from []domain.WebhookStatus, to domain.WebhookStatus, change WebhookChange) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("%w: webhook transition to %s needs a source status", domain.ErrValidation, to)
	}

	result := r.db.WithContext(ctx).
		Model(&WebhookModel{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(change.columns(to))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetDueForRetry returns failed webhooks whose retry time has passed.
func (r *GormWebhookRepo) GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Webhook, error) {
	if limit < 1 {
		limit = 100
	}

	var models []WebhookModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", domain.WebhookStatusFailed, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	webhooks := make([]domain.Webhook, 0, len(models))
	for i := range models {
		webhooks = append(webhooks, *webhookModelToDomain(&models[i]))
	}
	return webhooks, nil
}
