package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gorm.io/gorm"
)

// BatchChange lists the columns written together with a batch transition.
type BatchChange struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	ErrorSummary *string
}

func (c BatchChange) columns(to domain.BatchStatus) map[string]any {
	cols := map[string]any{"status": to}
	if c.StartedAt != nil {
		cols["started_at"] = c.StartedAt
	}
	if c.CompletedAt != nil {
		cols["completed_at"] = c.CompletedAt
	}
	if c.CancelledAt != nil {
		cols["cancelled_at"] = c.CancelledAt
	}
	if c.ErrorSummary != nil {
		cols["error_summary"] = c.ErrorSummary
	}
	return cols
}

type BatchRepository interface {
	Create(ctx context.Context, b *domain.Batch) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	TransitionStatus(ctx context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus, change BatchChange) (bool, error)
	UpdateProgress(ctx context.Context, id string, delta domain.ProgressDelta) (bool, error)
}

type GormBatchRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db, now: time.Now}
}

func (r *GormBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	model := batchModelFromDomain(b)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if b != nil {
		*b = *batchModelToDomain(model)
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

// TransitionStatus is a compare-and-set on the batch status.
func (r *GormBatchRepo) TransitionStatus(ctx context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus, change BatchChange) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("%w: batch transition to %s needs a source status", domain.ErrValidation, to)
	}

	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(change.columns(to))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateProgress adds delta to the counters in one statement guarded by
// processed_count + n <= total_recipients, then completes the batch when
// every recipient is accounted for. It reports whether this call completed it.
func (r *GormBatchRepo) UpdateProgress(ctx context.Context, id string, delta domain.ProgressDelta) (bool, error) {
	if delta.Sent < 0 || delta.Failed < 0 || delta.Delivered < 0 {
		return false, fmt.Errorf("%w: progress delta must not be negative", domain.ErrValidation)
	}
	if delta.IsZero() {
		return false, nil
	}

	processed := delta.Processed()
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND processed_count + ? <= total_recipients", id, processed).
		Updates(map[string]any{
			"processed_count": gorm.Expr("processed_count + ?", processed),
			"sent_count":      gorm.Expr("sent_count + ?", delta.Sent),
			"failed_count":    gorm.Expr("failed_count + ?", delta.Failed),
			"delivered_count": gorm.Expr("delivered_count + ?", delta.Delivered),
			"total_cost":      gorm.Expr("total_cost + ?", delta.Cost),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, fmt.Errorf("%w: batch %s progress would exceed total recipients", domain.ErrConflict, id)
	}
	if processed == 0 {
		return false, nil
	}

	now := r.now().UTC()
	completed := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ? AND processed_count >= total_recipients", id, domain.BatchStatusProcessing).
		Updates(map[string]any{
			"status":       domain.BatchStatusCompleted,
			"completed_at": now,
		})
	if completed.Error != nil {
		return false, completed.Error
	}
	return completed.RowsAffected == 1, nil
}
