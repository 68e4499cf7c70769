package repository

import (
	"context"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.MessageAttempt) error
	GetByMessageID(ctx context.Context, messageID string) ([]domain.MessageAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.MessageAttempt) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

func (r *GormAttemptRepo) GetByMessageID(ctx context.Context, messageID string) ([]domain.MessageAttempt, error) {
	var models []MessageAttemptModel
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("attempt_number ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.MessageAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}
