package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormConsentRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormConsentRepo(db *gorm.DB) *GormConsentRepo {
	return &GormConsentRepo{db: db, now: time.Now}
}

// HasConsent reports whether recipient granted consent for the type. A
// missing row means no consent.
func (r *GormConsentRepo) HasConsent(ctx context.Context, recipient string, consentType domain.MessageType) (bool, error) {
	var model ConsentModel
	err := r.db.WithContext(ctx).
		Where("recipient = ? AND consent_type = ?", recipient, consentType).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return model.Granted, nil
}

// SetConsent records the latest consent decision for recipient.
func (r *GormConsentRepo) SetConsent(ctx context.Context, recipient string, consentType domain.MessageType, granted bool) error {
	model := ConsentModel{
		Recipient:   recipient,
		ConsentType: consentType,
		Granted:     granted,
		UpdatedAt:   r.now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "recipient"}, {Name: "consent_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"granted", "updated_at"}),
		}).
		Create(&model).Error
}
