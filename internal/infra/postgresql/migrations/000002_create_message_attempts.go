package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createMessageAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_message_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.MessageAttemptModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_attempts_message_id ON message_attempts (message_id, attempt_number)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.MessageAttemptModel{})
		},
	}
}
