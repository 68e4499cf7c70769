package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createMessagesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_messages",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.MessageModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_messages_batch_status ON messages (batch_id, status, id) WHERE batch_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_messages_provider_message_id ON messages (provider, provider_message_id) WHERE provider_message_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_messages_retry_due ON messages (next_retry_at) WHERE status = 'RETRYING'`,
				`CREATE INDEX IF NOT EXISTS idx_messages_scheduled_due ON messages (scheduled_at) WHERE status = 'SCHEDULED'`,
				`CREATE INDEX IF NOT EXISTS idx_messages_sending_stale ON messages (updated_at) WHERE status = 'SENDING'`,
				`CREATE INDEX IF NOT EXISTS idx_messages_owner ON messages (owner_type, owner_id) WHERE owner_id <> ''`,
				`CREATE INDEX IF NOT EXISTS idx_messages_correlation_id ON messages (correlation_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.MessageModel{})
		},
	}
}
