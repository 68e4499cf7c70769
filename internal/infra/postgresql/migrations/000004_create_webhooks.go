package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createWebhooksTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_webhooks",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.WebhookModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_webhooks_idempotency_key ON webhooks (idempotency_key)`,
				`CREATE INDEX IF NOT EXISTS idx_webhooks_retry_due ON webhooks (next_retry_at) WHERE status = 'FAILED'`,
				`CREATE INDEX IF NOT EXISTS idx_webhooks_message_id ON webhooks (message_id) WHERE message_id IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WebhookModel{})
		},
	}
}
