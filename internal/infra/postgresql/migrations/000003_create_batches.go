package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`ALTER TABLE batches DROP CONSTRAINT IF EXISTS chk_batches_progress`,
				`ALTER TABLE batches ADD CONSTRAINT chk_batches_progress CHECK (processed_count <= total_recipients AND processed_count = sent_count + failed_count)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchModel{})
		},
	}
}
