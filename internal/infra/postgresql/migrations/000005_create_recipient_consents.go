package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createRecipientConsentsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_recipient_consents",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.ConsentModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ConsentModel{})
		},
	}
}
