package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"gorm.io/gorm"
)

func createReceiptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_receipts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ReceiptModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_vfd_receipts_model_type ON vfd_receipts (model_id, model_type, receipt_type) WHERE deleted_at IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_vfd_receipts_status_created ON vfd_receipts (status, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_vfd_receipts_unsynced ON vfd_receipts (created_at) WHERE status = 'generated' AND synced_to_archive_at IS NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ReceiptModel{})
		},
	}
}
