package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"gorm.io/gorm"
)

func createNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_notifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_notifications_status_created ON notifications (status, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_retry ON notifications (created_at) WHERE status = 'failed'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationModel{})
		},
	}
}
