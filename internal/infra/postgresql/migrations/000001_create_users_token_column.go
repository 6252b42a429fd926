package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"gorm.io/gorm"
)

// The users table belongs to the platform; AutoMigrate only adds what is missing.
func createUsersTokenColumn() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_users_token_column",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.UserModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropColumn(&repository.UserModel{}, "fcm_tokens")
		},
	}
}
