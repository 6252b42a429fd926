package migrations

import (
	"bytes"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// normalizeUserTokens rewrites every legacy token shape into the canonical
// array of metadata objects, once.
func normalizeUserTokens() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_normalize_user_tokens",
		Migrate: func(tx *gorm.DB) error {
			now := time.Now().UTC()
			var users []repository.UserModel
			return tx.Select("id", "fcm_tokens").
				Where("fcm_tokens IS NOT NULL").
				FindInBatches(&users, 500, func(batch *gorm.DB, _ int) error {
					for _, u := range users {
						encoded, err := domain.EncodeTokens(domain.NormalizeTokens(u.FCMTokens, domain.WellFormedToken, now))
						if err != nil {
							return err
						}
						if bytes.Equal(encoded, u.FCMTokens) {
							continue
						}
						if err := tx.Model(&repository.UserModel{}).
							Where("id = ?", u.ID).
							UpdateColumn("fcm_tokens", datatypes.JSON(encoded)).Error; err != nil {
							return err
						}
					}
					return nil
				}).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return nil
		},
	}
}
