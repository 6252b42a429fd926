package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TokenMutation receives the current token list of a locked user row and
// returns the list to store. Returning changed=false skips the write.
type TokenMutation func(tokens []domain.DeviceToken) (next []domain.DeviceToken, changed bool, err error)

type UserListParams struct {
	HasTokens *bool
	AfterID   int64
	Limit     int
}

type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	LoadTokens(ctx context.Context, userID int64) ([]domain.DeviceToken, error)
	MutateTokens(ctx context.Context, userID int64, fn TokenMutation) ([]domain.DeviceToken, error)
	List(ctx context.Context, params UserListParams) ([]domain.User, error)
	ScanTokens(ctx context.Context, batchSize int, fn func(users []domain.User) error) error
}

type GormUserRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormUserRepo(db *gorm.DB) *GormUserRepo {
	return &GormUserRepo{db: db, now: time.Now}
}

func (r *GormUserRepo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	var model UserModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return userModelToDomain(&model, r.now().UTC()), nil
}

func (r *GormUserRepo) LoadTokens(ctx context.Context, userID int64) ([]domain.DeviceToken, error) {
	var model UserModel
	err := r.db.WithContext(ctx).
		Select("id", "fcm_tokens").
		First(&model, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return domain.NormalizeTokens(model.FCMTokens, domain.WellFormedToken, r.now().UTC()), nil
}

// MutateTokens runs fn against the token column of one user while holding a
// row lock, so concurrent mutations of the same user serialize.
func (r *GormUserRepo) MutateTokens(ctx context.Context, userID int64, fn TokenMutation) ([]domain.DeviceToken, error) {
	var result []domain.DeviceToken

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model UserModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "fcm_tokens").
			First(&model, "id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		current := domain.NormalizeTokens(model.FCMTokens, nil, r.now().UTC())
		next, changed, err := fn(current)
		if err != nil {
			return err
		}
		if !changed {
			result = current
			return nil
		}

		encoded, err := domain.EncodeTokens(next)
		if err != nil {
			return err
		}
		if err := tx.Model(&UserModel{}).
			Where("id = ?", userID).
			Update("fcm_tokens", datatypes.JSON(encoded)).Error; err != nil {
			return fmt.Errorf("failed to store tokens for user %d: %w", userID, err)
		}

		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *GormUserRepo) List(ctx context.Context, params UserListParams) ([]domain.User, error) {
	query := r.db.WithContext(ctx).Model(&UserModel{})

	if params.HasTokens != nil {
		if *params.HasTokens {
			query = query.Where("fcm_tokens IS NOT NULL AND CAST(fcm_tokens AS TEXT) NOT IN ('', 'null', '[]')")
		} else {
			query = query.Where("fcm_tokens IS NULL OR CAST(fcm_tokens AS TEXT) IN ('', 'null', '[]')")
		}
	}
	if params.AfterID > 0 {
		query = query.Where("id > ?", params.AfterID)
	}

	limit := params.Limit
	if limit < 1 {
		limit = 100
	}
	limit = min(limit, 1000)

	var models []UserModel
	if err := query.Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}

	now := r.now().UTC()
	users := make([]domain.User, 0, len(models))
	for i := range models {
		users = append(users, *userModelToDomain(&models[i], now))
	}
	return users, nil
}

// ScanTokens walks every user that has a token column set, batchSize rows at a time.
func (r *GormUserRepo) ScanTokens(ctx context.Context, batchSize int, fn func(users []domain.User) error) error {
	if batchSize < 1 {
		batchSize = 500
	}

	var models []UserModel
	now := r.now().UTC()
	result := r.db.WithContext(ctx).
		Select("id", "name", "phone", "email", "fcm_tokens", "created_at").
		Where("fcm_tokens IS NOT NULL").
		FindInBatches(&models, batchSize, func(tx *gorm.DB, batch int) error {
			users := make([]domain.User, 0, len(models))
			for i := range models {
				users = append(users, *userModelToDomain(&models[i], now))
			}
			return fn(users)
		})
	return result.Error
}
