package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"gorm.io/gorm"
)

// ReceiptQuery filters receipts for operator commands and the resync path.
type ReceiptQuery struct {
	Statuses     []domain.ReceiptStatus
	Types        []domain.ReceiptType
	UnsyncedOnly bool
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

type ReceiptRepository interface {
	Create(ctx context.Context, rc *domain.Receipt) error
	GetByID(ctx context.Context, id string) (*domain.Receipt, error)
	GetByModel(ctx context.Context, ref domain.ModelRef, receiptType domain.ReceiptType) (*domain.Receipt, error)
	List(ctx context.Context, q ReceiptQuery) ([]domain.Receipt, error)
	MarkGenerated(ctx context.Context, id string, result GeneratedReceipt) (bool, error)
	MarkFailed(ctx context.Context, id string, errMsg string) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
	SetSyncError(ctx context.Context, id string, errMsg string) error
	CountByStatus(ctx context.Context, since time.Time) ([]StatusCount, error)
	CountUnsynced(ctx context.Context, since time.Time) (int64, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	SoftDeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// GeneratedReceipt carries the authority response stored on success.
type GeneratedReceipt struct {
	ReceiptNumber    string
	ReceiptURL       *string
	ProviderResponse []byte
}

type GormReceiptRepo struct {
	db *gorm.DB
}

func NewGormReceiptRepo(db *gorm.DB) *GormReceiptRepo {
	return &GormReceiptRepo{db: db}
}

// Create inserts a receipt. A second receipt for the same model and type
// violates the unique index and yields ErrConflict.
func (r *GormReceiptRepo) Create(ctx context.Context, rc *domain.Receipt) error {
	model := receiptModelFromDomain(rc)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrConflict
		}
		return err
	}
	if rc != nil {
		*rc = *receiptModelToDomain(model)
	}
	return nil
}

func (r *GormReceiptRepo) GetByID(ctx context.Context, id string) (*domain.Receipt, error) {
	var model ReceiptModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return receiptModelToDomain(&model), nil
}

func (r *GormReceiptRepo) GetByModel(ctx context.Context, ref domain.ModelRef, receiptType domain.ReceiptType) (*domain.Receipt, error) {
	var model ReceiptModel
	err := r.db.WithContext(ctx).
		Where("model_id = ? AND model_type = ? AND receipt_type = ?", ref.ID, ref.Kind, receiptType).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return receiptModelToDomain(&model), nil
}

func (r *GormReceiptRepo) List(ctx context.Context, q ReceiptQuery) ([]domain.Receipt, error) {
	query := r.db.WithContext(ctx).Model(&ReceiptModel{})

	if len(q.Statuses) > 0 {
		query = query.Where("status IN ?", q.Statuses)
	}
	if len(q.Types) > 0 {
		query = query.Where("receipt_type IN ?", q.Types)
	}
	if q.UnsyncedOnly {
		query = query.Where("status = ? AND synced_to_archive_at IS NULL", domain.ReceiptGenerated)
	}
	if q.Since != nil {
		query = query.Where("created_at >= ?", *q.Since)
	}
	if q.Until != nil {
		query = query.Where("created_at <= ?", *q.Until)
	}

	limit := q.Limit
	if limit < 1 {
		limit = 100
	}

	var models []ReceiptModel
	if err := query.Order("created_at ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}

	receipts := make([]domain.Receipt, 0, len(models))
	for i := range models {
		receipts = append(receipts, *receiptModelToDomain(&models[i]))
	}
	return receipts, nil
}

// MarkGenerated stores the authority result. It reports whether this call
// moved the receipt into generated, which gates the archive trigger.
func (r *GormReceiptRepo) MarkGenerated(ctx context.Context, id string, result GeneratedReceipt) (bool, error) {
	updates := map[string]any{
		"status":            domain.ReceiptGenerated,
		"receipt_url":       result.ReceiptURL,
		"provider_response": jsonOrNil(result.ProviderResponse),
		"error_message":     nil,
	}
	if result.ReceiptNumber != "" {
		updates["receipt_number"] = result.ReceiptNumber
	}

	res := r.db.WithContext(ctx).
		Model(&ReceiptModel{}).
		Where("id = ? AND status <> ?", id, domain.ReceiptGenerated).
		Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, domain.ErrConflict
		}
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *GormReceiptRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	res := r.db.WithContext(ctx).
		Model(&ReceiptModel{}).
		Where("id = ? AND status <> ?", id, domain.ReceiptGenerated).
		Updates(map[string]any{
			"status":        domain.ReceiptFailed,
			"error_message": errMsg,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

// MarkSynced stamps the first successful archive time and clears sync_error.
// An existing timestamp is never overwritten.
func (r *GormReceiptRepo) MarkSynced(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&ReceiptModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"synced_to_archive_at": gorm.Expr("COALESCE(synced_to_archive_at, ?)", at),
			"sync_error":           nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormReceiptRepo) SetSyncError(ctx context.Context, id string, errMsg string) error {
	res := r.db.WithContext(ctx).
		Model(&ReceiptModel{}).
		Where("id = ?", id).
		Update("sync_error", errMsg)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormReceiptRepo) CountByStatus(ctx context.Context, since time.Time) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&ReceiptModel{}).
		Select("status, COUNT(*) as count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *GormReceiptRepo) CountUnsynced(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ReceiptModel{}).
		Where("status = ? AND synced_to_archive_at IS NULL", domain.ReceiptGenerated).
		Where("created_at >= ?", since).
		Count(&count).Error
	return count, err
}

func (r *GormReceiptRepo) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ReceiptModel{}).
		Where("created_at < ?", cutoff).
		Count(&count).Error
	return count, err
}

func (r *GormReceiptRepo) SoftDeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&ReceiptModel{})
	return res.RowsAffected, res.Error
}
