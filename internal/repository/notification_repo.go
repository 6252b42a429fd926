package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	UserID   *int64
	Status   *domain.Status
	Channel  *domain.Channel
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

type StatusCount struct {
	Status string `gorm:"column:status"`
	Count  int64  `gorm:"column:count"`
}

// RetryQuery selects failed records still inside their retry budget.
type RetryQuery struct {
	Now         time.Time
	Window      time.Duration
	MaxAttempts int
	Limit       int
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.NotificationRecord) error
	GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error)
	List(ctx context.Context, params ListParams) ([]domain.NotificationRecord, int64, error)
	Transition(ctx context.Context, id string, next domain.Status, at time.Time, errMsg *string) error
	GetRetryable(ctx context.Context, q RetryQuery) ([]domain.NotificationRecord, error)
	MarkRetryAttempt(ctx context.Context, id string, maxAttempts int, at time.Time) error
	CompleteRetry(ctx context.Context, id string, at time.Time) error
	RecordRetryFailure(ctx context.Context, id string, errMsg string) error
	ExhaustRetries(ctx context.Context, id string, maxAttempts int, reason string) error
	CountByStatus(ctx context.Context, since time.Time) ([]StatusCount, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.NotificationRecord) error {
	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.NotificationRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	notifications := make([]domain.NotificationRecord, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}

	return notifications, total, nil
}

// Transition moves a record forward along the status machine. A record that
// exists but is not in a source state of next yields ErrConflict.
func (r *GormNotificationRepo) Transition(ctx context.Context, id string, next domain.Status, at time.Time, errMsg *string) error {
	sources := domain.TransitionSources(next)
	if len(sources) == 0 {
		return domain.ErrConflict
	}

	updates := map[string]any{"status": next}
	switch next {
	case domain.StatusSent:
		updates["sent_at"] = at
		updates["error_message"] = nil
	case domain.StatusDelivered:
		updates["delivered_at"] = at
	case domain.StatusRead:
		updates["read_at"] = at
	case domain.StatusFailed:
		updates["error_message"] = errMsg
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status IN ?", id, sources).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *GormNotificationRepo) GetRetryable(ctx context.Context, q RetryQuery) ([]domain.NotificationRecord, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 100
	}

	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.StatusFailed).
		Where("created_at >= ?", q.Now.Add(-q.Window)).
		Where("retry_attempts IS NULL OR retry_attempts < ?", q.MaxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	notifications := make([]domain.NotificationRecord, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications, nil
}

// MarkRetryAttempt claims one retry of a failed record. Concurrent schedulers
// racing on the same record see ErrConflict once the budget is spent.
func (r *GormNotificationRepo) MarkRetryAttempt(ctx context.Context, id string, maxAttempts int, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusFailed).
		Where("retry_attempts IS NULL OR retry_attempts < ?", maxAttempts).
		Updates(map[string]any{
			"retry_attempts": gorm.Expr("COALESCE(retry_attempts, 0) + 1"),
			"last_retry_at":  at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// CompleteRetry is the only path from failed back to sent.
func (r *GormNotificationRepo) CompleteRetry(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusFailed).
		Updates(map[string]any{
			"status":        domain.StatusSent,
			"sent_at":       at,
			"error_message": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *GormNotificationRepo) RecordRetryFailure(ctx context.Context, id string, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusFailed).
		Update("error_message", errMsg)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// ExhaustRetries removes a failed record from future scheduler runs.
func (r *GormNotificationRepo) ExhaustRetries(ctx context.Context, id string, maxAttempts int, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusFailed).
		Updates(map[string]any{
			"retry_attempts": maxAttempts,
			"error_message":  reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *GormNotificationRepo) CountByStatus(ctx context.Context, since time.Time) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("status, COUNT(*) as count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *GormNotificationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&NotificationModel{})
	return result.RowsAffected, result.Error
}

func (r *GormNotificationRepo) missingOrConflict(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}
