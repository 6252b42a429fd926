package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserModel maps the columns of the platform users table this service owns.
// Only fcm_tokens is written here; the rest is read for contact lookups.
type UserModel struct {
	ID        int64          `gorm:"primaryKey"`
	Name      string         `gorm:"type:varchar(255);not null;default:''"`
	Phone     *string        `gorm:"type:varchar(32)"`
	Email     *string        `gorm:"type:varchar(255)"`
	FCMTokens datatypes.JSON `gorm:"column:fcm_tokens;type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserModel) TableName() string {
	return "users"
}

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID            string                  `gorm:"type:uuid;primaryKey"`
	UserID        int64                   `gorm:"not null;index"`
	Channel       domain.Channel          `gorm:"type:varchar(10);not null"`
	Type          domain.NotificationType `gorm:"type:varchar(40);not null"`
	Title         string                  `gorm:"type:varchar(200);not null;default:''"`
	Body          string                  `gorm:"type:text;not null"`
	Data          datatypes.JSONMap       `gorm:"type:jsonb"`
	Status        domain.Status           `gorm:"type:varchar(20);not null"`
	RetryAttempts *int                    `gorm:"default:0"`
	LastRetryAt   *time.Time
	ErrorMessage  *string `gorm:"type:text"`
	SentAt        *time.Time
	DeliveredAt   *time.Time
	ReadAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// ReceiptModel is the persistence model for vfd_receipts.
type ReceiptModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	ReceiptNumber     string               `gorm:"type:varchar(64);not null;uniqueIndex"`
	ReceiptURL        *string              `gorm:"type:text"`
	ProviderResponse  datatypes.JSON       `gorm:"type:jsonb"`
	ReceiptType       domain.ReceiptType   `gorm:"type:varchar(20);not null"`
	ModelID           string               `gorm:"type:varchar(64);not null"`
	ModelType         domain.ModelKind     `gorm:"type:varchar(20);not null"`
	Amount            int64                `gorm:"not null"`
	PaymentMethod     string               `gorm:"type:varchar(32);not null"`
	CustomerUserID    *int64               `gorm:"index"`
	CustomerName      *string              `gorm:"type:varchar(255)"`
	CustomerPhone     *string              `gorm:"type:varchar(32)"`
	CustomerEmail     *string              `gorm:"type:varchar(255)"`
	Status            domain.ReceiptStatus `gorm:"type:varchar(20);not null"`
	ErrorMessage      *string              `gorm:"type:text"`
	SyncedToArchiveAt *time.Time
	SyncError         *string `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

func (ReceiptModel) TableName() string {
	return "vfd_receipts"
}

func userModelToDomain(m *UserModel, now time.Time) *domain.User {
	if m == nil {
		return nil
	}

	return &domain.User{
		ID:        m.ID,
		Name:      m.Name,
		Phone:     m.Phone,
		Email:     m.Email,
		Tokens:    domain.NormalizeTokens(m.FCMTokens, nil, now),
		CreatedAt: m.CreatedAt,
	}
}

func notificationModelFromDomain(n *domain.NotificationRecord) *NotificationModel {
	if n == nil {
		return nil
	}

	attempts := n.RetryAttempts
	return &NotificationModel{
		ID:            n.ID,
		UserID:        n.UserID,
		Channel:       n.Channel,
		Type:          n.Type,
		Title:         n.Title,
		Body:          n.Body,
		Data:          datatypes.JSONMap(n.Data),
		Status:        n.Status,
		RetryAttempts: &attempts,
		LastRetryAt:   n.LastRetryAt,
		ErrorMessage:  n.ErrorMessage,
		SentAt:        n.SentAt,
		DeliveredAt:   n.DeliveredAt,
		ReadAt:        n.ReadAt,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.NotificationRecord {
	if m == nil {
		return nil
	}

	n := &domain.NotificationRecord{
		ID:           m.ID,
		UserID:       m.UserID,
		Channel:      m.Channel,
		Type:         m.Type,
		Title:        m.Title,
		Body:         m.Body,
		Data:         map[string]any(m.Data),
		Status:       m.Status,
		LastRetryAt:  m.LastRetryAt,
		ErrorMessage: m.ErrorMessage,
		SentAt:       m.SentAt,
		DeliveredAt:  m.DeliveredAt,
		ReadAt:       m.ReadAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.RetryAttempts != nil {
		n.RetryAttempts = *m.RetryAttempts
	}
	return n
}

func receiptModelFromDomain(r *domain.Receipt) *ReceiptModel {
	if r == nil {
		return nil
	}

	return &ReceiptModel{
		ID:                r.ID,
		ReceiptNumber:     r.ReceiptNumber,
		ReceiptURL:        r.ReceiptURL,
		ProviderResponse:  jsonOrNil(r.ProviderResponse),
		ReceiptType:       r.ReceiptType,
		ModelID:           r.Model.ID,
		ModelType:         r.Model.Kind,
		Amount:            r.Amount,
		PaymentMethod:     r.PaymentMethod,
		CustomerUserID:    r.Customer.UserID,
		CustomerName:      r.Customer.Name,
		CustomerPhone:     r.Customer.Phone,
		CustomerEmail:     r.Customer.Email,
		Status:            r.Status,
		ErrorMessage:      r.ErrorMessage,
		SyncedToArchiveAt: r.SyncedToArchiveAt,
		SyncError:         r.SyncError,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func receiptModelToDomain(m *ReceiptModel) *domain.Receipt {
	if m == nil {
		return nil
	}

	return &domain.Receipt{
		ID:               m.ID,
		ReceiptNumber:    m.ReceiptNumber,
		ReceiptURL:       m.ReceiptURL,
		ProviderResponse: []byte(m.ProviderResponse),
		ReceiptType:      m.ReceiptType,
		Model:            domain.ModelRef{Kind: m.ModelType, ID: m.ModelID},
		Amount:           m.Amount,
		PaymentMethod:    m.PaymentMethod,
		Customer: domain.Customer{
			UserID: m.CustomerUserID,
			Name:   m.CustomerName,
			Phone:  m.CustomerPhone,
			Email:  m.CustomerEmail,
		},
		Status:            m.Status,
		ErrorMessage:      m.ErrorMessage,
		SyncedToArchiveAt: m.SyncedToArchiveAt,
		SyncError:         m.SyncError,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// jsonOrNil keeps provider payloads storable in a json column. Non-JSON bodies
// are stored as a JSON string.
func jsonOrNil(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return datatypes.JSON(raw)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return datatypes.JSON(quoted)
}
