package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"github.com/kursadbilgin/pushfiscal/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationService interface {
	NotifyUsers(ctx context.Context, req service.NotifyRequest) ([]domain.NotificationRecord, error)
	SendSMS(ctx context.Context, req service.SMSRequest) (*domain.NotificationRecord, error)
	GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.NotificationRecord, int64, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkRead(ctx context.Context, id string) error
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.SendPush)
	v1.Post("/notifications/sms", h.SendSMS)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications", h.ListNotifications)
	v1.Post("/notifications/:id/delivered", h.MarkDelivered)
	v1.Post("/notifications/:id/read", h.MarkRead)

	return nil
}

type sendPushRequest struct {
	UserIDs  []int64        `json:"userIds" validate:"required,min=1,max=1000,dive,gt=0"`
	Type     string         `json:"type" validate:"required"`
	Title    string         `json:"title" validate:"required,max=200"`
	Body     string         `json:"body" validate:"required"`
	Data     map[string]any `json:"data"`
	ImageURL string         `json:"imageUrl" validate:"omitempty,url"`
	Async    bool           `json:"async"`
}

type sendSMSRequest struct {
	UserID int64          `json:"userId" validate:"gte=0"`
	Phone  string         `json:"phone" validate:"max=32"`
	Type   string         `json:"type" validate:"required"`
	Body   string         `json:"body" validate:"required"`
	Data   map[string]any `json:"data"`
}

type notificationResponse struct {
	ID            string         `json:"id"`
	UserID        int64          `json:"userId"`
	Channel       string         `json:"channel"`
	Type          string         `json:"type"`
	Title         string         `json:"title,omitempty"`
	Body          string         `json:"body"`
	Data          map[string]any `json:"data,omitempty"`
	Status        string         `json:"status"`
	RetryAttempts int            `json:"retryAttempts"`
	ErrorMessage  *string        `json:"errorMessage,omitempty"`
	SentAt        *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt   *time.Time     `json:"deliveredAt,omitempty"`
	ReadAt        *time.Time     `json:"readAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt,omitempty"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

// SendPush records one push notification per user. Async requests are queued
// and answered with 202; inline requests report the final record states.
func (h *NotificationHandler) SendPush(c *fiber.Ctx) error {
	var req sendPushRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	notificationType, err := domain.ParseNotificationType(req.Type)
	if err != nil {
		return err
	}

	correlationID, _ := observability.CorrelationIDFromContext(c.UserContext())
	records, err := h.service.NotifyUsers(c.UserContext(), service.NotifyRequest{
		UserIDs:       req.UserIDs,
		Type:          notificationType,
		Title:         req.Title,
		Body:          req.Body,
		Data:          req.Data,
		ImageURL:      strings.TrimSpace(req.ImageURL),
		Async:         req.Async,
		CorrelationID: correlationID,
	})
	if err != nil {
		return err
	}

	status := fiber.StatusOK
	if req.Async {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(fiber.Map{
		"data": toNotificationResponses(records),
	})
}

func (h *NotificationHandler) SendSMS(c *fiber.Ctx) error {
	var req sendSMSRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	notificationType, err := domain.ParseNotificationType(req.Type)
	if err != nil {
		return err
	}

	record, err := h.service.SendSMS(c.UserContext(), service.SMSRequest{
		UserID: req.UserID,
		Phone:  strings.TrimSpace(req.Phone),
		Type:   notificationType,
		Body:   req.Body,
		Data:   req.Data,
	})
	if err != nil {
		return err
	}
	if record == nil {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"recorded": false,
			"status":   domain.StatusSent.String(),
		})
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(record))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	notification, err := h.service.GetByID(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) MarkDelivered(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.MarkDelivered(c.UserContext(), id); err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"status":         domain.StatusDelivered.String(),
	})
}

func (h *NotificationHandler) MarkRead(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.MarkRead(c.UserContext(), id); err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"status":         domain.StatusRead.String(),
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return err
	}

	notifications, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(notifications),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawUserID := strings.TrimSpace(c.Query("userId")); rawUserID != "" {
		userID := int64(c.QueryInt("userId"))
		if userID <= 0 {
			return repository.ListParams{}, fmt.Errorf("%w: userId must be a positive integer", domain.ErrValidation)
		}
		params.UserID = &userID
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannel(rawChannel)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Channel = &channel
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	if from != nil && to != nil && from.After(*to) {
		return repository.ListParams{}, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	params.From = from
	params.To = to

	return params, nil
}

func toNotificationResponses(notifications []domain.NotificationRecord) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		responses = append(responses, toNotificationResponse(&notifications[i]))
	}
	return responses
}

func toNotificationResponse(n *domain.NotificationRecord) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:            n.ID,
		UserID:        n.UserID,
		Channel:       n.Channel.String(),
		Type:          n.Type.String(),
		Title:         n.Title,
		Body:          n.Body,
		Data:          n.Data,
		Status:        n.Status.String(),
		RetryAttempts: n.RetryAttempts,
		ErrorMessage:  n.ErrorMessage,
		SentAt:        n.SentAt,
		DeliveredAt:   n.DeliveredAt,
		ReadAt:        n.ReadAt,
		CreatedAt:     n.CreatedAt,
	}
}
