package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"github.com/kursadbilgin/pushfiscal/internal/service"
)

const (
	defaultReceiptLimit = 50
	maxReceiptLimit     = 500
	connectivityTimeout = 30 * time.Second
)

type ReceiptService interface {
	GenerateReceipt(ctx context.Context, receiptType domain.ReceiptType, input service.ReceiptInput) (*service.ReceiptResult, error)
	RetryReceipt(ctx context.Context, id string) (*service.ReceiptResult, error)
	OnOrderDelivered(ctx context.Context, event service.OrderDelivered) (*service.ReceiptResult, error)
	OnSubscriptionCharged(ctx context.Context, event service.SubscriptionCharged) (*service.ReceiptResult, error)
	GetByID(ctx context.Context, id string) (*domain.Receipt, error)
	List(ctx context.Context, q repository.ReceiptQuery) ([]domain.Receipt, error)
	FiscalHealth(ctx context.Context) error
}

// ArchiveHealth checks connectivity to the receipt archive.
type ArchiveHealth interface {
	Health(ctx context.Context) (service.ArchiveResult, error)
}

type ReceiptHandler struct {
	service ReceiptService
	archive ArchiveHealth
}

func NewReceiptHandler(service ReceiptService, archive ArchiveHealth) (*ReceiptHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("receipt service is required")
	}
	return &ReceiptHandler{service: service, archive: archive}, nil
}

func RegisterReceiptRoutes(router fiber.Router, service ReceiptService, archive ArchiveHealth) error {
	h, err := NewReceiptHandler(service, archive)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/receipts", h.GenerateReceipt)
	v1.Get("/receipts", h.ListReceipts)
	v1.Get("/receipts/:id", h.GetReceipt)
	v1.Post("/receipts/:id/retry", h.RetryReceipt)
	v1.Post("/events/order-delivered", h.OrderDelivered)
	v1.Post("/events/subscription-charged", h.SubscriptionCharged)
	v1.Get("/fiscal/health", h.FiscalHealth)

	return nil
}

type customerRequest struct {
	UserID *int64 `json:"userId" validate:"omitempty,gt=0"`
	Name   string `json:"name" validate:"max=255"`
	Phone  string `json:"phone" validate:"max=32"`
	Email  string `json:"email" validate:"omitempty,email,max=255"`
}

func (r customerRequest) toDomain() domain.Customer {
	return domain.Customer{
		UserID: r.UserID,
		Name:   optionalString(r.Name),
		Phone:  optionalString(r.Phone),
		Email:  optionalString(r.Email),
	}
}

type generateReceiptRequest struct {
	ReceiptType   string          `json:"receiptType" validate:"required"`
	ModelType     string          `json:"modelType" validate:"required"`
	ModelID       string          `json:"modelId" validate:"required,max=64"`
	Amount        int64           `json:"amount" validate:"gt=0"`
	PaymentMethod string          `json:"paymentMethod" validate:"required,max=32"`
	Customer      customerRequest `json:"customer"`
}

type orderDeliveredRequest struct {
	OrderID       string          `json:"orderId" validate:"required,max=64"`
	DeliveryFee   int64           `json:"deliveryFee" validate:"gte=0"`
	PaymentMethod string          `json:"paymentMethod" validate:"required,max=32"`
	Customer      customerRequest `json:"customer"`
}

type subscriptionChargedRequest struct {
	SubscriptionID string          `json:"subscriptionId" validate:"required,max=64"`
	Amount         int64           `json:"amount" validate:"gte=0"`
	PaymentMethod  string          `json:"paymentMethod" validate:"required,max=32"`
	Customer       customerRequest `json:"customer"`
}

type receiptResponse struct {
	ID                string     `json:"id"`
	ReceiptNumber     string     `json:"receiptNumber"`
	ReceiptURL        *string    `json:"receiptUrl,omitempty"`
	ReceiptType       string     `json:"receiptType"`
	ModelType         string     `json:"modelType"`
	ModelID           string     `json:"modelId"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	PaymentMethod     string     `json:"paymentMethod"`
	Status            string     `json:"status"`
	ErrorMessage      *string    `json:"errorMessage,omitempty"`
	SyncedToArchiveAt *time.Time `json:"syncedToArchiveAt,omitempty"`
	SyncError         *string    `json:"syncError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

type receiptResultResponse struct {
	Status   string           `json:"status"`
	Existing bool             `json:"existing,omitempty"`
	Sandbox  bool             `json:"sandbox,omitempty"`
	Error    string           `json:"error,omitempty"`
	Receipt  *receiptResponse `json:"receipt,omitempty"`
}

type connectivityResult struct {
	Status  string `json:"status"`
	Sandbox bool   `json:"sandbox,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *ReceiptHandler) GenerateReceipt(c *fiber.Ctx) error {
	var req generateReceiptRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	receiptType, err := domain.ParseReceiptType(req.ReceiptType)
	if err != nil {
		return err
	}
	modelType, err := domain.ParseModelKind(req.ModelType)
	if err != nil {
		return err
	}

	customer := req.Customer.toDomain()
	result, err := h.service.GenerateReceipt(c.UserContext(), receiptType, service.ReceiptInput{
		ModelID:        strings.TrimSpace(req.ModelID),
		ModelType:      modelType,
		Amount:         req.Amount,
		PaymentMethod:  strings.TrimSpace(req.PaymentMethod),
		CustomerUserID: customer.UserID,
		CustomerName:   customer.Name,
		CustomerPhone:  customer.Phone,
		CustomerEmail:  customer.Email,
	})
	if err != nil {
		return err
	}

	return writeReceiptResult(c, result)
}

func (h *ReceiptHandler) RetryReceipt(c *fiber.Ctx) error {
	result, err := h.service.RetryReceipt(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}
	return writeReceiptResult(c, result)
}

func (h *ReceiptHandler) GetReceipt(c *fiber.Ctx) error {
	receipt, err := h.service.GetByID(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toReceiptResponse(receipt))
}

func (h *ReceiptHandler) ListReceipts(c *fiber.Ctx) error {
	q, err := parseReceiptQuery(c)
	if err != nil {
		return err
	}

	receipts, err := h.service.List(c.UserContext(), q)
	if err != nil {
		return err
	}

	data := make([]receiptResponse, 0, len(receipts))
	for i := range receipts {
		data = append(data, *toReceiptResponse(&receipts[i]))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": data,
	})
}

// OrderDelivered issues the delivery fee receipt. Orders without a fee are
// acknowledged as skipped.
func (h *ReceiptHandler) OrderDelivered(c *fiber.Ctx) error {
	var req orderDeliveredRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	result, err := h.service.OnOrderDelivered(c.UserContext(), service.OrderDelivered{
		OrderID:       strings.TrimSpace(req.OrderID),
		DeliveryFee:   req.DeliveryFee,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		Customer:      req.Customer.toDomain(),
	})
	if err != nil {
		return err
	}
	return writeReceiptResult(c, result)
}

func (h *ReceiptHandler) SubscriptionCharged(c *fiber.Ctx) error {
	var req subscriptionChargedRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	result, err := h.service.OnSubscriptionCharged(c.UserContext(), service.SubscriptionCharged{
		SubscriptionID: strings.TrimSpace(req.SubscriptionID),
		Amount:         req.Amount,
		PaymentMethod:  strings.TrimSpace(req.PaymentMethod),
		Customer:       req.Customer.toDomain(),
	})
	if err != nil {
		return err
	}
	return writeReceiptResult(c, result)
}

// FiscalHealth tests connectivity to the fiscal authority and the archive.
// Unconfigured collaborators are reported but do not fail the check.
func (h *ReceiptHandler) FiscalHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), connectivityTimeout)
	defer cancel()

	fiscal := connectivityFromError(h.service.FiscalHealth(ctx))

	archive := connectivityResult{Status: "not_configured"}
	if h.archive != nil {
		result, err := h.archive.Health(ctx)
		archive = connectivityFromError(err)
		if err == nil {
			archive.Sandbox = result.Sandbox
			archive.Message = result.Message
		}
	}

	statusCode := fiber.StatusOK
	if fiscal.Status == "down" || archive.Status == "down" {
		statusCode = fiber.StatusServiceUnavailable
	}
	return c.Status(statusCode).JSON(fiber.Map{
		"fiscal":  fiscal,
		"archive": archive,
	})
}

func connectivityFromError(err error) connectivityResult {
	switch {
	case err == nil:
		return connectivityResult{Status: "ok"}
	case errors.Is(err, domain.ErrNotConfigured):
		return connectivityResult{Status: "not_configured", Message: err.Error()}
	default:
		return connectivityResult{Status: "down", Message: err.Error()}
	}
}

func parseReceiptQuery(c *fiber.Ctx) (repository.ReceiptQuery, error) {
	q := repository.ReceiptQuery{
		Limit:        c.QueryInt("limit", defaultReceiptLimit),
		UnsyncedOnly: c.QueryBool("unsynced", false),
	}
	if q.Limit < 1 || q.Limit > maxReceiptLimit {
		return repository.ReceiptQuery{}, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxReceiptLimit)
	}

	for _, raw := range splitList(c.Query("status")) {
		st, err := domain.ParseReceiptStatus(raw)
		if err != nil {
			return repository.ReceiptQuery{}, err
		}
		q.Statuses = append(q.Statuses, st)
	}
	for _, raw := range splitList(c.Query("type")) {
		rt, err := domain.ParseReceiptType(raw)
		if err != nil {
			return repository.ReceiptQuery{}, err
		}
		q.Types = append(q.Types, rt)
	}

	since, err := parseRFC3339Query(c.Query("since"), "since")
	if err != nil {
		return repository.ReceiptQuery{}, err
	}
	until, err := parseRFC3339Query(c.Query("until"), "until")
	if err != nil {
		return repository.ReceiptQuery{}, err
	}
	q.Since = since
	q.Until = until

	return q, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeReceiptResult(c *fiber.Ctx, result *service.ReceiptResult) error {
	if result == nil {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"skipped": true,
		})
	}

	statusCode := fiber.StatusOK
	if result.OK() && !result.Existing {
		statusCode = fiber.StatusCreated
	}
	return c.Status(statusCode).JSON(receiptResultResponse{
		Status:   result.Status.String(),
		Existing: result.Existing,
		Sandbox:  result.Sandbox,
		Error:    result.Error,
		Receipt:  toReceiptResponse(result.Receipt),
	})
}

func toReceiptResponse(r *domain.Receipt) *receiptResponse {
	if r == nil {
		return nil
	}

	return &receiptResponse{
		ID:                r.ID,
		ReceiptNumber:     r.ReceiptNumber,
		ReceiptURL:        r.ReceiptURL,
		ReceiptType:       r.ReceiptType.String(),
		ModelType:         r.Model.Kind.String(),
		ModelID:           r.Model.ID,
		Amount:            r.Amount,
		Currency:          domain.ReceiptCurrency,
		PaymentMethod:     r.PaymentMethod,
		Status:            r.Status.String(),
		ErrorMessage:      r.ErrorMessage,
		SyncedToArchiveAt: r.SyncedToArchiveAt,
		SyncError:         r.SyncError,
		CreatedAt:         r.CreatedAt,
	}
}
