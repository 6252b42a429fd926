package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"github.com/kursadbilgin/pushfiscal/internal/provider"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"github.com/kursadbilgin/pushfiscal/internal/validation"
	"go.uber.org/zap"
)

const (
	receiptTaxCode = "standard"
	receiptTaxRate = 18.0
)

// FiscalAuthority issues fiscal receipts.
type FiscalAuthority interface {
	IssueReceipt(ctx context.Context, req provider.FiscalReceiptRequest) (*provider.FiscalReceipt, error)
	Health(ctx context.Context) error
	TIN() string
	Sandbox() bool
}

// SMSNotifier sends the receipt link to the customer.
type SMSNotifier interface {
	SendSMS(ctx context.Context, req SMSRequest) (*domain.NotificationRecord, error)
}

// ArchiveScheduler queues the archive sync of a freshly generated receipt.
type ArchiveScheduler interface {
	ScheduleArchive(ctx context.Context, receiptID string) error
}

// ReceiptInput is the payload of GenerateReceipt.
type ReceiptInput struct {
	ModelID        string           `json:"model_id" validate:"required,max=64"`
	ModelType      domain.ModelKind `json:"model_type" validate:"required,oneof=order subscription"`
	Amount         int64            `json:"amount" validate:"gt=0"`
	PaymentMethod  string           `json:"payment_method" validate:"required,max=32"`
	CustomerUserID *int64           `json:"customer_user_id,omitempty"`
	CustomerName   *string          `json:"customer_name,omitempty" validate:"omitempty,max=255"`
	CustomerPhone  *string          `json:"customer_phone,omitempty" validate:"omitempty,max=32"`
	CustomerEmail  *string          `json:"customer_email,omitempty" validate:"omitempty,email,max=255"`
}

// ReceiptResult is the structured outcome of a generation attempt. A failed
// authority call is a result with Status failed, not an error.
type ReceiptResult struct {
	Status   domain.ReceiptStatus
	Receipt  *domain.Receipt
	Error    string
	Sandbox  bool
	Existing bool
}

func (r *ReceiptResult) OK() bool {
	return r != nil && r.Status == domain.ReceiptGenerated
}

// OrderDelivered is the domain event issuing a delivery fee receipt.
type OrderDelivered struct {
	OrderID       string
	DeliveryFee   int64
	PaymentMethod string
	Customer      domain.Customer
}

// SubscriptionCharged is the domain event issuing a subscription receipt.
type SubscriptionCharged struct {
	SubscriptionID string
	Amount         int64
	PaymentMethod  string
	Customer       domain.Customer
}

type ReceiptService struct {
	receipts  repository.ReceiptRepository
	authority FiscalAuthority
	sms       SMSNotifier
	archive   ArchiveScheduler
	enabled   bool
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewReceiptService(
	receipts repository.ReceiptRepository,
	authority FiscalAuthority,
	sms SMSNotifier,
	archive ArchiveScheduler,
	enabled bool,
	logger *zap.Logger,
) (*ReceiptService, error) {
	if receipts == nil {
		return nil, fmt.Errorf("receipt repository is required")
	}
	if authority == nil {
		return nil, fmt.Errorf("fiscal authority client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReceiptService{
		receipts:  receipts,
		authority: authority,
		sms:       sms,
		archive:   archive,
		enabled:   enabled,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *ReceiptService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// GenerateReceipt persists a pending receipt, registers it with the fiscal
// authority and records the outcome. A second request for the same model and
// type returns the stored receipt.
func (s *ReceiptService) GenerateReceipt(ctx context.Context, receiptType domain.ReceiptType, input ReceiptInput) (*ReceiptResult, error) {
	if !receiptType.IsValid() {
		return nil, fmt.Errorf("%w: invalid receipt type %q", domain.ErrValidation, receiptType)
	}
	input.ModelID = strings.TrimSpace(input.ModelID)
	input.PaymentMethod = strings.TrimSpace(input.PaymentMethod)
	if err := validation.Struct(input); err != nil {
		return nil, err
	}

	ref := domain.ModelRef{Kind: input.ModelType, ID: input.ModelID}
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	if existing, err := s.receipts.GetByModel(ctx, ref, receiptType); err == nil {
		return existingResult(existing), nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up existing receipt: %w", err)
	}

	receipt := &domain.Receipt{
		ID:            uuid.NewString(),
		ReceiptNumber: s.newReceiptNumber(),
		ReceiptType:   receiptType,
		Model:         ref,
		Amount:        input.Amount,
		PaymentMethod: input.PaymentMethod,
		Customer: domain.Customer{
			UserID: input.CustomerUserID,
			Name:   input.CustomerName,
			Phone:  input.CustomerPhone,
			Email:  input.CustomerEmail,
		},
		Status: domain.ReceiptPending,
	}
	if err := s.receipts.Create(ctx, receipt); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			existing, getErr := s.receipts.GetByModel(ctx, ref, receiptType)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load receipt after duplicate insert: %w", getErr)
			}
			return existingResult(existing), nil
		}
		return nil, fmt.Errorf("failed to create receipt: %w", err)
	}

	return s.issue(ctx, receipt)
}

// RetryReceipt re-issues a pending or failed receipt. Generated receipts are
// returned unchanged.
func (s *ReceiptService) RetryReceipt(ctx context.Context, id string) (*ReceiptResult, error) {
	receipt, err := s.receipts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if receipt.Status == domain.ReceiptGenerated {
		return existingResult(receipt), nil
	}
	return s.issue(ctx, receipt)
}

// OnOrderDelivered issues the delivery fee receipt of an order. Orders without
// a fee, or that already have a delivery receipt, are skipped with nil.
func (s *ReceiptService) OnOrderDelivered(ctx context.Context, event OrderDelivered) (*ReceiptResult, error) {
	if !s.enabled || event.DeliveryFee <= 0 {
		return nil, nil
	}
	return s.GenerateReceipt(ctx, domain.ReceiptTypeDelivery, ReceiptInput{
		ModelID:        event.OrderID,
		ModelType:      domain.ModelOrder,
		Amount:         event.DeliveryFee,
		PaymentMethod:  event.PaymentMethod,
		CustomerUserID: event.Customer.UserID,
		CustomerName:   event.Customer.Name,
		CustomerPhone:  event.Customer.Phone,
		CustomerEmail:  event.Customer.Email,
	})
}

func (s *ReceiptService) OnSubscriptionCharged(ctx context.Context, event SubscriptionCharged) (*ReceiptResult, error) {
	if !s.enabled || event.Amount <= 0 {
		return nil, nil
	}
	return s.GenerateReceipt(ctx, domain.ReceiptTypeSubscription, ReceiptInput{
		ModelID:        event.SubscriptionID,
		ModelType:      domain.ModelSubscription,
		Amount:         event.Amount,
		PaymentMethod:  event.PaymentMethod,
		CustomerUserID: event.Customer.UserID,
		CustomerName:   event.Customer.Name,
		CustomerPhone:  event.Customer.Phone,
		CustomerEmail:  event.Customer.Email,
	})
}

func (s *ReceiptService) GetByID(ctx context.Context, id string) (*domain.Receipt, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: receipt id is required", domain.ErrValidation)
	}
	return s.receipts.GetByID(ctx, strings.TrimSpace(id))
}

func (s *ReceiptService) List(ctx context.Context, q repository.ReceiptQuery) ([]domain.Receipt, error) {
	return s.receipts.List(ctx, q)
}

// FiscalHealth checks connectivity to the fiscal authority.
func (s *ReceiptService) FiscalHealth(ctx context.Context) error {
	return s.authority.Health(ctx)
}

func (s *ReceiptService) issue(ctx context.Context, receipt *domain.Receipt) (*ReceiptResult, error) {
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("receiptId", receipt.ID),
		zap.String("receiptNumber", receipt.ReceiptNumber),
		zap.String("model", receipt.Model.Reference()),
	)

	issued, issueErr := s.authority.IssueReceipt(ctx, s.buildRequest(receipt))
	if issueErr != nil {
		msg := errorMessage(issueErr)
		if err := s.receipts.MarkFailed(ctx, receipt.ID, msg); err != nil {
			return nil, fmt.Errorf("failed to mark receipt failed: %w", err)
		}
		s.metrics.IncReceipt(receipt.ReceiptType.String(), domain.ReceiptFailed.String())
		logger.Warn("fiscal receipt generation failed",
			zap.Bool("configurationError", errors.Is(issueErr, domain.ErrNotConfigured)),
			zap.Error(issueErr),
		)

		receipt.Status = domain.ReceiptFailed
		receipt.ErrorMessage = &msg
		return &ReceiptResult{Status: domain.ReceiptFailed, Receipt: receipt, Error: msg}, nil
	}

	generated := repository.GeneratedReceipt{
		ReceiptNumber:    issued.ReceiptNumber,
		ProviderResponse: issued.Raw,
	}
	if issued.ReceiptURL != "" {
		url := issued.ReceiptURL
		generated.ReceiptURL = &url
	}

	transitioned, err := s.receipts.MarkGenerated(ctx, receipt.ID, generated)
	if err != nil {
		return nil, fmt.Errorf("failed to mark receipt generated: %w", err)
	}

	stored, err := s.receipts.GetByID(ctx, receipt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload receipt: %w", err)
	}

	if transitioned {
		s.metrics.IncReceipt(stored.ReceiptType.String(), domain.ReceiptGenerated.String())
		logger.Info("fiscal receipt generated", zap.Bool("sandbox", issued.Sandbox))
		s.scheduleArchive(ctx, stored, logger)
		s.notifyCustomer(ctx, stored, logger)
	}

	return &ReceiptResult{Status: domain.ReceiptGenerated, Receipt: stored, Sandbox: issued.Sandbox}, nil
}

func (s *ReceiptService) buildRequest(receipt *domain.Receipt) provider.FiscalReceiptRequest {
	amount := domain.MinorToMajor(receipt.Amount)
	return provider.FiscalReceiptRequest{
		TIN:           s.authority.TIN(),
		ReceiptNumber: receipt.ReceiptNumber,
		Amount:        amount,
		PaymentMethod: domain.FiscalPaymentMethod(receipt.PaymentMethod),
		Customer: provider.FiscalCustomer{
			Name:  receipt.Customer.Name,
			Phone: receipt.Customer.Phone,
			Email: receipt.Customer.Email,
		},
		Items: []provider.FiscalLineItem{{
			Description: receipt.Model.Describe(),
			Quantity:    1,
			UnitPrice:   amount,
			TotalPrice:  amount,
			TaxCode:     receiptTaxCode,
			TaxRate:     receiptTaxRate,
		}},
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Currency:  domain.ReceiptCurrency,
		Reference: receipt.Model.Reference(),
	}
}

func (s *ReceiptService) scheduleArchive(ctx context.Context, receipt *domain.Receipt, logger *zap.Logger) {
	if s.archive == nil || !receipt.NeedsArchiveSync() {
		return
	}
	if err := s.archive.ScheduleArchive(ctx, receipt.ID); err != nil {
		logger.Error("failed to schedule receipt archive sync", zap.Error(err))
	}
}

// notifyCustomer texts the receipt link. Failures never affect the receipt.
func (s *ReceiptService) notifyCustomer(ctx context.Context, receipt *domain.Receipt, logger *zap.Logger) {
	if s.sms == nil || receipt.ReceiptURL == nil || receipt.Customer.Phone == nil || strings.TrimSpace(*receipt.Customer.Phone) == "" {
		return
	}

	req := SMSRequest{
		Phone: *receipt.Customer.Phone,
		Type:  domain.TypeReceiptIssued,
		Body:  fmt.Sprintf("Your receipt %s: %s", receipt.ReceiptNumber, *receipt.ReceiptURL),
		Data: map[string]any{
			"receipt_id":     receipt.ID,
			"receipt_number": receipt.ReceiptNumber,
		},
	}
	if receipt.Customer.UserID != nil {
		req.UserID = *receipt.Customer.UserID
	}

	record, err := s.sms.SendSMS(ctx, req)
	if err != nil {
		logger.Warn("failed to send receipt sms", zap.Error(err))
		return
	}
	if record != nil && record.Status == domain.StatusFailed {
		logger.Warn("receipt sms failed, queued for retry", zap.String("notificationId", record.ID))
	}
}

func (s *ReceiptService) newReceiptNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("VFD-%s-%s", s.now().UTC().Format("20060102150405"), suffix)
}

func existingResult(receipt *domain.Receipt) *ReceiptResult {
	result := &ReceiptResult{Status: receipt.Status, Receipt: receipt, Existing: true}
	if receipt.ErrorMessage != nil {
		result.Error = *receipt.ErrorMessage
	}
	return result
}
