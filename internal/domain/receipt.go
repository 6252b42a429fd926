package domain

import (
	"fmt"
	"strings"
	"time"
)

// ReceiptType is the business event a fiscal receipt documents.
type ReceiptType string

const (
	ReceiptTypeDelivery     ReceiptType = "delivery"
	ReceiptTypeSubscription ReceiptType = "subscription"
)

func (t ReceiptType) String() string { return string(t) }

func (t ReceiptType) IsValid() bool {
	switch t {
	case ReceiptTypeDelivery, ReceiptTypeSubscription:
		return true
	}
	return false
}

func ParseReceiptType(s string) (ReceiptType, error) {
	t := ReceiptType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid receipt type %q", ErrValidation, s)
	}
	return t, nil
}

// ReceiptStatus is the issuance state of a receipt with the fiscal authority.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptGenerated ReceiptStatus = "generated"
	ReceiptFailed    ReceiptStatus = "failed"
)

func (s ReceiptStatus) String() string { return string(s) }

func (s ReceiptStatus) IsValid() bool {
	switch s {
	case ReceiptPending, ReceiptGenerated, ReceiptFailed:
		return true
	}
	return false
}

func ParseReceiptStatus(s string) (ReceiptStatus, error) {
	st := ReceiptStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid receipt status %q", ErrValidation, s)
	}
	return st, nil
}

// ModelKind names the domain object a receipt was issued for.
type ModelKind string

const (
	ModelOrder        ModelKind = "order"
	ModelSubscription ModelKind = "subscription"
)

type modelKindInfo struct {
	label       string
	receiptType ReceiptType
}

var modelKinds = map[ModelKind]modelKindInfo{
	ModelOrder:        {label: "Delivery fee for order", receiptType: ReceiptTypeDelivery},
	ModelSubscription: {label: "Subscription charge", receiptType: ReceiptTypeSubscription},
}

func (k ModelKind) String() string { return string(k) }

func (k ModelKind) IsValid() bool {
	_, ok := modelKinds[k]
	return ok
}

func ParseModelKind(s string) (ModelKind, error) {
	k := ModelKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: unknown model type %q", ErrValidation, s)
	}
	return k, nil
}

// ModelRef points at the originating domain object of a receipt.
type ModelRef struct {
	Kind ModelKind
	ID   string
}

func (r ModelRef) Validate() error {
	if !r.Kind.IsValid() {
		return fmt.Errorf("%w: unknown model type %q", ErrValidation, r.Kind)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: model id is required", ErrValidation)
	}
	return nil
}

// Reference is the value sent to external services to tie a receipt back to its source.
func (r ModelRef) Reference() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// Describe renders the line item description of a receipt for this model.
func (r ModelRef) Describe() string {
	info, ok := modelKinds[r.Kind]
	if !ok {
		return fmt.Sprintf("Charge %s", r.ID)
	}
	return fmt.Sprintf("%s #%s", info.label, r.ID)
}

// DefaultReceiptType is the receipt type usually issued for this model kind.
func (k ModelKind) DefaultReceiptType() ReceiptType {
	return modelKinds[k].receiptType
}

// FiscalPaymentMethod maps stored payment methods onto the authority vocabulary.
func FiscalPaymentMethod(method string) string {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "cash":
		return "CASH"
	case "card":
		return "CARD"
	case "bank_transfer":
		return "BANK"
	default:
		return "OTHER"
	}
}

// MinorToMajor converts minor currency units to a 2-decimal amount.
func MinorToMajor(amount int64) float64 {
	return float64(amount) / 100
}

const ReceiptCurrency = "TZS"

// Customer identifies the payer printed on a receipt.
type Customer struct {
	UserID *int64
	Name   *string
	Phone  *string
	Email  *string
}

// Receipt is a fiscal receipt issued (or requested) from the authority.
type Receipt struct {
	ID                string
	ReceiptNumber     string
	ReceiptURL        *string
	ProviderResponse  []byte
	ReceiptType       ReceiptType
	Model             ModelRef
	Amount            int64
	PaymentMethod     string
	Customer          Customer
	Status            ReceiptStatus
	ErrorMessage      *string
	SyncedToArchiveAt *time.Time
	SyncError         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NeedsArchiveSync reports whether a receipt should be pushed to the archive.
func (r *Receipt) NeedsArchiveSync() bool {
	return r.Status == ReceiptGenerated && r.SyncedToArchiveAt == nil
}
