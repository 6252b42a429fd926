package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseReceiptType(t *testing.T) {
	t.Parallel()

	got, err := ParseReceiptType(" Delivery ")
	if err != nil {
		t.Fatalf("ParseReceiptType() unexpected error = %v", err)
	}
	if got != ReceiptTypeDelivery {
		t.Fatalf("ParseReceiptType() = %s, want delivery", got)
	}

	if _, err := ParseReceiptType("refund"); !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseReceiptType(refund) error = %v, want ErrValidation", err)
	}
}

func TestFiscalPaymentMethod(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"cash":          "CASH",
		" Card ":        "CARD",
		"bank_transfer": "BANK",
		"mobile_money":  "OTHER",
		"":              "OTHER",
	}
	for in, want := range tests {
		if got := FiscalPaymentMethod(in); got != want {
			t.Errorf("FiscalPaymentMethod(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMinorToMajor(t *testing.T) {
	t.Parallel()

	if got := MinorToMajor(5000); got != 50 {
		t.Fatalf("MinorToMajor(5000) = %v, want 50", got)
	}
	if got := MinorToMajor(1999); got != 19.99 {
		t.Fatalf("MinorToMajor(1999) = %v, want 19.99", got)
	}
}

func TestModelRef(t *testing.T) {
	t.Parallel()

	ref := ModelRef{Kind: ModelOrder, ID: "42"}
	if err := ref.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}
	if ref.Reference() != "order:42" {
		t.Fatalf("Reference() = %q", ref.Reference())
	}
	if ref.Describe() != "Delivery fee for order #42" {
		t.Fatalf("Describe() = %q", ref.Describe())
	}
	if ModelSubscription.DefaultReceiptType() != ReceiptTypeSubscription {
		t.Fatal("subscription should default to subscription receipts")
	}

	if err := (ModelRef{Kind: "invoice", ID: "1"}).Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown kind error = %v, want ErrValidation", err)
	}
	if err := (ModelRef{Kind: ModelOrder}).Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing id error = %v, want ErrValidation", err)
	}
	if _, err := ParseModelKind("Subscription"); err != nil {
		t.Fatalf("ParseModelKind() unexpected error = %v", err)
	}
}

func TestReceiptNeedsArchiveSync(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		receipt Receipt
		want    bool
	}{
		{name: "generated unsynced", receipt: Receipt{Status: ReceiptGenerated}, want: true},
		{name: "generated synced", receipt: Receipt{Status: ReceiptGenerated, SyncedToArchiveAt: &now}, want: false},
		{name: "pending", receipt: Receipt{Status: ReceiptPending}, want: false},
		{name: "failed", receipt: Receipt{Status: ReceiptFailed}, want: false},
	}
	for _, tt := range tests {
		if got := tt.receipt.NeedsArchiveSync(); got != tt.want {
			t.Errorf("%s: NeedsArchiveSync() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
