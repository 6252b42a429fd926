package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseStatusFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Status
		wantErr bool
	}{
		{name: "valid lowercase", input: "sent", want: StatusSent},
		{name: "valid uppercase with spaces", input: " FAILED ", want: StatusFailed},
		{name: "invalid", input: "queued", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseStatusFromString(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("ParseStatusFromString() error = %v, want ErrValidation", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("ParseStatusFromString() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseStatusFromString() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStatusCanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{from: StatusPending, to: StatusSent, want: true},
		{from: StatusPending, to: StatusFailed, want: true},
		{from: StatusSent, to: StatusDelivered, want: true},
		{from: StatusSent, to: StatusFailed, want: true},
		{from: StatusDelivered, to: StatusRead, want: true},
		{from: StatusSent, to: StatusRead, want: true},
		{from: StatusFailed, to: StatusSent, want: false},
		{from: StatusRead, to: StatusDelivered, want: false},
		{from: StatusDelivered, to: StatusSent, want: false},
		{from: StatusDelivered, to: StatusFailed, want: false},
		{from: StatusRead, to: StatusPending, want: false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseNotificationType(t *testing.T) {
	t.Parallel()

	got, err := ParseNotificationType(" Order_Delivered ")
	if err != nil {
		t.Fatalf("ParseNotificationType() unexpected error = %v", err)
	}
	if got != TypeOrderDelivered {
		t.Fatalf("ParseNotificationType() = %s, want %s", got, TypeOrderDelivered)
	}

	_, err = ParseNotificationType("birthday")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseNotificationType() error = %v, want ErrValidation", err)
	}
}

func TestNotificationRecordValidate(t *testing.T) {
	t.Parallel()

	base := NotificationRecord{
		UserID:  7,
		Channel: ChannelPush,
		Type:    TypeOrderDelivered,
		Title:   "Order delivered",
		Body:    "Your order has arrived",
	}

	tests := []struct {
		name    string
		mutate  func(*NotificationRecord)
		wantErr bool
	}{
		{
			name:   "valid record",
			mutate: func(n *NotificationRecord) {},
		},
		{
			name:    "missing user",
			mutate:  func(n *NotificationRecord) { n.UserID = 0 },
			wantErr: true,
		},
		{
			name:    "invalid channel",
			mutate:  func(n *NotificationRecord) { n.Channel = Channel("fax") },
			wantErr: true,
		},
		{
			name:    "invalid type",
			mutate:  func(n *NotificationRecord) { n.Type = NotificationType("x") },
			wantErr: true,
		},
		{
			name:    "push without title",
			mutate:  func(n *NotificationRecord) { n.Title = "" },
			wantErr: true,
		},
		{
			name: "sms without title",
			mutate: func(n *NotificationRecord) {
				n.Channel = ChannelSMS
				n.Title = ""
			},
		},
		{
			name:    "missing body",
			mutate:  func(n *NotificationRecord) { n.Body = "  " },
			wantErr: true,
		},
		{
			name:    "body over limit",
			mutate:  func(n *NotificationRecord) { n.Body = strings.Repeat("a", MaxBodyLength+1) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			current := base
			tt.mutate(&current)

			err := current.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("Validate() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error = %v", err)
			}
		})
	}
}

func TestNotificationRecordDataStrings(t *testing.T) {
	t.Parallel()

	n := NotificationRecord{Data: map[string]any{
		"order_id": 42,
		"screen":   "orders",
		"empty":    nil,
	}}

	got := n.DataStrings()
	if got["order_id"] != "42" {
		t.Fatalf("order_id = %q, want 42", got["order_id"])
	}
	if got["screen"] != "orders" {
		t.Fatalf("screen = %q, want orders", got["screen"])
	}
	if _, ok := got["empty"]; ok {
		t.Fatal("nil values should be dropped")
	}
}
