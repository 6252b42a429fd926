package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the delivery state of a notification record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// TransitionSources lists the states a record may move to next from. The
// failed -> sent edge is deliberately absent: only the retry path may take it.
func TransitionSources(next Status) []Status {
	switch next {
	case StatusSent:
		return []Status{StatusPending}
	case StatusDelivered:
		return []Status{StatusSent}
	case StatusRead:
		return []Status{StatusSent, StatusDelivered}
	case StatusFailed:
		return []Status{StatusPending, StatusSent}
	}
	return nil
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, from := range TransitionSources(next) {
		if from == s {
			return true
		}
	}
	return false
}

// Channel is the medium a notification record was delivered over.
type Channel string

const (
	ChannelPush Channel = "push"
	ChannelSMS  Channel = "sms"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelPush, ChannelSMS:
		return true
	}
	return false
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return c, nil
}

// NotificationType enumerates the business events that notify users.
type NotificationType string

const (
	TypeOrderPlaced     NotificationType = "order_placed"
	TypeOrderDispatched NotificationType = "order_dispatched"
	TypeOrderDelivered  NotificationType = "order_delivered"
	TypeOrderCancelled  NotificationType = "order_cancelled"
	TypePaymentReceived NotificationType = "payment_received"
	TypeWalletCredited  NotificationType = "wallet_credited"
	TypeReferralReward  NotificationType = "referral_reward"
	TypeSubscription    NotificationType = "subscription"
	TypeReceiptIssued   NotificationType = "receipt_issued"
	TypePromotion       NotificationType = "promotion"
	TypeSystem          NotificationType = "system"
)

func (t NotificationType) String() string { return string(t) }

func (t NotificationType) IsValid() bool {
	switch t {
	case TypeOrderPlaced, TypeOrderDispatched, TypeOrderDelivered, TypeOrderCancelled,
		TypePaymentReceived, TypeWalletCredited, TypeReferralReward, TypeSubscription,
		TypeReceiptIssued, TypePromotion, TypeSystem:
		return true
	}
	return false
}

func ParseNotificationType(s string) (NotificationType, error) {
	t := NotificationType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return t, nil
}

const (
	MaxTitleLength = 200
	MaxBodyLength  = 2000
)

// DefaultNotificationMaxRetries is the retry budget of a failed record.
const DefaultNotificationMaxRetries = 3

// NotificationRecord is one logical notification for one recipient.
type NotificationRecord struct {
	ID            string
	UserID        int64
	Channel       Channel
	Type          NotificationType
	Title         string
	Body          string
	Data          map[string]any
	Status        Status
	RetryAttempts int
	LastRetryAt   *time.Time
	ErrorMessage  *string
	SentAt        *time.Time
	DeliveredAt   *time.Time
	ReadAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (n *NotificationRecord) Validate() error {
	if n.UserID <= 0 {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if !n.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, n.Channel)
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", ErrValidation, n.Type)
	}
	if strings.TrimSpace(n.Title) == "" && n.Channel == ChannelPush {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if strings.TrimSpace(n.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if l := len([]rune(n.Title)); l > MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters (got %d)", ErrValidation, MaxTitleLength, l)
	}
	if l := len([]rune(n.Body)); l > MaxBodyLength {
		return fmt.Errorf("%w: body exceeds %d characters (got %d)", ErrValidation, MaxBodyLength, l)
	}
	return nil
}

// DataStrings flattens Data into the string map push gateways accept.
func (n *NotificationRecord) DataStrings() map[string]string {
	if len(n.Data) == 0 {
		return nil
	}
	out := make(map[string]string, len(n.Data))
	for k, v := range n.Data {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
