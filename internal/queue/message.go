package queue

import (
	"fmt"
	"strings"
)

// JobKind selects the handler of a queued job.
type JobKind string

const (
	JobDispatchNotification JobKind = "dispatch_notification"
	JobArchiveReceipt       JobKind = "archive_receipt"
)

func (k JobKind) String() string { return string(k) }

func (k JobKind) IsValid() bool {
	switch k {
	case JobDispatchNotification, JobArchiveReceipt:
		return true
	}
	return false
}

// JobMessage is the broker payload of background work. Attempt starts at 1.
type JobMessage struct {
	JobID          string  `json:"jobId"`
	Kind           JobKind `json:"kind"`
	NotificationID string  `json:"notificationId,omitempty"`
	ReceiptID      string  `json:"receiptId,omitempty"`
	Attempt        int     `json:"attempt"`
	UniqueKey      string  `json:"uniqueKey,omitempty"`
	CorrelationID  string  `json:"correlationId,omitempty"`
}

func (m JobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	switch m.Kind {
	case JobDispatchNotification:
		if strings.TrimSpace(m.NotificationID) == "" {
			return fmt.Errorf("notificationId is required")
		}
	case JobArchiveReceipt:
		if strings.TrimSpace(m.ReceiptID) == "" {
			return fmt.Errorf("receiptId is required")
		}
	default:
		return fmt.Errorf("invalid job kind %q", m.Kind)
	}
	if m.Attempt < 1 {
		return fmt.Errorf("attempt must be positive")
	}
	return nil
}

// Next returns the message for the following attempt of the same job.
func (m JobMessage) Next() JobMessage {
	m.Attempt++
	return m
}
