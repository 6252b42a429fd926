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
	"github.com/kursadbilgin/pushfiscal/internal/queue"
	"github.com/kursadbilgin/pushfiscal/internal/ratelimit"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"go.uber.org/zap"
)

const maxRecipientsPerRequest = 1000

// ErrNoRecipient means a record has nowhere to be delivered: no push token,
// or no phone number for an sms record.
var ErrNoRecipient = errors.New("no resolvable recipient")

// PushSender is the dispatcher as seen by the notification flow.
type PushSender interface {
	Send(ctx context.Context, targets []Target, msg Message, hook AfterSendHook) (*DispatchResult, error)
}

// TokenReader resolves the current push tokens of a user.
type TokenReader interface {
	GetTokens(ctx context.Context, userID int64) ([]string, error)
}

// NotifyRequest creates one record per user. Async hands delivery to the
// dispatch queue; otherwise delivery happens before NotifyUsers returns.
type NotifyRequest struct {
	UserIDs       []int64
	Type          domain.NotificationType
	Title         string
	Body          string
	Data          map[string]any
	ImageURL      string
	Async         bool
	CorrelationID string
	AfterSend     AfterSendHook
}

// SMSRequest is an sms notification, e.g. a receipt link. Phone overrides the
// user's stored number.
type SMSRequest struct {
	UserID int64
	Phone  string
	Type   domain.NotificationType
	Body   string
	Data   map[string]any
}

type NotificationService struct {
	notifications repository.NotificationRepository
	users         repository.UserRepository
	tokens        TokenReader
	push          PushSender
	sms           provider.SMSSender
	smsLimiter    ratelimit.RateLimiter
	publisher     queue.Publisher
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	users repository.UserRepository,
	tokens TokenReader,
	push PushSender,
	sms provider.SMSSender,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		users:         users,
		tokens:        tokens,
		push:          push,
		sms:           sms,
		publisher:     publisher,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *NotificationService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// SetSMSRateLimiter throttles sms sends under the sms scope, shared by every
// process.
func (s *NotificationService) SetSMSRateLimiter(limiter ratelimit.RateLimiter) {
	if s == nil {
		return
	}
	s.smsLimiter = limiter
}

func (s *NotificationService) sendSMS(ctx context.Context, phone, body string) error {
	if s.smsLimiter != nil {
		if err := s.smsLimiter.Wait(ctx, ratelimit.ScopeSMS); err != nil {
			return fmt.Errorf("sms rate limit wait failed: %w", err)
		}
	}
	_, err := s.sms.SendSMS(ctx, phone, body)
	s.metrics.IncSMSSend(s.sms.Name(), smsResult(err))
	return err
}

// NotifyUsers records and delivers a push notification per user. Delivery
// failures end in failed records, not in an error.
func (s *NotificationService) NotifyUsers(ctx context.Context, req NotifyRequest) ([]domain.NotificationRecord, error) {
	if len(req.UserIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", domain.ErrValidation)
	}
	if len(req.UserIDs) > maxRecipientsPerRequest {
		return nil, fmt.Errorf("%w: recipients exceed %d", domain.ErrValidation, maxRecipientsPerRequest)
	}

	records := make([]domain.NotificationRecord, 0, len(req.UserIDs))
	for _, userID := range req.UserIDs {
		record := domain.NotificationRecord{
			ID:      uuid.NewString(),
			UserID:  userID,
			Channel: domain.ChannelPush,
			Type:    req.Type,
			Title:   strings.TrimSpace(req.Title),
			Body:    strings.TrimSpace(req.Body),
			Data:    withImage(req.Data, req.ImageURL),
			Status:  domain.StatusPending,
		}
		if err := record.Validate(); err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	for i := range records {
		if err := s.notifications.Create(ctx, &records[i]); err != nil {
			return nil, fmt.Errorf("failed to create notification record: %w", err)
		}

		if req.Async {
			if err := s.enqueue(ctx, &records[i], req.CorrelationID); err != nil {
				return nil, err
			}
			continue
		}

		if err := s.process(ctx, &records[i], req.AfterSend); err != nil {
			return nil, err
		}
	}

	return records, nil
}

// SendSMS records an sms notification and sends it inline. A failed send
// leaves a failed record for the retry scheduler; it is not returned as error.
// Recipients that are not platform users get an unrecorded send.
func (s *NotificationService) SendSMS(ctx context.Context, req SMSRequest) (*domain.NotificationRecord, error) {
	if req.UserID <= 0 {
		return nil, s.sendUnrecordedSMS(ctx, req)
	}

	data := copyData(req.Data)
	if phone := strings.TrimSpace(req.Phone); phone != "" {
		data["phone"] = phone
	}

	record := &domain.NotificationRecord{
		ID:      uuid.NewString(),
		UserID:  req.UserID,
		Channel: domain.ChannelSMS,
		Type:    req.Type,
		Body:    strings.TrimSpace(req.Body),
		Data:    data,
		Status:  domain.StatusPending,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	if err := s.notifications.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create sms notification record: %w", err)
	}

	if err := s.process(ctx, record, nil); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *NotificationService) sendUnrecordedSMS(ctx context.Context, req SMSRequest) error {
	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		return fmt.Errorf("%w: phone number is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Body) == "" {
		return fmt.Errorf("%w: body is required", domain.ErrValidation)
	}
	if s.sms == nil {
		return fmt.Errorf("%w: sms sender is not configured", domain.ErrNotConfigured)
	}

	return s.sendSMS(ctx, phone, strings.TrimSpace(req.Body))
}

// ProcessDispatch is the dispatch job handler. Records no longer pending were
// handled by an earlier delivery of the same job and are skipped.
func (s *NotificationService) ProcessDispatch(ctx context.Context, id string) error {
	record, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if record.Status != domain.StatusPending {
		s.logger.Debug("notification already processed, skipping",
			zap.String("notificationId", id),
			zap.String("status", record.Status.String()),
		)
		return nil
	}
	return s.process(ctx, record, nil)
}

// Redeliver re-runs delivery of a failed record in place. The retry attempt
// must already be claimed.
func (s *NotificationService) Redeliver(ctx context.Context, record *domain.NotificationRecord) error {
	deliverErr := s.deliver(ctx, record, nil)
	if deliverErr == nil {
		if err := s.notifications.CompleteRetry(ctx, record.ID, s.now().UTC()); err != nil {
			return fmt.Errorf("failed to complete notification retry: %w", err)
		}
		record.Status = domain.StatusSent
		return nil
	}

	if err := s.notifications.RecordRetryFailure(ctx, record.ID, errorMessage(deliverErr)); err != nil {
		return fmt.Errorf("failed to record notification retry failure: %w", err)
	}
	return deliverErr
}

func (s *NotificationService) MarkDelivered(ctx context.Context, id string) error {
	return s.transitionExternal(ctx, id, domain.StatusDelivered)
}

func (s *NotificationService) MarkRead(ctx context.Context, id string) error {
	return s.transitionExternal(ctx, id, domain.StatusRead)
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.NotificationRecord, int64, error) {
	return s.notifications.List(ctx, params)
}

func (s *NotificationService) transitionExternal(ctx context.Context, id string, next domain.Status) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	err := s.notifications.Transition(ctx, strings.TrimSpace(id), next, s.now().UTC(), nil)
	if errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("%w: notification cannot move to %s", domain.ErrConflict, next)
	}
	return err
}

func (s *NotificationService) enqueue(ctx context.Context, record *domain.NotificationRecord, correlationID string) error {
	if s.publisher == nil {
		return fmt.Errorf("%w: job publisher is not configured", domain.ErrNotConfigured)
	}
	if correlationID == "" {
		correlationID, _ = observability.CorrelationIDFromContext(ctx)
	}

	msg := queue.JobMessage{
		JobID:          uuid.NewString(),
		Kind:           queue.JobDispatchNotification,
		NotificationID: record.ID,
		Attempt:        1,
		CorrelationID:  correlationID,
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Error("failed to publish dispatch job",
			zap.String("notificationId", record.ID),
			zap.Error(err),
		)
		s.markFailed(ctx, record, fmt.Sprintf("failed to enqueue dispatch: %v", err))
		return fmt.Errorf("failed to publish dispatch job: %w", err)
	}
	return nil
}

// process delivers a pending record and moves it to sent or failed.
func (s *NotificationService) process(ctx context.Context, record *domain.NotificationRecord, hook AfterSendHook) error {
	deliverErr := s.deliver(ctx, record, hook)
	if deliverErr != nil {
		s.markFailed(ctx, record, errorMessage(deliverErr))
		return nil
	}

	at := s.now().UTC()
	if err := s.notifications.Transition(ctx, record.ID, domain.StatusSent, at, nil); err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	record.Status = domain.StatusSent
	record.SentAt = &at
	return nil
}

func (s *NotificationService) markFailed(ctx context.Context, record *domain.NotificationRecord, reason string) {
	if err := s.notifications.Transition(ctx, record.ID, domain.StatusFailed, s.now().UTC(), &reason); err != nil {
		s.logger.Error("failed to mark notification failed",
			zap.String("notificationId", record.ID),
			zap.Error(err),
		)
		return
	}
	record.Status = domain.StatusFailed
	record.ErrorMessage = &reason
}

func (s *NotificationService) deliver(ctx context.Context, record *domain.NotificationRecord, hook AfterSendHook) error {
	switch record.Channel {
	case domain.ChannelPush:
		return s.deliverPush(ctx, record, hook)
	case domain.ChannelSMS:
		return s.deliverSMS(ctx, record)
	}
	return fmt.Errorf("%w: unsupported channel %q", domain.ErrValidation, record.Channel)
}

func (s *NotificationService) deliverPush(ctx context.Context, record *domain.NotificationRecord, hook AfterSendHook) error {
	if s.push == nil || s.tokens == nil {
		return fmt.Errorf("%w: push delivery is not configured", domain.ErrNotConfigured)
	}

	tokens, err := s.tokens.GetTokens(ctx, record.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: user %d does not exist", ErrNoRecipient, record.UserID)
	}
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return fmt.Errorf("%w: user %d has no push tokens", ErrNoRecipient, record.UserID)
	}

	targets := make([]Target, 0, len(tokens))
	for _, token := range tokens {
		targets = append(targets, Target{UserID: record.UserID, Token: token})
	}

	data := record.DataStrings()
	if data == nil {
		data = map[string]string{}
	}
	data["notification_id"] = record.ID
	data["type"] = record.Type.String()

	msg := Message{
		Title:    record.Title,
		Body:     record.Body,
		ImageURL: data["image_url"],
		Data:     data,
	}

	result, err := s.push.Send(ctx, targets, msg, hook)
	if err != nil {
		return err
	}
	if result.Success > 0 {
		return nil
	}
	if firstErr := result.FirstError(); firstErr != nil {
		return firstErr
	}
	return fmt.Errorf("%w: no token accepted the message", ErrNoRecipient)
}

func (s *NotificationService) deliverSMS(ctx context.Context, record *domain.NotificationRecord) error {
	if s.sms == nil {
		return fmt.Errorf("%w: sms sender is not configured", domain.ErrNotConfigured)
	}

	phone, _ := record.Data["phone"].(string)
	if strings.TrimSpace(phone) == "" && s.users != nil {
		user, err := s.users.GetByID(ctx, record.UserID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if user != nil && user.Phone != nil {
			phone = *user.Phone
		}
	}
	if strings.TrimSpace(phone) == "" {
		return fmt.Errorf("%w: no phone number for user %d", ErrNoRecipient, record.UserID)
	}

	return s.sendSMS(ctx, phone, record.Body)
}

func smsResult(err error) string {
	if err != nil {
		return "failed"
	}
	return "sent"
}

func withImage(data map[string]any, imageURL string) map[string]any {
	out := copyData(data)
	if strings.TrimSpace(imageURL) != "" {
		out["image_url"] = strings.TrimSpace(imageURL)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	return out
}

const maxErrorMessageLength = 1000

func errorMessage(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorMessageLength {
		msg = msg[:maxErrorMessageLength]
	}
	return msg
}
