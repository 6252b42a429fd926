package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryInterval = 5 * time.Minute
	defaultRetryWindow   = 24 * time.Hour
	defaultRetryLimit    = 100
)

// Redeliverer re-runs delivery of a failed record in place.
type Redeliverer interface {
	Redeliver(ctx context.Context, record *domain.NotificationRecord) error
}

type RetrySchedulerConfig struct {
	Interval    time.Duration
	Window      time.Duration
	MaxAttempts int
	Limit       int
}

type RetryReport struct {
	Selected  int
	Succeeded int
	Failed    int
	Skipped   int
}

// RetryScheduler periodically redelivers failed notification records that are
// inside the retry window and attempt budget.
type RetryScheduler struct {
	notifications repository.NotificationRepository
	redeliverer   Redeliverer
	cfg           RetrySchedulerConfig
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewRetryScheduler(
	notifications repository.NotificationRepository,
	redeliverer Redeliverer,
	cfg RetrySchedulerConfig,
	logger *zap.Logger,
) (*RetryScheduler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if redeliverer == nil {
		return nil, fmt.Errorf("redeliverer is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRetryInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultRetryWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.DefaultNotificationMaxRetries
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultRetryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScheduler{
		notifications: notifications,
		redeliverer:   redeliverer,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *RetryScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RetryScheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial pass so records failed before a restart do not wait a full interval.
	if _, err := s.RunOnce(ctx, 0); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scheduler initial run failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, 0); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry scheduler run failed", zap.Error(err))
			}
		}
	}
}

// RunOnce selects retryable records and redelivers each. limit <= 0 uses the
// configured batch size.
func (s *RetryScheduler) RunOnce(ctx context.Context, limit int) (RetryReport, error) {
	if limit <= 0 {
		limit = s.cfg.Limit
	}

	var report RetryReport
	records, err := s.notifications.GetRetryable(ctx, repository.RetryQuery{
		Now:         s.now().UTC(),
		Window:      s.cfg.Window,
		MaxAttempts: s.cfg.MaxAttempts,
		Limit:       limit,
	})
	if err != nil {
		return report, fmt.Errorf("failed to fetch retryable notifications: %w", err)
	}
	report.Selected = len(records)

	for i := range records {
		record := records[i]
		logger := s.logger.With(
			zap.String("notificationId", record.ID),
			zap.Int64("userId", record.UserID),
		)

		if err := s.notifications.MarkRetryAttempt(ctx, record.ID, s.cfg.MaxAttempts, s.now().UTC()); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				report.Skipped++
				continue
			}
			return report, fmt.Errorf("failed to claim notification retry: %w", err)
		}
		s.metrics.IncRetryRequeued(record.Channel.String())

		err := s.redeliverer.Redeliver(ctx, &record)
		switch {
		case err == nil:
			report.Succeeded++
			logger.Info("notification retry delivered", zap.Int("attempt", record.RetryAttempts+1))
		case errors.Is(err, ErrNoRecipient):
			report.Skipped++
			logger.Warn("notification has no recipient, excluding from retries", zap.Error(err))
			if exhaustErr := s.notifications.ExhaustRetries(ctx, record.ID, s.cfg.MaxAttempts, errorMessage(err)); exhaustErr != nil {
				logger.Error("failed to exclude notification from retries", zap.Error(exhaustErr))
			}
		default:
			report.Failed++
			logger.Warn("notification retry failed",
				zap.Int("attempt", record.RetryAttempts+1),
				zap.Error(err),
			)
		}
	}

	if report.Selected > 0 {
		s.logger.Info("retry scheduler run finished",
			zap.Int("selected", report.Selected),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}
