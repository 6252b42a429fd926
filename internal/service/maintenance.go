package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultMaintenanceInterval = 24 * time.Hour
	defaultReceiptRetryLimit   = 50
)

// ReceiptRetrier re-issues a receipt that is not yet generated.
type ReceiptRetrier interface {
	RetryReceipt(ctx context.Context, id string) (*ReceiptResult, error)
}

type MaintenanceConfig struct {
	Interval              time.Duration
	NotificationRetention time.Duration
	ReceiptRetention      time.Duration
}

type CleanupResult struct {
	Cutoff  time.Time
	Matched int64
	Deleted int64
	DryRun  bool
}

type ReceiptMonitorReport struct {
	Since    time.Time
	ByStatus map[domain.ReceiptStatus]int64
	Unsynced int64
	Warnings []string
}

type ReceiptRetryReport struct {
	Selected  int
	Generated int
	Failed    int
	IDs       []string
}

// Maintenance runs retention cleanups and receipt reports, either periodically
// through Start or on demand from the operator CLI.
type Maintenance struct {
	notifications repository.NotificationRepository
	receipts      repository.ReceiptRepository
	retrier       ReceiptRetrier
	cfg           MaintenanceConfig
	logger        *zap.Logger
	now           func() time.Time
}

func NewMaintenance(
	notifications repository.NotificationRepository,
	receipts repository.ReceiptRepository,
	retrier ReceiptRetrier,
	cfg MaintenanceConfig,
	logger *zap.Logger,
) (*Maintenance, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if receipts == nil {
		return nil, fmt.Errorf("receipt repository is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultMaintenanceInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Maintenance{
		notifications: notifications,
		receipts:      receipts,
		retrier:       retrier,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Start runs the configured retention cleanups until context cancellation.
// A zero retention disables the corresponding cleanup.
func (m *Maintenance) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.runCleanups(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.runCleanups(ctx)
		}
	}
}

func (m *Maintenance) runCleanups(ctx context.Context) {
	if m.cfg.NotificationRetention > 0 {
		result, err := m.CleanupNotifications(ctx, m.cfg.NotificationRetention, false)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("notification cleanup failed", zap.Error(err))
		} else if err == nil {
			m.logger.Info("notification cleanup finished", zap.Int64("deleted", result.Deleted))
		}
	}
	if m.cfg.ReceiptRetention > 0 {
		result, err := m.CleanupReceipts(ctx, m.cfg.ReceiptRetention, false)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("receipt cleanup failed", zap.Error(err))
		} else if err == nil {
			m.logger.Info("receipt cleanup finished", zap.Int64("deleted", result.Deleted))
		}
	}
}

// CleanupNotifications hard-deletes notification records older than age.
func (m *Maintenance) CleanupNotifications(ctx context.Context, age time.Duration, dryRun bool) (CleanupResult, error) {
	if age <= 0 {
		return CleanupResult{}, fmt.Errorf("%w: retention must be positive", domain.ErrValidation)
	}

	cutoff := m.now().UTC().Add(-age)
	result := CleanupResult{Cutoff: cutoff, DryRun: dryRun}

	_, total, err := m.notifications.List(ctx, repository.ListParams{To: &cutoff, PageSize: 1})
	if err != nil {
		return result, fmt.Errorf("failed to count old notifications: %w", err)
	}
	result.Matched = total
	if dryRun || total == 0 {
		return result, nil
	}

	deleted, err := m.notifications.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to delete old notifications: %w", err)
	}
	result.Deleted = deleted
	return result, nil
}

// CleanupReceipts soft-deletes receipts older than age.
func (m *Maintenance) CleanupReceipts(ctx context.Context, age time.Duration, dryRun bool) (CleanupResult, error) {
	if age <= 0 {
		return CleanupResult{}, fmt.Errorf("%w: retention must be positive", domain.ErrValidation)
	}

	cutoff := m.now().UTC().Add(-age)
	result := CleanupResult{Cutoff: cutoff, DryRun: dryRun}

	matched, err := m.receipts.CountOlderThan(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to count old receipts: %w", err)
	}
	result.Matched = matched
	if dryRun || matched == 0 {
		return result, nil
	}

	deleted, err := m.receipts.SoftDeleteOlderThan(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to delete old receipts: %w", err)
	}
	result.Deleted = deleted
	return result, nil
}

// MonitorReceipts counts receipts created inside window by status. A pending
// count above warnPending, any failure and unsynced receipts produce warnings.
func (m *Maintenance) MonitorReceipts(ctx context.Context, window time.Duration, warnPending int64) (ReceiptMonitorReport, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}

	since := m.now().UTC().Add(-window)
	report := ReceiptMonitorReport{Since: since, ByStatus: make(map[domain.ReceiptStatus]int64)}

	counts, err := m.receipts.CountByStatus(ctx, since)
	if err != nil {
		return report, fmt.Errorf("failed to count receipts by status: %w", err)
	}
	for _, c := range counts {
		report.ByStatus[domain.ReceiptStatus(c.Status)] = c.Count
	}

	report.Unsynced, err = m.receipts.CountUnsynced(ctx, since)
	if err != nil {
		return report, fmt.Errorf("failed to count unsynced receipts: %w", err)
	}

	if pending := report.ByStatus[domain.ReceiptPending]; warnPending > 0 && pending > warnPending {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d receipts pending (threshold %d)", pending, warnPending))
	}
	if failed := report.ByStatus[domain.ReceiptFailed]; failed > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d receipts failed", failed))
	}
	if report.Unsynced > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d generated receipts not archived", report.Unsynced))
	}

	for _, w := range report.Warnings {
		m.logger.Warn("receipt monitor warning", zap.String("warning", w))
	}
	return report, nil
}

// RetryReceipts re-issues pending or failed receipts. statuses defaults to
// both; generated is never selected.
func (m *Maintenance) RetryReceipts(ctx context.Context, limit int, statuses []domain.ReceiptStatus, dryRun bool) (ReceiptRetryReport, error) {
	if m.retrier == nil && !dryRun {
		return ReceiptRetryReport{}, fmt.Errorf("%w: receipt retrier", domain.ErrNotConfigured)
	}
	if limit <= 0 {
		limit = defaultReceiptRetryLimit
	}

	selected := make([]domain.ReceiptStatus, 0, 2)
	for _, st := range statuses {
		if st == domain.ReceiptPending || st == domain.ReceiptFailed {
			selected = append(selected, st)
		}
	}
	if len(selected) == 0 {
		selected = []domain.ReceiptStatus{domain.ReceiptPending, domain.ReceiptFailed}
	}

	receipts, err := m.receipts.List(ctx, repository.ReceiptQuery{Statuses: selected, Limit: limit})
	if err != nil {
		return ReceiptRetryReport{}, fmt.Errorf("failed to list receipts for retry: %w", err)
	}

	report := ReceiptRetryReport{Selected: len(receipts), IDs: make([]string, 0, len(receipts))}
	for i := range receipts {
		report.IDs = append(report.IDs, receipts[i].ID)
	}
	if dryRun {
		return report, nil
	}

	for i := range receipts {
		result, err := m.retrier.RetryReceipt(ctx, receipts[i].ID)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			m.logger.Error("receipt retry failed",
				zap.String("receiptId", receipts[i].ID),
				zap.Error(err),
			)
			report.Failed++
			continue
		}
		if result.OK() {
			report.Generated++
		} else {
			report.Failed++
		}
	}
	return report, nil
}
