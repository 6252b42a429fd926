package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"github.com/kursadbilgin/pushfiscal/internal/provider"
	"github.com/kursadbilgin/pushfiscal/internal/queue"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultArchiveDelay = time.Minute
	archiveLockSlack    = 10 * time.Minute
	archiveLockPrefix   = "archive:"
)

// DefaultArchiveBackoff is the wait before the second and third archive attempt.
var DefaultArchiveBackoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// ErrArchiveNotConfigured marks a live archive sync without endpoint or key.
var ErrArchiveNotConfigured = fmt.Errorf("%w: archive endpoint or api key missing", domain.ErrNotConfigured)

// ArchiveClient pushes receipt documents to the long-term archive.
type ArchiveClient interface {
	Configured() bool
	Push(ctx context.Context, payload any) (*provider.ArchiveResponse, error)
	Health(ctx context.Context) error
}

// JobLock keeps at most one archive job per receipt in flight.
type JobLock interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

type ArchiveSyncConfig struct {
	Enabled bool
	Sandbox bool
	Delay   time.Duration
	// LockTTL is raised to outlive the whole retry schedule when shorter.
	LockTTL time.Duration
	Backoff []time.Duration
}

// ArchiveResult is the structured outcome of SyncToArchive. File and Line
// locate the failing call for operators.
type ArchiveResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Sandbox    bool   `json:"sandbox,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`

	err error
}

// Err returns the failure cause, nil on success.
func (r ArchiveResult) Err() error {
	return r.err
}

type archiveCustomer struct {
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
	Email *string `json:"email,omitempty"`
}

type archiveMetadata struct {
	ModelType        string          `json:"model_type"`
	ModelID          string          `json:"model_id"`
	Reference        string          `json:"reference"`
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`
}

type archivePayload struct {
	ReceiptNumber string          `json:"receipt_number"`
	ReceiptType   string          `json:"receipt_type"`
	ReceiptURL    *string         `json:"receipt_url,omitempty"`
	Amount        float64         `json:"amount"`
	Currency      string          `json:"currency"`
	Customer      archiveCustomer `json:"customer"`
	PaymentMethod string          `json:"payment_method"`
	Status        string          `json:"status"`
	IssuedAt      string          `json:"issued_at"`
	Metadata      archiveMetadata `json:"metadata"`
}

// ArchiveSync forwards generated receipts to the archive service.
type ArchiveSync struct {
	receipts  repository.ReceiptRepository
	client    ArchiveClient
	publisher queue.Publisher
	lock      JobLock
	cfg       ArchiveSyncConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewArchiveSync(
	receipts repository.ReceiptRepository,
	client ArchiveClient,
	publisher queue.Publisher,
	lock JobLock,
	cfg ArchiveSyncConfig,
	logger *zap.Logger,
) (*ArchiveSync, error) {
	if receipts == nil {
		return nil, fmt.Errorf("receipt repository is required")
	}
	if client == nil {
		return nil, fmt.Errorf("archive client is required")
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaultArchiveDelay
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultArchiveBackoff
	}
	cfg.LockTTL = max(cfg.LockTTL, archiveLockTTL(cfg.Delay, cfg.Backoff))
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ArchiveSync{
		receipts:  receipts,
		client:    client,
		publisher: publisher,
		lock:      lock,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// archiveLockTTL outlives the longest schedule of one job: the initial delay
// plus every retry wait stretched to the Retry-After cap.
func archiveLockTTL(delay time.Duration, backoff []time.Duration) time.Duration {
	ttl := delay + archiveLockSlack
	for _, d := range backoff[:len(backoff)-1] {
		ttl += max(d, provider.MaxRetryAfter)
	}
	return ttl
}

func (s *ArchiveSync) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// MaxAttempts is the attempt budget of one archive job.
func (s *ArchiveSync) MaxAttempts() int {
	return len(s.cfg.Backoff)
}

// Backoff is the wait after a failed attempt (1-based).
func (s *ArchiveSync) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s.cfg.Backoff) {
		return s.cfg.Backoff[len(s.cfg.Backoff)-1]
	}
	return s.cfg.Backoff[attempt-1]
}

// sandboxOnly simulates the push. A live push needs the integration enabled
// and a configured client; sandbox mode covers everything short of that.
func (s *ArchiveSync) sandboxOnly() bool {
	return s.cfg.Sandbox && (!s.cfg.Enabled || !s.client.Configured())
}

// SyncToArchive pushes one receipt. It never returns an error: failures are
// stored on the receipt as sync_error and reported in the result.
func (s *ArchiveSync) SyncToArchive(ctx context.Context, receipt *domain.Receipt) ArchiveResult {
	if !s.cfg.Enabled && !s.cfg.Sandbox {
		return ArchiveResult{Success: true, Skipped: true, Message: "archive integration disabled"}
	}
	if receipt.SyncedToArchiveAt != nil {
		return ArchiveResult{Success: true, Skipped: true, Message: "receipt already archived"}
	}
	if receipt.Status != domain.ReceiptGenerated {
		return s.failure(fmt.Errorf("%w: receipt %s is %s, only generated receipts are archived", domain.ErrConflict, receipt.ID, receipt.Status), 0)
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("receiptId", receipt.ID),
		zap.String("receiptNumber", receipt.ReceiptNumber),
	)

	if s.sandboxOnly() {
		if err := s.receipts.MarkSynced(ctx, receipt.ID, s.now().UTC()); err != nil {
			return s.failure(fmt.Errorf("failed to mark receipt synced: %w", err), 0)
		}
		s.metrics.IncArchiveSync("sandbox")
		logger.Info("receipt archived in sandbox mode")
		return ArchiveResult{Success: true, Sandbox: true, Message: "sandbox archive sync simulated"}
	}

	if !s.client.Configured() {
		s.metrics.IncArchiveSync("not_configured")
		return s.failure(ErrArchiveNotConfigured, 0)
	}

	resp, err := s.client.Push(ctx, s.buildPayload(receipt))
	if err != nil {
		result := s.failure(err, statusCodeOf(err))
		if setErr := s.receipts.SetSyncError(ctx, receipt.ID, result.Error); setErr != nil {
			logger.Error("failed to store archive sync error", zap.Error(setErr))
		}
		s.metrics.IncArchiveSync("failed")
		logger.Warn("receipt archive sync failed", zap.Error(err))
		return result
	}

	if err := s.receipts.MarkSynced(ctx, receipt.ID, s.now().UTC()); err != nil {
		return s.failure(fmt.Errorf("failed to mark receipt synced: %w", err), 0)
	}
	s.metrics.IncArchiveSync("success")
	logger.Info("receipt archived", zap.Int("statusCode", resp.StatusCode))
	return ArchiveResult{Success: true, StatusCode: resp.StatusCode, Message: "receipt archived"}
}

// RunJob is the archive job body. Unlike SyncToArchive it returns the failure
// so the job runner can retry; configuration errors are marked permanent.
func (s *ArchiveSync) RunJob(ctx context.Context, receiptID string) error {
	receipt, err := s.receipts.GetByID(ctx, receiptID)
	if errors.Is(err, domain.ErrNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}

	result := s.SyncToArchive(ctx, receipt)
	if result.Success {
		return nil
	}
	if errors.Is(result.err, domain.ErrNotConfigured) || errors.Is(result.err, domain.ErrConflict) {
		return queue.Permanent(result.err)
	}
	return result.err
}

// FailJob records the last error of an archive job that ran out of attempts.
// The generation status of the receipt is left untouched.
func (s *ArchiveSync) FailJob(ctx context.Context, receiptID string, jobErr error) {
	if err := s.receipts.SetSyncError(ctx, receiptID, errorMessage(jobErr)); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Error("failed to store archive job failure",
			zap.String("receiptId", receiptID),
			zap.Error(err),
		)
	}
	s.ReleaseSchedule(ctx, receiptID)
}

// ScheduleArchive queues a delayed archive job. Duplicate schedules while a
// job for the same receipt is in flight collapse into that job.
func (s *ArchiveSync) ScheduleArchive(ctx context.Context, receiptID string) error {
	if s.publisher == nil {
		return fmt.Errorf("%w: job publisher is not configured", domain.ErrNotConfigured)
	}

	key := archiveLockPrefix + receiptID
	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire archive job lock: %w", err)
		}
		if !acquired {
			s.logger.Debug("archive job already scheduled", zap.String("receiptId", receiptID))
			return nil
		}
	}

	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	msg := queue.JobMessage{
		JobID:         uuid.NewString(),
		Kind:          queue.JobArchiveReceipt,
		ReceiptID:     receiptID,
		Attempt:       1,
		UniqueKey:     key,
		CorrelationID: correlationID,
	}
	if err := s.publisher.PublishDelayed(ctx, msg, s.cfg.Delay); err != nil {
		s.ReleaseSchedule(ctx, receiptID)
		return fmt.Errorf("failed to publish archive job: %w", err)
	}
	return nil
}

// ReleaseSchedule frees the per-receipt job slot once a job has finished.
func (s *ArchiveSync) ReleaseSchedule(ctx context.Context, receiptID string) {
	if s.lock == nil {
		return
	}
	if err := s.lock.Release(ctx, archiveLockPrefix+receiptID); err != nil {
		s.logger.Warn("failed to release archive job lock",
			zap.String("receiptId", receiptID),
			zap.Error(err),
		)
	}
}

type ResyncReport struct {
	Selected int
	Synced   int
	Failed   int
	Results  map[string]ArchiveResult
}

// Resync archives generated receipts that have no archive timestamp yet.
// DryRun only selects.
func (s *ArchiveSync) Resync(ctx context.Context, limit int, dryRun bool) (ResyncReport, error) {
	receipts, err := s.receipts.List(ctx, repository.ReceiptQuery{UnsyncedOnly: true, Limit: limit})
	if err != nil {
		return ResyncReport{}, fmt.Errorf("failed to list unsynced receipts: %w", err)
	}

	report := ResyncReport{Selected: len(receipts), Results: make(map[string]ArchiveResult, len(receipts))}
	if dryRun {
		return report, nil
	}

	for i := range receipts {
		result := s.SyncToArchive(ctx, &receipts[i])
		report.Results[receipts[i].ID] = result
		if result.Success {
			report.Synced++
		} else {
			report.Failed++
		}
	}
	return report, nil
}

// Health checks archive connectivity; sandbox without credentials is always healthy.
func (s *ArchiveSync) Health(ctx context.Context) (ArchiveResult, error) {
	if s.sandboxOnly() {
		return ArchiveResult{Success: true, Sandbox: true, Message: "sandbox archive"}, nil
	}
	if !s.client.Configured() {
		return ArchiveResult{}, ErrArchiveNotConfigured
	}
	if err := s.client.Health(ctx); err != nil {
		return ArchiveResult{}, err
	}
	return ArchiveResult{Success: true, Message: "archive reachable"}, nil
}

func (s *ArchiveSync) buildPayload(receipt *domain.Receipt) archivePayload {
	var providerResponse json.RawMessage
	if len(receipt.ProviderResponse) > 0 && json.Valid(receipt.ProviderResponse) {
		providerResponse = json.RawMessage(receipt.ProviderResponse)
	}

	return archivePayload{
		ReceiptNumber: receipt.ReceiptNumber,
		ReceiptType:   receipt.ReceiptType.String(),
		ReceiptURL:    receipt.ReceiptURL,
		Amount:        domain.MinorToMajor(receipt.Amount),
		Currency:      domain.ReceiptCurrency,
		Customer: archiveCustomer{
			Name:  receipt.Customer.Name,
			Phone: receipt.Customer.Phone,
			Email: receipt.Customer.Email,
		},
		PaymentMethod: domain.FiscalPaymentMethod(receipt.PaymentMethod),
		Status:        receipt.Status.String(),
		IssuedAt:      receipt.CreatedAt.UTC().Format(time.RFC3339),
		Metadata: archiveMetadata{
			ModelType:        receipt.Model.Kind.String(),
			ModelID:          receipt.Model.ID,
			Reference:        receipt.Model.Reference(),
			ProviderResponse: providerResponse,
		},
	}
}

func (s *ArchiveSync) failure(err error, statusCode int) ArchiveResult {
	_, file, line, _ := runtime.Caller(1)
	return ArchiveResult{
		Success:    false,
		Message:    "archive sync failed",
		StatusCode: statusCode,
		Error:      errorMessage(err),
		File:       filepath.Base(file),
		Line:       line,
		err:        err,
	}
}

func statusCodeOf(err error) int {
	var providerErr *provider.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode
	}
	return 0
}
