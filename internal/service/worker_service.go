package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"github.com/kursadbilgin/pushfiscal/internal/provider"
	"github.com/kursadbilgin/pushfiscal/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency  = 1
	maxDispatchJobAttempt = 3
	baseDispatchJobDelay  = 10 * time.Second
)

// DispatchProcessor sends a queued notification record.
type DispatchProcessor interface {
	ProcessDispatch(ctx context.Context, id string) error
}

// ArchiveJobRunner runs and finalizes archive jobs.
type ArchiveJobRunner interface {
	RunJob(ctx context.Context, receiptID string) error
	FailJob(ctx context.Context, receiptID string, jobErr error)
	ReleaseSchedule(ctx context.Context, receiptID string)
	MaxAttempts() int
	Backoff(attempt int) time.Duration
}

// WorkerService consumes dispatch and archive jobs. Failed jobs are retried by
// republishing with a delay; once the attempt budget is spent they are
// rejected into the dead letter queue.
type WorkerService struct {
	consumer    queue.Consumer
	publisher   queue.Publisher
	dispatch    DispatchProcessor
	archive     ArchiveJobRunner
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
}

func NewWorkerService(
	consumer queue.Consumer,
	publisher queue.Publisher,
	dispatch DispatchProcessor,
	archive ArchiveJobRunner,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("queue consumer is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("queue publisher is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		consumer:    consumer,
		publisher:   publisher,
		dispatch:    dispatch,
		archive:     archive,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start consumes the work queues until context cancellation. Workers are
// spread round-robin across queues.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	workers := max(s.concurrency, len(queueNames))
	g, groupCtx := errgroup.WithContext(ctx)
	for i := range workers {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := s.consumer.Consume(groupCtx, queueName, s.HandleJob)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// HandleJob processes one job message.
func (s *WorkerService) HandleJob(ctx context.Context, msg queue.JobMessage) error {
	queueName, qErr := queue.QueueFor(msg.Kind)
	if qErr != nil {
		queueName = "unknown"
	}
	s.metrics.IncJobsInFlight(queueName)
	defer s.metrics.DecJobsInFlight(queueName)

	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}

	var err error
	switch msg.Kind {
	case queue.JobDispatchNotification:
		err = s.handleDispatch(ctx, msg)
	case queue.JobArchiveReceipt:
		err = s.handleArchive(ctx, msg)
	default:
		err = queue.Permanent(fmt.Errorf("%w: unknown job kind %q", domain.ErrValidation, msg.Kind))
	}

	s.metrics.IncJobProcessed(queueName, jobResult(err))
	return err
}

func (s *WorkerService) handleDispatch(ctx context.Context, msg queue.JobMessage) error {
	if s.dispatch == nil {
		return queue.Permanent(fmt.Errorf("%w: dispatch processor", domain.ErrNotConfigured))
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("jobId", msg.JobID),
		zap.String("notificationId", msg.NotificationID),
		zap.Int("attempt", msg.Attempt),
	)

	err := s.dispatch.ProcessDispatch(ctx, msg.NotificationID)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("notification not found, skipping job")
		return nil
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotConfigured) {
		logger.Error("dispatch job failed permanently", zap.Error(err))
		return queue.Permanent(err)
	}
	if msg.Attempt >= maxDispatchJobAttempt {
		logger.Error("dispatch job attempts exhausted", zap.Error(err))
		return queue.Permanent(err)
	}

	delay := baseDispatchJobDelay * time.Duration(1<<(msg.Attempt-1))
	if pubErr := s.publisher.PublishDelayed(ctx, msg.Next(), delay); pubErr != nil {
		logger.Error("failed to republish dispatch job", zap.Error(pubErr))
		return err
	}
	logger.Warn("dispatch job failed, retry scheduled",
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	return nil
}

func (s *WorkerService) handleArchive(ctx context.Context, msg queue.JobMessage) error {
	if s.archive == nil {
		return queue.Permanent(fmt.Errorf("%w: archive job runner", domain.ErrNotConfigured))
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("jobId", msg.JobID),
		zap.String("receiptId", msg.ReceiptID),
		zap.Int("attempt", msg.Attempt),
	)

	err := s.archive.RunJob(ctx, msg.ReceiptID)
	if err == nil {
		s.archive.ReleaseSchedule(ctx, msg.ReceiptID)
		return nil
	}

	if queue.IsPermanent(err) {
		logger.Error("archive job failed permanently", zap.Error(err))
		s.archive.FailJob(ctx, msg.ReceiptID, err)
		return err
	}

	if msg.Attempt < s.archive.MaxAttempts() {
		delay := s.archive.Backoff(msg.Attempt)
		if retryAfter, ok := provider.RetryAfterOf(err); ok {
			delay = max(delay, retryAfter)
		}
		pubErr := s.publisher.PublishDelayed(ctx, msg.Next(), delay)
		if pubErr == nil {
			logger.Warn("archive job failed, retry scheduled",
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			return nil
		}
		logger.Error("failed to republish archive job", zap.Error(pubErr))
	}

	logger.Error("archive job attempts exhausted", zap.Error(err))
	s.archive.FailJob(ctx, msg.ReceiptID, err)
	return queue.Permanent(err)
}

func jobResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case queue.IsPermanent(err):
		return "dead_lettered"
	default:
		return "requeued"
	}
}
