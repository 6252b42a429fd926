package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Publisher publishes job messages to their work queue.
type Publisher interface {
	Publish(ctx context.Context, msg JobMessage) error
	PublishDelayed(ctx context.Context, msg JobMessage, delay time.Duration) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg JobMessage) error

// Consumer consumes job messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	DispatchQueue = "push.dispatch"
	ArchiveQueue  = "receipts.archive"
)

var workQueues = []string{DispatchQueue, ArchiveQueue}

// QueueFor returns the work queue serving kind.
func QueueFor(kind JobKind) (string, error) {
	switch kind {
	case JobDispatchNotification:
		return DispatchQueue, nil
	case JobArchiveReceipt:
		return ArchiveQueue, nil
	}
	return "", fmt.Errorf("no queue for job kind %q", kind)
}

// DLQName returns the dead-letter queue name of a work queue, e.g. dlq.push.dispatch.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// DelayQueueName returns the TTL queue that parks messages for delay before
// dead-lettering them back onto queue, e.g. receipts.archive.delay.60s.
func DelayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%ds", queue, int64(delay/time.Second))
}

// WorkQueueNames returns all work queues.
func WorkQueueNames() []string {
	return append([]string(nil), workQueues...)
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	queues := make([]string, 0, len(workQueues))
	for _, name := range workQueues {
		queues = append(queues, DLQName(name))
	}
	return queues
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth redelivering. The consumer
// rejects such messages into the dead-letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
