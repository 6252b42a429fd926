package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	tag      string
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		tag:      consumerTag(),
		logger:   logger,
	}
}

// consumerTag names the worker process in the broker management UI. Tags are
// scoped per channel and every worker consumes on its own channel.
func consumerTag() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("pushfiscal-worker@%s:%d", host, os.Getpid())
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}
		c.logger.Warn("consumer disconnected, reconnecting",
			zap.String("queue", queue),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		c.tag,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// decodeDelivery parses a job message. Broker properties fill in the job and
// correlation ids when the body omits them.
func decodeDelivery(d amqp.Delivery) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.JobID == "" {
		msg.JobID = d.MessageId
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = d.CorrelationId
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// handleDelivery runs handler and settles the delivery. A transient failure is
// requeued once; failing again on redelivery dead-letters the message so a
// broken job cannot spin on the queue.
func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeDelivery(d)
	if err != nil {
		c.logger.Warn("rejecting message",
			zap.Error(err),
			zap.String("routingKey", d.RoutingKey),
			zap.String("messageId", d.MessageId),
		)
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject invalid message: %w", rejectErr)
		}
		return nil
	}

	handlerErr := handler(ctx, msg)
	if handlerErr == nil {
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack delivery: %w", err)
		}
		return nil
	}

	if IsPermanent(handlerErr) || d.Redelivered {
		c.logger.Warn("dead-lettering job",
			zap.Error(handlerErr),
			zap.String("jobId", msg.JobID),
			zap.String("kind", msg.Kind.String()),
			zap.Bool("redelivered", d.Redelivered),
		)
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("handler failed and reject failed: %w", rejectErr)
		}
		return nil
	}

	if nackErr := d.Nack(false, true); nackErr != nil {
		return fmt.Errorf("handler failed and nack failed: %w", nackErr)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
