package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, msg JobMessage) error {
	queue, err := QueueFor(msg.Kind)
	if err != nil {
		return err
	}
	return p.publish(ctx, queue, msg, nil)
}

// PublishDelayed parks msg in a TTL queue that dead-letters it onto the work
// queue once delay has elapsed.
func (p *RabbitMQPublisher) PublishDelayed(ctx context.Context, msg JobMessage, delay time.Duration) error {
	if delay < time.Second {
		return p.Publish(ctx, msg)
	}

	queue, err := QueueFor(msg.Kind)
	if err != nil {
		return err
	}

	delayQueue := DelayQueueName(queue, delay)
	return p.publish(ctx, delayQueue, msg, func(ch *amqp.Channel) error {
		return declareDelayQueue(ch, delayQueue, queue, delay)
	})
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue string, msg JobMessage, prepare func(*amqp.Channel) error) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid job message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if prepare != nil {
		if err := prepare(ch); err != nil {
			return err
		}
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     p.now().UTC(),
		MessageId:     msg.JobID,
		CorrelationId: msg.CorrelationID,
		Type:          msg.Kind.String(),
		Body:          payload,
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
