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

func (p *RabbitMQPublisher) Publish(ctx context.Context, job Job, opts PublishOptions) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	publishing, err := buildPublishing(job, p.now())
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	queue := QueueName(job.Kind)
	if opts.Delay > 0 {
		if queue, err = declareDelayQueue(ch, job.Kind, opts.Delay); err != nil {
			return err
		}
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish job to queue %q: %w", queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func buildPublishing(job Job, now time.Time) (amqp.Publishing, error) {
	if err := job.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid job: %w", err)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now.UTC(),
		Type:          job.Kind.String(),
		MessageId:     job.ID,
		CorrelationId: job.CorrelationID,
		Priority:      PriorityValue(job.Priority),
		Body:          payload,
	}, nil
}
