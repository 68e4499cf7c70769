package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/observability"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
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
		logger:   logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, kind Kind, handler JobHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if !kind.IsValid() {
		return fmt.Errorf("invalid job kind %q", kind)
	}
	if handler == nil {
		return fmt.Errorf("job handler is required")
	}
	queue := QueueName(kind)

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

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler JobHandler) error {
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
		"",
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

// acknowledger is the part of amqp.Delivery the consumer settles through.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
	Reject(requeue bool) error
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler JobHandler) error {
	return c.settle(ctx, d, d.Body, d.Redelivered, handler)
}

func (c *RabbitMQConsumer) settle(ctx context.Context, ack acknowledger, body []byte, redelivered bool, handler JobHandler) error {
	job, err := decodeJob(body)
	if err != nil {
		c.logger.Warn("rejecting job: invalid payload", zap.Error(err))
		if rejectErr := ack.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject invalid job: %w", rejectErr)
		}
		return nil
	}

	ctx = observability.WithCorrelationID(ctx, job.CorrelationID)
	if err := handler(ctx, job); err != nil {
		// A job that already failed once goes to the dead-letter queue.
		requeue := !redelivered
		c.logger.Warn("job handler failed",
			zap.String("kind", job.Kind.String()),
			zap.String("id", job.ID),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		if nackErr := ack.Nack(false, requeue); nackErr != nil {
			return fmt.Errorf("handler failed and nack failed: %w", nackErr)
		}
		return nil
	}

	if err := ack.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}

	return nil
}

func decodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
