package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
)

// Publisher publishes dispatch jobs to their work queue.
type Publisher interface {
	Publish(ctx context.Context, job Job, opts PublishOptions) error
	Close() error
}

// JobHandler handles a consumed job. A returned error requeues the job once;
// a second failure dead-letters it.
type JobHandler func(ctx context.Context, job Job) error

// Consumer consumes jobs of one kind.
type Consumer interface {
	Consume(ctx context.Context, kind Kind, handler JobHandler) error
	Close() error
}

// PublishOptions controls delivery of a single job.
type PublishOptions struct {
	// Delay holds the job back before it reaches the work queue. It is
	// rounded up to whole seconds.
	Delay time.Duration
}

const (
	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 3

	queuePrefix = "dispatch"
	delayPrefix = "delay"
	// delayQueueIdle is how long an unused delay queue survives after its TTL.
	delayQueueIdle = time.Minute
)

// QueueName returns the work queue of a job kind, e.g. dispatch.send.
func QueueName(kind Kind) string {
	return fmt.Sprintf("%s.%s", queuePrefix, kind)
}

// DLQName returns the dead-letter queue of a job kind, e.g. dlq.dispatch.send.
func DLQName(kind Kind) string {
	return "dlq." + QueueName(kind)
}

// DelayQueueName returns the holding queue for jobs of kind delayed by
// delay, e.g. delay.dispatch.send.30000.
func DelayQueueName(kind Kind, delay time.Duration) string {
	return fmt.Sprintf("%s.%s.%d", delayPrefix, QueueName(kind), roundDelay(delay).Milliseconds())
}

// WorkQueueNames returns all work queues (3 total).
func WorkQueueNames() []string {
	queues := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		queues = append(queues, QueueName(kind))
	}
	return queues
}

// DLQNames returns all dead-letter queues (3 total).
func DLQNames() []string {
	queues := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		queues = append(queues, DLQName(kind))
	}
	return queues
}

// PriorityValue maps domain priority to RabbitMQ message priority.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityHigh:
		return 3
	case domain.PriorityNormal:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}

func roundDelay(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	rounded := delay.Truncate(time.Second)
	if rounded < delay {
		rounded += time.Second
	}
	return rounded
}
