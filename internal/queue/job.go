package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
)

// Kind names the unit of work a job carries.
type Kind string

const (
	// KindSend attempts one message.
	KindSend Kind = "send"
	// KindBatch runs a processing pass over a batch.
	KindBatch Kind = "batch"
	// KindWebhook reprocesses a stored webhook.
	KindWebhook Kind = "webhook"
)

var kinds = []Kind{KindSend, KindBatch, KindWebhook}

func (k Kind) String() string { return string(k) }

func (k Kind) IsValid() bool {
	switch k {
	case KindSend, KindBatch, KindWebhook:
		return true
	}
	return false
}

// Job is the broker payload. ID is a message, batch or webhook id
// depending on Kind.
type Job struct {
	Kind          Kind            `json:"kind"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Priority      domain.Priority `json:"priority"`
}

func (j Job) Validate() error {
	if !j.Kind.IsValid() {
		return fmt.Errorf("invalid job kind %q", j.Kind)
	}
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if !j.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", j.Priority)
	}
	return nil
}

// SendJob builds the job that attempts message m.
func SendJob(m *domain.Message, correlationID string) Job {
	return Job{
		Kind:          KindSend,
		ID:            m.ID,
		CorrelationID: correlationID,
		Priority:      domain.PriorityFor(m.Type),
	}
}
