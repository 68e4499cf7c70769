package domain

import "time"

// WebhookStatus tracks processing of a received delivery callback.
type WebhookStatus string

const (
	WebhookStatusReceived   WebhookStatus = "RECEIVED"
	WebhookStatusProcessing WebhookStatus = "PROCESSING"
	WebhookStatusProcessed  WebhookStatus = "PROCESSED"
	WebhookStatusFailed     WebhookStatus = "FAILED"
	WebhookStatusOrphaned   WebhookStatus = "ORPHANED"
	WebhookStatusRejected   WebhookStatus = "REJECTED"
	WebhookStatusIgnored    WebhookStatus = "IGNORED"
)

func (s WebhookStatus) String() string { return string(s) }

// IsSettled reports whether redelivery of the same callback must be a no-op.
func (s WebhookStatus) IsSettled() bool {
	switch s {
	case WebhookStatusProcessed, WebhookStatusOrphaned, WebhookStatusIgnored, WebhookStatusRejected:
		return true
	}
	return false
}

// Webhook is one received delivery-status callback.
type Webhook struct {
	ID                string
	Provider          string
	ProviderMessageID string
	EventType         string
	Verified          bool
	Payload           string
	Status            WebhookStatus
	RetryCount        int
	MessageID         *string
	IdempotencyKey    string
	Error             *string
	NextRetryAt       *time.Time
	ProcessedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
