package domain

import "time"

// MessageAttempt records a single provider invocation for a message.
type MessageAttempt struct {
	ID                string
	MessageID         string
	AttemptNumber     int
	Provider          string
	Success           bool
	Category          ErrorCategory
	ErrorCode         *string
	ErrorMessage      *string
	ProviderMessageID *string
	DurationMillis    int64
	CreatedAt         time.Time
}
