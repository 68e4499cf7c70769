package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the processing state of a batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusFailed     BatchStatus = "FAILED"
	BatchStatusCancelled  BatchStatus = "CANCELLED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// Batch groups many messages sent with shared pacing and progress accounting.
type Batch struct {
	ID                 string
	OwnerType          string
	OwnerID            string
	Provider           string
	Channel            Channel
	Type               MessageType
	Status             BatchStatus
	TotalRecipients    int
	ProcessedCount     int
	SentCount          int
	FailedCount        int
	DeliveredCount     int
	RateLimitPerMinute int
	RateLimitPerHour   int
	SendWindowStart    *int
	SendWindowEnd      *int
	RespectTimezone    bool
	Timezone           string
	TotalCost          float64
	Currency           string
	MaxRetries         int
	RetryBackoff       []int
	ErrorSummary       *string
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasSendWindow reports whether the batch restricts sending to certain hours.
func (b *Batch) HasSendWindow() bool {
	return b.SendWindowStart != nil && b.SendWindowEnd != nil
}

func (b *Batch) Validate() error {
	if !b.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, b.Channel)
	}
	if !b.Type.IsValid() {
		return fmt.Errorf("%w: invalid message type %q", ErrValidation, b.Type)
	}
	if b.TotalRecipients <= 0 {
		return fmt.Errorf("%w: batch must include at least one recipient", ErrValidation)
	}
	if b.RateLimitPerMinute < 0 || b.RateLimitPerHour < 0 {
		return fmt.Errorf("%w: rate limits must be >= 0", ErrValidation)
	}
	if (b.SendWindowStart == nil) != (b.SendWindowEnd == nil) {
		return fmt.Errorf("%w: send window needs both start and end", ErrValidation)
	}
	if b.HasSendWindow() {
		if *b.SendWindowStart < 0 || *b.SendWindowStart > 23 || *b.SendWindowEnd < 0 || *b.SendWindowEnd > 24 {
			return fmt.Errorf("%w: send window hours must be within 0-24", ErrValidation)
		}
		if *b.SendWindowStart == *b.SendWindowEnd {
			return fmt.Errorf("%w: send window must not be empty", ErrValidation)
		}
	}
	if b.Timezone != "" {
		if _, err := time.LoadLocation(b.Timezone); err != nil {
			return fmt.Errorf("%w: invalid timezone %q", ErrValidation, b.Timezone)
		}
	}
	return nil
}

// Snapshot returns the progress view exposed to dashboards.
func (b *Batch) Snapshot() BatchProgress {
	return BatchProgress{
		BatchID:   b.ID,
		Total:     b.TotalRecipients,
		Processed: b.ProcessedCount,
		Sent:      b.SentCount,
		Failed:    b.FailedCount,
		Delivered: b.DeliveredCount,
		Status:    b.Status,
	}
}

// BatchProgress is a point-in-time view of batch counters.
type BatchProgress struct {
	BatchID   string
	Total     int
	Processed int
	Sent      int
	Failed    int
	Delivered int
	Status    BatchStatus
}

// ProgressDelta is an additive counter update applied atomically to a batch.
type ProgressDelta struct {
	Sent      int
	Failed    int
	Delivered int
	Cost      float64
}

func (d ProgressDelta) Processed() int {
	return d.Sent + d.Failed
}

func (d ProgressDelta) IsZero() bool {
	return d.Sent == 0 && d.Failed == 0 && d.Delivered == 0 && d.Cost == 0
}

func (d ProgressDelta) Add(other ProgressDelta) ProgressDelta {
	return ProgressDelta{
		Sent:      d.Sent + other.Sent,
		Failed:    d.Failed + other.Failed,
		Delivered: d.Delivered + other.Delivered,
		Cost:      d.Cost + other.Cost,
	}
}
