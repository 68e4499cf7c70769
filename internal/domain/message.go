package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScheduled Status = "SCHEDULED"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRetrying  Status = "RETRYING"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusSending, StatusSent, StatusDelivered,
		StatusRetrying, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// transitions is the message lifecycle. SENT is reachable only from SENDING.
// PENDING -> FAILED is the one exit that never reaches a provider: it covers
// a send job that could not be enqueued and batch recipients failed because
// no provider is available. RETRYING -> DELIVERED applies a late delivery
// report for an earlier attempt.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSending, StatusFailed, StatusCancelled},
	StatusScheduled: {StatusPending, StatusCancelled},
	StatusSending:   {StatusSent, StatusDelivered, StatusRetrying, StatusFailed},
	StatusRetrying:  {StatusSending, StatusFailed, StatusCancelled, StatusDelivered},
	StatusSent:      {StatusDelivered, StatusFailed},
}

// CanTransition reports whether moving a message from one status to another
// is a forward step of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SettlesDispatch reports whether the transition decides the dispatch outcome
// of a message. Batch counters are incremented by whoever performs it.
func SettlesDispatch(from, to Status) bool {
	switch from {
	case StatusPending, StatusScheduled, StatusSending, StatusRetrying:
	default:
		return false
	}
	switch to {
	case StatusSent, StatusDelivered, StatusFailed:
		return CanTransition(from, to)
	}
	return false
}

// CancellableStatuses lists the states a cancel request may leave.
func CancellableStatuses() []Status {
	return []Status{StatusPending, StatusScheduled, StatusRetrying}
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelOTP      Channel = "OTP"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelOTP:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// MessageType separates marketing traffic, which needs consent, from the rest.
type MessageType string

const (
	MessageTypeTransactional MessageType = "TRANSACTIONAL"
	MessageTypeMarketing     MessageType = "MARKETING"
	MessageTypeOTP           MessageType = "OTP"
)

func (t MessageType) String() string { return string(t) }

func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeTransactional, MessageTypeMarketing, MessageTypeOTP:
		return true
	}
	return false
}

func ParseMessageTypeFromString(s string) (MessageType, error) {
	mt := MessageType(strings.ToUpper(strings.TrimSpace(s)))
	if !mt.IsValid() {
		return "", fmt.Errorf("%w: invalid message type %q", ErrValidation, s)
	}
	return mt, nil
}

// Priority represents the queue priority level.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// PriorityFor derives the queue priority of a message type.
func PriorityFor(t MessageType) Priority {
	switch t {
	case MessageTypeOTP:
		return PriorityHigh
	case MessageTypeMarketing:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Content limits per channel (in characters).
const (
	MaxSMSContent      = 1600
	MaxWhatsAppContent = 4096
	MaxOTPContent      = 160
)

// Message is one outbound communication routed through a provider.
type Message struct {
	ID                string
	OwnerType         string
	OwnerID           string
	CorrelationID     string
	BatchID           *string
	Provider          string
	Channel           Channel
	Type              MessageType
	Recipient         string
	RecipientTimezone string
	Body              string
	TemplateID        *string
	TemplateVariables map[string]string
	SenderID          string
	Status            Status
	ProviderMessageID *string
	Cost              *float64
	Currency          string
	ScheduledAt       *time.Time
	SentAt            *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	ErrorCode         *string
	ErrorMessage      *string
	ErrorCategory     *ErrorCategory
	RetryCount        int
	MaxRetries        int
	RetryBackoff      []int
	LastRetryAt       *time.Time
	NextRetryAt       *time.Time
	Metadata          map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Owner returns the owning entity reference of the message.
func (m *Message) Owner() Owner {
	return Owner{Type: m.OwnerType, ID: m.OwnerID}
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if strings.TrimSpace(m.Body) == "" && m.TemplateID == nil {
		return fmt.Errorf("%w: body or template is required", ErrValidation)
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, m.Channel)
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("%w: invalid message type %q", ErrValidation, m.Type)
	}
	if m.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrValidation)
	}
	if m.RecipientTimezone != "" {
		if _, err := time.LoadLocation(m.RecipientTimezone); err != nil {
			return fmt.Errorf("%w: invalid timezone %q", ErrValidation, m.RecipientTimezone)
		}
	}

	contentLen := len([]rune(m.Body))
	switch m.Channel {
	case ChannelSMS:
		if contentLen > MaxSMSContent {
			return fmt.Errorf("%w: SMS content exceeds %d characters (got %d)", ErrValidation, MaxSMSContent, contentLen)
		}
	case ChannelWhatsApp:
		if contentLen > MaxWhatsAppContent {
			return fmt.Errorf("%w: WhatsApp content exceeds %d characters (got %d)", ErrValidation, MaxWhatsAppContent, contentLen)
		}
	case ChannelOTP:
		if contentLen > MaxOTPContent {
			return fmt.Errorf("%w: OTP content exceeds %d characters (got %d)", ErrValidation, MaxOTPContent, contentLen)
		}
	}

	return nil
}

// RetryBackoffDurations converts the per-message backoff override to durations.
func (m *Message) RetryBackoffDurations() []time.Duration {
	if len(m.RetryBackoff) == 0 {
		return nil
	}
	out := make([]time.Duration, 0, len(m.RetryBackoff))
	for _, seconds := range m.RetryBackoff {
		out = append(out, time.Duration(seconds)*time.Second)
	}
	return out
}
