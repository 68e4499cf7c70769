package retry

import (
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
)

const DefaultMaxRetries = 3

var DefaultBackoff = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

// Policy bounds re-attempts of a failed send.
type Policy struct {
	MaxRetries int
	// Backoff is indexed by retry number; retries past the end reuse the last entry.
	Backoff []time.Duration
	// RetryUnknown treats unclassified provider codes as retryable.
	RetryUnknown bool
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff}
}

// ForMessage applies the per-message overrides stored on m.
func (p Policy) ForMessage(m *domain.Message) Policy {
	out := p
	if m == nil {
		return out
	}
	out.MaxRetries = m.MaxRetries
	if backoff := m.RetryBackoffDurations(); len(backoff) > 0 {
		out.Backoff = backoff
	}
	return out
}

// Delay returns the wait before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	backoff := p.Backoff
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	if n < 1 {
		n = 1
	}
	if n > len(backoff) {
		n = len(backoff)
	}
	return backoff[n-1]
}

func (p Policy) Retryable(category domain.ErrorCategory) bool {
	if category == domain.CategoryUnknown {
		return p.RetryUnknown
	}
	return category.IsRetryable()
}

// Decision is the next lifecycle step after one send attempt.
type Decision struct {
	Status domain.Status
	Retry  bool
	Delay  time.Duration
	Reason string
}

const (
	ReasonAccepted     = "accepted"
	ReasonRetryable    = "retryable"
	ReasonExhausted    = "retries_exhausted"
	ReasonNonRetryable = "non_retryable"
)

// Decide maps the response of attempt retryCount+1 to the next status.
// It does not change retryCount; a retry decision implies the caller
// increments it.
func (p Policy) Decide(retryCount int, resp provider.MessageResponse) Decision {
	if resp.Success {
		status := resp.Status
		if status != domain.StatusDelivered {
			status = domain.StatusSent
		}
		return Decision{Status: status, Reason: ReasonAccepted}
	}

	if !p.Retryable(resp.Category) {
		return Decision{Status: domain.StatusFailed, Reason: ReasonNonRetryable}
	}
	if retryCount >= p.MaxRetries {
		return Decision{Status: domain.StatusFailed, Reason: ReasonExhausted}
	}

	delay := p.Delay(retryCount + 1)
	if resp.Category == domain.CategoryRateLimit && resp.RetryAfter > delay {
		delay = resp.RetryAfter
	}
	return Decision{Status: domain.StatusRetrying, Retry: true, Delay: delay, Reason: ReasonRetryable}
}
