package domain

import (
	"fmt"
	"strings"
)

// ErrorCategory is the normalized bucket a provider result code maps to.
type ErrorCategory string

const (
	CategorySuccess            ErrorCategory = "success"
	CategoryValidation         ErrorCategory = "validation"
	CategoryAuthentication     ErrorCategory = "authentication"
	CategoryConfiguration      ErrorCategory = "configuration"
	CategoryInvalidRecipient   ErrorCategory = "invalid_recipient"
	CategoryInsufficientCredit ErrorCategory = "insufficient_credit"
	CategoryTemporary          ErrorCategory = "temporary"
	CategoryRateLimit          ErrorCategory = "rate_limit"
	CategoryTransport          ErrorCategory = "transport"
	CategoryUnknown            ErrorCategory = "unknown"
)

func (c ErrorCategory) String() string { return string(c) }

func (c ErrorCategory) IsValid() bool {
	switch c {
	case CategorySuccess, CategoryValidation, CategoryAuthentication, CategoryConfiguration,
		CategoryInvalidRecipient, CategoryInsufficientCredit, CategoryTemporary,
		CategoryRateLimit, CategoryTransport, CategoryUnknown:
		return true
	}
	return false
}

// IsRetryable reports whether resending with identical input may succeed.
// Unknown is not retryable here; callers that opt in check it separately.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTemporary, CategoryRateLimit, CategoryTransport:
		return true
	}
	return false
}

// NeedsOperator reports categories that point at account or credential problems.
func (c ErrorCategory) NeedsOperator() bool {
	return c == CategoryAuthentication || c == CategoryInsufficientCredit || c == CategoryConfiguration
}

func ParseErrorCategoryFromString(s string) (ErrorCategory, error) {
	c := ErrorCategory(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid error category %q", ErrValidation, s)
	}
	return c, nil
}
