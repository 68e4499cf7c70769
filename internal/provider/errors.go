package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// TransportError marks a provider call that never produced a business answer:
// connection failures, timeouts and unparseable responses.
type TransportError struct {
	StatusCode int
	Message    string
	Timeout    bool
	Malformed  bool
	RetryAfter time.Duration
	Cause      error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider transport error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Code returns the normalized error code recorded on the message.
func (e *TransportError) Code() string {
	switch {
	case e == nil:
		return ""
	case e.Timeout:
		return CodeTimeout
	case e.Malformed:
		return CodeMalformedResponse
	default:
		return CodeTransport
	}
}

// NewTransportError wraps cause, detecting timeouts from the error chain.
func NewTransportError(message string, cause error) *TransportError {
	return &TransportError{
		Message: message,
		Timeout: isTimeout(cause),
		Cause:   cause,
	}
}

// NewMalformedError reports a response body that could not be understood.
func NewMalformedError(statusCode int, cause error) *TransportError {
	return &TransportError{
		StatusCode: statusCode,
		Message:    "malformed response",
		Malformed:  true,
		Cause:      cause,
	}
}

// AsTransport extracts a TransportError from err.
func AsTransport(err error) (*TransportError, bool) {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr, true
	}
	return nil, false
}

// IsTransport reports whether err is a transport-level fault rather than a
// programming error.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := AsTransport(err); ok {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
