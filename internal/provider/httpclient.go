package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultTimeout = 30 * time.Second

// NewHTTPClient returns a resty client for a provider API. Retries are left
// to the retry engine, so the client never retries on its own.
func NewHTTPClient(baseURL string, timeout time.Duration) (*resty.Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid provider base url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(trimmed, "/"))
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12})

	return client, nil
}

// RequestError converts a failed resty call into a transport fault.
func RequestError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return NewTransportError("provider request failed", err)
}

// HTTPFailure builds a failure response for a non-2xx answer that carried no
// recognizable provider code.
func HTTPFailure(providerID string, response *resty.Response, now time.Time) MessageResponse {
	statusCode := response.StatusCode()
	resp := Failed(
		providerID,
		"HTTP_"+strconv.Itoa(statusCode),
		httpErrorMessage(statusCode, strings.TrimSpace(response.String())),
		ClassifyHTTPStatus(statusCode),
	)
	resp.RetryAfter = ParseRetryAfter(response.Header().Get("Retry-After"), now)
	return resp
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func httpErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func IsSuccessStatus(statusCode int) bool {
	return statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices
}
