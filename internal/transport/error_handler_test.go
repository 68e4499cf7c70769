package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"go.uber.org/zap"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "fiber error", err: fiber.NewError(fiber.StatusTeapot, "short and stout"), want: fiber.StatusTeapot},
		{name: "validation", err: fmt.Errorf("%w: recipient is required", domain.ErrValidation), want: fiber.StatusBadRequest},
		{name: "not found", err: fmt.Errorf("message abc: %w", domain.ErrNotFound), want: fiber.StatusNotFound},
		{name: "conflict", err: domain.ErrConflict, want: fiber.StatusConflict},
		{name: "locked", err: domain.ErrLocked, want: fiber.StatusConflict},
		{name: "no provider", err: domain.ErrNoProviderAvailable, want: fiber.StatusServiceUnavailable},
		{name: "unsupported", err: domain.ErrUnsupported, want: fiber.StatusNotImplemented},
		{name: "provider transport", err: provider.NewTransportError("dial failed", errors.New("connection refused")), want: fiber.StatusBadGateway},
		{name: "unknown", err: errors.New("boom"), want: fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := StatusFor(tt.err); got != tt.want {
				t.Fatalf("StatusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorHandlerMasksInternalErrors(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.NewNop())})
	app.Get("/internal", func(c *fiber.Ctx) error {
		return errors.New("pq: password authentication failed")
	})
	app.Get("/conflict", func(c *fiber.Ctx) error {
		return fmt.Errorf("message is delivered: %w", domain.ErrConflict)
	})

	status, body := get(t, app, "/internal")
	if status != fiber.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}
	if strings.Contains(body, "password") {
		t.Fatalf("body leaks internal error: %s", body)
	}

	status, body = get(t, app, "/conflict")
	if status != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
	if !strings.Contains(body, "message is delivered") {
		t.Fatalf("body = %s, want conflict reason", body)
	}
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, string(body)
}
