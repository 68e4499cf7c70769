package transport

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"go.uber.org/zap"
)

// StatusFor maps an error returned by a handler to an HTTP status code.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrLocked):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrNoProviderAvailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUnsupported):
		return fiber.StatusNotImplemented
	case provider.IsTransport(err):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		code := StatusFor(err)
		log := observability.WithContextLogger(logger, c.UserContext())
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		if code >= fiber.StatusInternalServerError {
			log.Error("request error", fields...)
		} else {
			log.Warn("request rejected", fields...)
		}

		message := err.Error()
		if code == fiber.StatusInternalServerError {
			message = "internal server error"
		}
		return c.Status(code).JSON(fiber.Map{
			"error": message,
		})
	}
}
