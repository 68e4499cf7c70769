package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/message-dispatch/internal/webhook"
)

// WebhookIngestor is implemented by *webhook.Ingestor.
type WebhookIngestor interface {
	Ingest(ctx context.Context, req webhook.Request) (webhook.Result, error)
}

type WebhookHandler struct {
	ingestor WebhookIngestor
	baseURL  string
}

// NewWebhookHandler builds the callback endpoint. baseURL is the public
// origin providers call; it is used for URL-signed callbacks behind a proxy.
func NewWebhookHandler(ingestor WebhookIngestor, baseURL string) (*WebhookHandler, error) {
	if ingestor == nil {
		return nil, fmt.Errorf("webhook ingestor is required")
	}
	return &WebhookHandler{ingestor: ingestor, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}, nil
}

func RegisterWebhookRoutes(router fiber.Router, ingestor WebhookIngestor, baseURL string) error {
	h, err := NewWebhookHandler(ingestor, baseURL)
	if err != nil {
		return err
	}
	router.Post("/v1/webhooks/:provider", h.Receive)
	return nil
}

func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	headers := make(map[string]string)
	for key, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	result, err := h.ingestor.Ingest(requestContext(c), webhook.Request{
		Provider:  c.Params("provider"),
		Payload:   append([]byte(nil), c.Body()...),
		Headers:   headers,
		Signature: c.Query("signature"),
		URL:       h.callbackURL(c),
	})
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "webhook could not be stored")
	}

	status := result.HTTPStatus
	if status == 0 {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"accepted":  result.Accepted,
		"reason":    result.Reason,
		"duplicate": result.Duplicate,
		"webhookId": result.WebhookID,
	})
}

func (h *WebhookHandler) callbackURL(c *fiber.Ctx) string {
	if h.baseURL != "" {
		return h.baseURL + c.OriginalURL()
	}
	return c.BaseURL() + c.OriginalURL()
}
