package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/service"
)

type MessageService interface {
	Create(ctx context.Context, req service.SendRequest) (*domain.Message, error)
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	Attempts(ctx context.Context, id string) ([]domain.MessageAttempt, error)
	Cancel(ctx context.Context, id string) (*domain.Message, error)
}

type BatchService interface {
	Create(ctx context.Context, req service.BatchRequest) (*domain.Batch, error)
	Progress(ctx context.Context, id string) (domain.BatchProgress, error)
	Cancel(ctx context.Context, id string) (*domain.Batch, error)
}

type MessageHandler struct {
	messages MessageService
	batches  BatchService
}

func NewMessageHandler(messages MessageService, batches BatchService) (*MessageHandler, error) {
	if messages == nil || batches == nil {
		return nil, fmt.Errorf("message and batch services are required")
	}
	return &MessageHandler{messages: messages, batches: batches}, nil
}

func RegisterMessageRoutes(router fiber.Router, messages MessageService, batches BatchService) error {
	h, err := NewMessageHandler(messages, batches)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/messages", h.CreateMessage)
	v1.Get("/messages/:id", h.GetMessage)
	v1.Get("/messages/:id/attempts", h.ListAttempts)
	v1.Post("/messages/:id/cancel", h.CancelMessage)
	v1.Post("/batches", h.CreateBatch)
	v1.Get("/batches/:id", h.GetBatch)
	v1.Post("/batches/:id/cancel", h.CancelBatch)

	return nil
}

type ownerRequest struct {
	OwnerType string `json:"ownerType" validate:"required_with=OwnerID,max=64"`
	OwnerID   string `json:"ownerId" validate:"required_with=OwnerType,max=64"`
}

func (o ownerRequest) owner() domain.Owner {
	return domain.Owner{Type: o.OwnerType, ID: o.OwnerID}
}

type sendMessageRequest struct {
	ownerRequest
	CorrelationID     string            `json:"correlationId" validate:"omitempty,max=128"`
	Provider          string            `json:"provider" validate:"omitempty,max=64"`
	Channel           string            `json:"channel" validate:"required"`
	Type              string            `json:"type"`
	Recipient         string            `json:"recipient" validate:"required,max=64"`
	RecipientTimezone string            `json:"recipientTimezone" validate:"omitempty,timezone"`
	Body              string            `json:"body" validate:"required_without=TemplateID"`
	TemplateID        string            `json:"templateId" validate:"omitempty,max=128"`
	TemplateVariables map[string]string `json:"templateVariables"`
	SenderID          string            `json:"senderId" validate:"omitempty,max=32"`
	ScheduledAt       *time.Time        `json:"scheduledAt"`
	MaxRetries        *int              `json:"maxRetries" validate:"omitempty,gte=0,lte=10"`
	RetryBackoff      []int             `json:"retryBackoff" validate:"omitempty,max=10,dive,gt=0"`
	Metadata          map[string]string `json:"metadata"`
}

type batchRecipientRequest struct {
	Recipient string            `json:"recipient" validate:"required,max=64"`
	Timezone  string            `json:"timezone" validate:"omitempty,timezone"`
	Variables map[string]string `json:"variables"`
}

type createBatchRequest struct {
	ownerRequest
	CorrelationID      string                  `json:"correlationId" validate:"omitempty,max=128"`
	Provider           string                  `json:"provider" validate:"omitempty,max=64"`
	Channel            string                  `json:"channel" validate:"required"`
	Type               string                  `json:"type"`
	Body               string                  `json:"body" validate:"required_without=TemplateID"`
	TemplateID         string                  `json:"templateId" validate:"omitempty,max=128"`
	TemplateVariables  map[string]string       `json:"templateVariables"`
	SenderID           string                  `json:"senderId" validate:"omitempty,max=32"`
	Recipients         []batchRecipientRequest `json:"recipients" validate:"required,min=1,dive"`
	RateLimitPerMinute int                     `json:"rateLimitPerMinute" validate:"gte=0"`
	RateLimitPerHour   int                     `json:"rateLimitPerHour" validate:"gte=0"`
	SendWindowStart    *int                    `json:"sendWindowStart" validate:"omitempty,gte=0,lte=23"`
	SendWindowEnd      *int                    `json:"sendWindowEnd" validate:"omitempty,gte=0,lte=24"`
	RespectTimezone    bool                    `json:"respectTimezone"`
	Timezone           string                  `json:"timezone" validate:"omitempty,timezone"`
	MaxRetries         *int                    `json:"maxRetries" validate:"omitempty,gte=0,lte=10"`
	RetryBackoff       []int                   `json:"retryBackoff" validate:"omitempty,max=10,dive,gt=0"`
	Metadata           map[string]string       `json:"metadata"`
}

type messageResponse struct {
	ID                string            `json:"id"`
	CorrelationID     string            `json:"correlationId"`
	BatchID           *string           `json:"batchId,omitempty"`
	OwnerType         string            `json:"ownerType,omitempty"`
	OwnerID           string            `json:"ownerId,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	Channel           string            `json:"channel"`
	Type              string            `json:"type"`
	Recipient         string            `json:"recipient"`
	Status            string            `json:"status"`
	ProviderMessageID *string           `json:"providerMessageId,omitempty"`
	Cost              *float64          `json:"cost,omitempty"`
	Currency          string            `json:"currency,omitempty"`
	ErrorCode         *string           `json:"errorCode,omitempty"`
	ErrorMessage      *string           `json:"errorMessage,omitempty"`
	ErrorCategory     string            `json:"errorCategory,omitempty"`
	RetryCount        int               `json:"retryCount"`
	MaxRetries        int               `json:"maxRetries"`
	ScheduledAt       *time.Time        `json:"scheduledAt,omitempty"`
	NextRetryAt       *time.Time        `json:"nextRetryAt,omitempty"`
	SentAt            *time.Time        `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time        `json:"deliveredAt,omitempty"`
	FailedAt          *time.Time        `json:"failedAt,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

type attemptResponse struct {
	AttemptNumber     int       `json:"attemptNumber"`
	Provider          string    `json:"provider"`
	Success           bool      `json:"success"`
	Category          string    `json:"category,omitempty"`
	ErrorCode         *string   `json:"errorCode,omitempty"`
	ErrorMessage      *string   `json:"errorMessage,omitempty"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	DurationMillis    int64     `json:"durationMillis"`
	CreatedAt         time.Time `json:"createdAt"`
}

type batchResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	Channel         string     `json:"channel"`
	Type            string     `json:"type"`
	Provider        string     `json:"provider,omitempty"`
	TotalRecipients int        `json:"totalRecipients"`
	ErrorSummary    *string    `json:"errorSummary,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

type batchProgressResponse struct {
	BatchID   string `json:"batchId"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Delivered int    `json:"delivered"`
}

func (h *MessageHandler) CreateMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	sendReq, err := toSendRequest(req, requestCorrelationID(c))
	if err != nil {
		return err
	}

	created, err := h.messages.Create(requestContext(c), sendReq)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(toMessageResponse(created))
}

func (h *MessageHandler) GetMessage(c *fiber.Ctx) error {
	m, err := h.messages.GetByID(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toMessageResponse(m))
}

func (h *MessageHandler) ListAttempts(c *fiber.Ctx) error {
	attempts, err := h.messages.Attempts(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}

	items := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, attemptResponse{
			AttemptNumber:     a.AttemptNumber,
			Provider:          a.Provider,
			Success:           a.Success,
			Category:          a.Category.String(),
			ErrorCode:         a.ErrorCode,
			ErrorMessage:      a.ErrorMessage,
			ProviderMessageID: a.ProviderMessageID,
			DurationMillis:    a.DurationMillis,
			CreatedAt:         a.CreatedAt,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": items})
}

func (h *MessageHandler) CancelMessage(c *fiber.Ctx) error {
	m, err := h.messages.Cancel(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messageId": m.ID,
		"status":    m.Status.String(),
	})
}

func (h *MessageHandler) CreateBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	batchReq, err := toBatchRequest(req, requestCorrelationID(c))
	if err != nil {
		return err
	}

	b, err := h.batches.Create(requestContext(c), batchReq)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(batchResponse{
		ID:              b.ID,
		Status:          b.Status.String(),
		Channel:         b.Channel.String(),
		Type:            b.Type.String(),
		Provider:        b.Provider,
		TotalRecipients: b.TotalRecipients,
		ErrorSummary:    b.ErrorSummary,
		CreatedAt:       b.CreatedAt,
	})
}

func (h *MessageHandler) GetBatch(c *fiber.Ctx) error {
	p, err := h.batches.Progress(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(batchProgressResponse{
		BatchID:   p.BatchID,
		Status:    p.Status.String(),
		Total:     p.Total,
		Processed: p.Processed,
		Sent:      p.Sent,
		Failed:    p.Failed,
		Delivered: p.Delivered,
	})
}

func (h *MessageHandler) CancelBatch(c *fiber.Ctx) error {
	b, err := h.batches.Cancel(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(batchResponse{
		ID:              b.ID,
		Status:          b.Status.String(),
		Channel:         b.Channel.String(),
		Type:            b.Type.String(),
		Provider:        b.Provider,
		TotalRecipients: b.TotalRecipients,
		CancelledAt:     b.CancelledAt,
		CreatedAt:       b.CreatedAt,
	})
}

func toSendRequest(req sendMessageRequest, fallbackCorrelationID string) (service.SendRequest, error) {
	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return service.SendRequest{}, err
	}
	msgType, err := parseMessageType(req.Type)
	if err != nil {
		return service.SendRequest{}, err
	}

	out := service.SendRequest{
		Owner:             req.owner(),
		CorrelationID:     strings.TrimSpace(req.CorrelationID),
		Provider:          req.Provider,
		Channel:           channel,
		Type:              msgType,
		Recipient:         req.Recipient,
		RecipientTimezone: req.RecipientTimezone,
		Body:              req.Body,
		TemplateID:        req.TemplateID,
		TemplateVariables: req.TemplateVariables,
		SenderID:          req.SenderID,
		ScheduledAt:       req.ScheduledAt,
		MaxRetries:        req.MaxRetries,
		RetryBackoff:      req.RetryBackoff,
		Metadata:          req.Metadata,
	}
	if out.CorrelationID == "" {
		out.CorrelationID = fallbackCorrelationID
	}
	return out, nil
}

func toBatchRequest(req createBatchRequest, fallbackCorrelationID string) (service.BatchRequest, error) {
	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return service.BatchRequest{}, err
	}
	msgType, err := parseMessageType(req.Type)
	if err != nil {
		return service.BatchRequest{}, err
	}

	recipients := make([]service.BatchRecipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, service.BatchRecipient{
			Recipient: r.Recipient,
			Timezone:  r.Timezone,
			Variables: r.Variables,
		})
	}

	out := service.BatchRequest{
		Owner:              req.owner(),
		CorrelationID:      strings.TrimSpace(req.CorrelationID),
		Provider:           req.Provider,
		Channel:            channel,
		Type:               msgType,
		Body:               req.Body,
		TemplateID:         req.TemplateID,
		TemplateVariables:  req.TemplateVariables,
		SenderID:           req.SenderID,
		Recipients:         recipients,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerHour:   req.RateLimitPerHour,
		SendWindowStart:    req.SendWindowStart,
		SendWindowEnd:      req.SendWindowEnd,
		RespectTimezone:    req.RespectTimezone,
		Timezone:           req.Timezone,
		MaxRetries:         req.MaxRetries,
		RetryBackoff:       req.RetryBackoff,
		Metadata:           req.Metadata,
	}
	if out.CorrelationID == "" {
		out.CorrelationID = fallbackCorrelationID
	}
	return out, nil
}

// parseMessageType leaves an empty type for the service to default.
func parseMessageType(raw string) (domain.MessageType, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return domain.ParseMessageTypeFromString(raw)
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// requestContext carries the request correlation id into service logs.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}

func toMessageResponse(m *domain.Message) messageResponse {
	if m == nil {
		return messageResponse{}
	}

	resp := messageResponse{
		ID:                m.ID,
		CorrelationID:     m.CorrelationID,
		BatchID:           m.BatchID,
		OwnerType:         m.OwnerType,
		OwnerID:           m.OwnerID,
		Provider:          m.Provider,
		Channel:           m.Channel.String(),
		Type:              m.Type.String(),
		Recipient:         m.Recipient,
		Status:            m.Status.String(),
		ProviderMessageID: m.ProviderMessageID,
		Cost:              m.Cost,
		Currency:          m.Currency,
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		RetryCount:        m.RetryCount,
		MaxRetries:        m.MaxRetries,
		ScheduledAt:       m.ScheduledAt,
		NextRetryAt:       m.NextRetryAt,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		FailedAt:          m.FailedAt,
		Metadata:          m.Metadata,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.ErrorCategory != nil {
		resp.ErrorCategory = m.ErrorCategory.String()
	}
	return resp
}
