package repository

import (
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
)

// MessageModel is the persistence model for the messages table.
type MessageModel struct {
	ID                string                `gorm:"type:uuid;primaryKey"`
	OwnerType         string                `gorm:"type:varchar(50)"`
	OwnerID           string                `gorm:"type:varchar(100)"`
	CorrelationID     string                `gorm:"type:varchar(36);not null"`
	BatchID           *string               `gorm:"type:uuid"`
	Provider          string                `gorm:"type:varchar(50)"`
	Channel           domain.Channel        `gorm:"type:varchar(10);not null"`
	Type              domain.MessageType    `gorm:"type:varchar(20);not null"`
	Recipient         string                `gorm:"type:varchar(32);not null"`
	RecipientTimezone string                `gorm:"type:varchar(64)"`
	Body              string                `gorm:"type:text;not null"`
	TemplateID        *string               `gorm:"type:varchar(100)"`
	TemplateVariables map[string]string     `gorm:"type:jsonb;serializer:json"`
	SenderID          string                `gorm:"type:varchar(32)"`
	Status            domain.Status         `gorm:"type:varchar(20);not null"`
	ProviderMessageID *string               `gorm:"type:varchar(255)"`
	Cost              *float64              `gorm:"type:numeric(12,5)"`
	Currency          string                `gorm:"type:varchar(3)"`
	ScheduledAt       *time.Time            `gorm:"type:timestamptz"`
	SentAt            *time.Time            `gorm:"type:timestamptz"`
	DeliveredAt       *time.Time            `gorm:"type:timestamptz"`
	FailedAt          *time.Time            `gorm:"type:timestamptz"`
	ErrorCode         *string               `gorm:"type:varchar(100)"`
	ErrorMessage      *string               `gorm:"type:text"`
	ErrorCategory     *domain.ErrorCategory `gorm:"type:varchar(30)"`
	RetryCount        int                   `gorm:"not null;default:0"`
	MaxRetries        int                   `gorm:"not null"`
	RetryBackoff      []int                 `gorm:"type:jsonb;serializer:json"`
	LastRetryAt       *time.Time            `gorm:"type:timestamptz"`
	NextRetryAt       *time.Time            `gorm:"type:timestamptz"`
	Metadata          map[string]string     `gorm:"type:jsonb;serializer:json"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (MessageModel) TableName() string {
	return "messages"
}

// MessageAttemptModel is the persistence model for message_attempts.
type MessageAttemptModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	MessageID         string               `gorm:"type:uuid;not null"`
	AttemptNumber     int                  `gorm:"not null"`
	Provider          string               `gorm:"type:varchar(50);not null"`
	Success           bool                 `gorm:"not null"`
	Category          domain.ErrorCategory `gorm:"type:varchar(30);not null"`
	ErrorCode         *string              `gorm:"type:varchar(100)"`
	ErrorMessage      *string              `gorm:"type:text"`
	ProviderMessageID *string              `gorm:"type:varchar(255)"`
	DurationMillis    int64                `gorm:"not null;default:0"`
	CreatedAt         time.Time
}

func (MessageAttemptModel) TableName() string {
	return "message_attempts"
}

// BatchModel is the persistence model for batches.
type BatchModel struct {
	ID                 string             `gorm:"type:uuid;primaryKey"`
	OwnerType          string             `gorm:"type:varchar(50)"`
	OwnerID            string             `gorm:"type:varchar(100)"`
	Provider           string             `gorm:"type:varchar(50)"`
	Channel            domain.Channel     `gorm:"type:varchar(10);not null"`
	Type               domain.MessageType `gorm:"type:varchar(20);not null"`
	Status             domain.BatchStatus `gorm:"type:varchar(20);not null"`
	TotalRecipients    int                `gorm:"not null"`
	ProcessedCount     int                `gorm:"not null;default:0"`
	SentCount          int                `gorm:"not null;default:0"`
	FailedCount        int                `gorm:"not null;default:0"`
	DeliveredCount     int                `gorm:"not null;default:0"`
	RateLimitPerMinute int                `gorm:"not null;default:0"`
	RateLimitPerHour   int                `gorm:"not null;default:0"`
	SendWindowStart    *int
	SendWindowEnd      *int
	RespectTimezone    bool    `gorm:"not null;default:false"`
	Timezone           string  `gorm:"type:varchar(64)"`
	TotalCost          float64 `gorm:"type:numeric(14,5);not null;default:0"`
	Currency           string  `gorm:"type:varchar(3)"`
	MaxRetries         int     `gorm:"not null"`
	RetryBackoff       []int   `gorm:"type:jsonb;serializer:json"`
	ErrorSummary       *string `gorm:"type:text"`
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// WebhookModel is the persistence model for received delivery callbacks.
type WebhookModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	Provider          string               `gorm:"type:varchar(50);not null"`
	ProviderMessageID string               `gorm:"type:varchar(255)"`
	EventType         string               `gorm:"type:varchar(50)"`
	Verified          bool                 `gorm:"not null;default:false"`
	Payload           string               `gorm:"type:text;not null"`
	Status            domain.WebhookStatus `gorm:"type:varchar(20);not null"`
	RetryCount        int                  `gorm:"not null;default:0"`
	MessageID         *string              `gorm:"type:uuid"`
	IdempotencyKey    string               `gorm:"type:varchar(64);not null"`
	Error             *string              `gorm:"type:text"`
	NextRetryAt       *time.Time
	ProcessedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (WebhookModel) TableName() string {
	return "webhooks"
}

// ConsentModel stores the per-recipient consent flags.
type ConsentModel struct {
	Recipient   string             `gorm:"type:varchar(32);primaryKey"`
	ConsentType domain.MessageType `gorm:"type:varchar(20);primaryKey"`
	Granted     bool               `gorm:"not null"`
	UpdatedAt   time.Time
}

func (ConsentModel) TableName() string {
	return "recipient_consents"
}

func messageModelFromDomain(m *domain.Message) *MessageModel {
	if m == nil {
		return nil
	}

	return &MessageModel{
		ID:                m.ID,
		OwnerType:         m.OwnerType,
		OwnerID:           m.OwnerID,
		CorrelationID:     m.CorrelationID,
		BatchID:           m.BatchID,
		Provider:          m.Provider,
		Channel:           m.Channel,
		Type:              m.Type,
		Recipient:         m.Recipient,
		RecipientTimezone: m.RecipientTimezone,
		Body:              m.Body,
		TemplateID:        m.TemplateID,
		TemplateVariables: m.TemplateVariables,
		SenderID:          m.SenderID,
		Status:            m.Status,
		ProviderMessageID: m.ProviderMessageID,
		Cost:              m.Cost,
		Currency:          m.Currency,
		ScheduledAt:       m.ScheduledAt,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		FailedAt:          m.FailedAt,
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		ErrorCategory:     m.ErrorCategory,
		RetryCount:        m.RetryCount,
		MaxRetries:        m.MaxRetries,
		RetryBackoff:      m.RetryBackoff,
		LastRetryAt:       m.LastRetryAt,
		NextRetryAt:       m.NextRetryAt,
		Metadata:          m.Metadata,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func messageModelToDomain(m *MessageModel) *domain.Message {
	if m == nil {
		return nil
	}

	return &domain.Message{
		ID:                m.ID,
		OwnerType:         m.OwnerType,
		OwnerID:           m.OwnerID,
		CorrelationID:     m.CorrelationID,
		BatchID:           m.BatchID,
		Provider:          m.Provider,
		Channel:           m.Channel,
		Type:              m.Type,
		Recipient:         m.Recipient,
		RecipientTimezone: m.RecipientTimezone,
		Body:              m.Body,
		TemplateID:        m.TemplateID,
		TemplateVariables: m.TemplateVariables,
		SenderID:          m.SenderID,
		Status:            m.Status,
		ProviderMessageID: m.ProviderMessageID,
		Cost:              m.Cost,
		Currency:          m.Currency,
		ScheduledAt:       m.ScheduledAt,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		FailedAt:          m.FailedAt,
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		ErrorCategory:     m.ErrorCategory,
		RetryCount:        m.RetryCount,
		MaxRetries:        m.MaxRetries,
		RetryBackoff:      m.RetryBackoff,
		LastRetryAt:       m.LastRetryAt,
		NextRetryAt:       m.NextRetryAt,
		Metadata:          m.Metadata,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.MessageAttempt) *MessageAttemptModel {
	if a == nil {
		return nil
	}

	return &MessageAttemptModel{
		ID:                a.ID,
		MessageID:         a.MessageID,
		AttemptNumber:     a.AttemptNumber,
		Provider:          a.Provider,
		Success:           a.Success,
		Category:          a.Category,
		ErrorCode:         a.ErrorCode,
		ErrorMessage:      a.ErrorMessage,
		ProviderMessageID: a.ProviderMessageID,
		DurationMillis:    a.DurationMillis,
		CreatedAt:         a.CreatedAt,
	}
}

func attemptModelToDomain(m *MessageAttemptModel) *domain.MessageAttempt {
	if m == nil {
		return nil
	}

	return &domain.MessageAttempt{
		ID:                m.ID,
		MessageID:         m.MessageID,
		AttemptNumber:     m.AttemptNumber,
		Provider:          m.Provider,
		Success:           m.Success,
		Category:          m.Category,
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		ProviderMessageID: m.ProviderMessageID,
		DurationMillis:    m.DurationMillis,
		CreatedAt:         m.CreatedAt,
	}
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:                 b.ID,
		OwnerType:          b.OwnerType,
		OwnerID:            b.OwnerID,
		Provider:           b.Provider,
		Channel:            b.Channel,
		Type:               b.Type,
		Status:             b.Status,
		TotalRecipients:    b.TotalRecipients,
		ProcessedCount:     b.ProcessedCount,
		SentCount:          b.SentCount,
		FailedCount:        b.FailedCount,
		DeliveredCount:     b.DeliveredCount,
		RateLimitPerMinute: b.RateLimitPerMinute,
		RateLimitPerHour:   b.RateLimitPerHour,
		SendWindowStart:    b.SendWindowStart,
		SendWindowEnd:      b.SendWindowEnd,
		RespectTimezone:    b.RespectTimezone,
		Timezone:           b.Timezone,
		TotalCost:          b.TotalCost,
		Currency:           b.Currency,
		MaxRetries:         b.MaxRetries,
		RetryBackoff:       b.RetryBackoff,
		ErrorSummary:       b.ErrorSummary,
		StartedAt:          b.StartedAt,
		CompletedAt:        b.CompletedAt,
		CancelledAt:        b.CancelledAt,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:                 m.ID,
		OwnerType:          m.OwnerType,
		OwnerID:            m.OwnerID,
		Provider:           m.Provider,
		Channel:            m.Channel,
		Type:               m.Type,
		Status:             m.Status,
		TotalRecipients:    m.TotalRecipients,
		ProcessedCount:     m.ProcessedCount,
		SentCount:          m.SentCount,
		FailedCount:        m.FailedCount,
		DeliveredCount:     m.DeliveredCount,
		RateLimitPerMinute: m.RateLimitPerMinute,
		RateLimitPerHour:   m.RateLimitPerHour,
		SendWindowStart:    m.SendWindowStart,
		SendWindowEnd:      m.SendWindowEnd,
		RespectTimezone:    m.RespectTimezone,
		Timezone:           m.Timezone,
		TotalCost:          m.TotalCost,
		Currency:           m.Currency,
		MaxRetries:         m.MaxRetries,
		RetryBackoff:       m.RetryBackoff,
		ErrorSummary:       m.ErrorSummary,
		StartedAt:          m.StartedAt,
		CompletedAt:        m.CompletedAt,
		CancelledAt:        m.CancelledAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func webhookModelFromDomain(w *domain.Webhook) *WebhookModel {
	if w == nil {
		return nil
	}

	return &WebhookModel{
		ID:                w.ID,
		Provider:          w.Provider,
		ProviderMessageID: w.ProviderMessageID,
		EventType:         w.EventType,
		Verified:          w.Verified,
		Payload:           w.Payload,
		Status:            w.Status,
		RetryCount:        w.RetryCount,
		MessageID:         w.MessageID,
		IdempotencyKey:    w.IdempotencyKey,
		Error:             w.Error,
		NextRetryAt:       w.NextRetryAt,
		ProcessedAt:       w.ProcessedAt,
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
	}
}

func webhookModelToDomain(m *WebhookModel) *domain.Webhook {
	if m == nil {
		return nil
	}

	return &domain.Webhook{
		ID:                m.ID,
		Provider:          m.Provider,
		ProviderMessageID: m.ProviderMessageID,
		EventType:         m.EventType,
		Verified:          m.Verified,
		Payload:           m.Payload,
		Status:            m.Status,
		RetryCount:        m.RetryCount,
		MessageID:         m.MessageID,
		IdempotencyKey:    m.IdempotencyKey,
		Error:             m.Error,
		NextRetryAt:       m.NextRetryAt,
		ProcessedAt:       m.ProcessedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
