package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEventStatus статус обработки вебхук-события
type WebhookEventStatus string

const (
	WebhookEventStatusPending   WebhookEventStatus = "pending"
	WebhookEventStatusProcessed WebhookEventStatus = "processed"
	WebhookEventStatusFailed    WebhookEventStatus = "failed"
)

// WebhookEvent журнальная запись об одной доставке вебхука.
// Уникальна по ExternalID: повторная доставка того же события провайдера
// не порождает вторую запись.
type WebhookEvent struct {
	ID           uuid.UUID          `json:"id"`
	ExternalID   string             `json:"external_id"` // ID события у провайдера
	Type         string             `json:"type"`        // Исходный тип события провайдера
	Status       WebhookEventStatus `json:"status"`
	Payload      []byte             `json:"payload,omitempty"` // Сырое тело для повторной обработки
	ErrorMessage string             `json:"error_message,omitempty"`
	AttemptCount int                `json:"attempt_count"`
	ProcessedAt  *time.Time         `json:"processed_at,omitempty"`
	LastAttempt  *time.Time         `json:"last_attempt,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
