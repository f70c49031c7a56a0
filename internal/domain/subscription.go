package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus статус подписки во внутренней модели
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
)

// ParseSubscriptionStatus переводит строку статуса провайдера во внутренний enum.
// Неизвестный статус консервативно отображается в canceled; второй результат
// показывает, был ли статус распознан.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, bool) {
	switch SubscriptionStatus(s) {
	case SubscriptionStatusActive,
		SubscriptionStatusCanceled,
		SubscriptionStatusPastDue,
		SubscriptionStatusTrialing,
		SubscriptionStatusIncomplete,
		SubscriptionStatusIncompleteExpired,
		SubscriptionStatusUnpaid:
		return SubscriptionStatus(s), true
	default:
		return SubscriptionStatusCanceled, false
	}
}

// Subscription представляет биллинговую связь воркспейса с платежным провайдером.
type Subscription struct {
	ID                 uuid.UUID          `json:"id"`
	WorkspaceID        uuid.UUID          `json:"workspace_id"`
	PlanID             string             `json:"plan_id"`
	ExternalID         string             `json:"external_id"`          // ID подписки у провайдера, уникален
	ExternalCustomerID string             `json:"external_customer_id"` // ID клиента у провайдера
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	Version            int64              `json:"version"` // Счетчик оптимистичной блокировки
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// InvoiceStatus статус инвойса
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

// ParseInvoiceStatus переводит строку статуса инвойса провайдера во внутренний enum.
func ParseInvoiceStatus(s string) (InvoiceStatus, bool) {
	switch InvoiceStatus(s) {
	case InvoiceStatusDraft, InvoiceStatusOpen, InvoiceStatusPaid,
		InvoiceStatusVoid, InvoiceStatusUncollectible:
		return InvoiceStatus(s), true
	default:
		return InvoiceStatusOpen, false
	}
}

// Invoice зеркалирует инвойс провайдера. Upsert по ExternalID.
type Invoice struct {
	ID                     uuid.UUID     `json:"id"`
	ExternalID             string        `json:"external_id"` // Уникальный ключ upsert-а
	SubscriptionExternalID string        `json:"subscription_external_id,omitempty"`
	Status                 InvoiceStatus `json:"status"`
	AmountDue              int64         `json:"amount_due"`  // В минорных единицах валюты
	AmountPaid             int64         `json:"amount_paid"` // В минорных единицах валюты
	Currency               string        `json:"currency"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}
