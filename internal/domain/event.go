package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind внутренний вид события платежного провайдера.
// Закрытое множество: все, что не распознано нормализатором, становится EventIgnored.
type EventKind string

const (
	EventCheckoutCompleted       EventKind = "checkout_completed"
	EventInvoiceCreated          EventKind = "invoice_created"
	EventInvoiceFinalized        EventKind = "invoice_finalized"
	EventInvoicePaymentSucceeded EventKind = "invoice_payment_succeeded"
	EventInvoicePaymentFailed    EventKind = "invoice_payment_failed"
	EventSubscriptionCreated     EventKind = "subscription_created"
	EventSubscriptionUpdated     EventKind = "subscription_updated"
	EventSubscriptionDeleted     EventKind = "subscription_deleted"
	EventPaymentSucceeded        EventKind = "payment_succeeded"
	EventChargeRefunded          EventKind = "charge_refunded"
	EventDisputeCreated          EventKind = "dispute_created"
	EventIgnored                 EventKind = "ignored"
)

// Event нормализованное событие провайдера. Заполнен ровно один из
// вложенных вариантов, соответствующий Kind (у EventIgnored ни одного).
type Event struct {
	ExternalID   string    // ID доставки у провайдера, ключ идемпотентности
	Kind         EventKind
	ProviderType string    // Исходный тип события провайдера, для логов
	CreatedAt    time.Time

	Checkout     *CheckoutInfo
	Subscription *SubscriptionInfo
	Invoice      *InvoiceInfo
	Payment      *PaymentInfo
	Refund       *RefundInfo
	Dispute      *DisputeInfo
}

// CheckoutInfo данные завершенной checkout-сессии
type CheckoutInfo struct {
	SessionID              string
	Mode                   string // subscription или payment
	WorkspaceID            uuid.UUID
	UserID                 uuid.UUID
	ExternalSubscriptionID string // Пусто для платежного режима
	ExternalCustomerID     string
	PlanID                 string
	PaymentIntentID        string
	AmountTotal            int64 // В минорных единицах валюты
	CreditAmount           int64 // Сколько кредитов начислить
	Currency               string
	TrialEnd               *time.Time
}

// SubscriptionInfo данные события жизненного цикла подписки
type SubscriptionInfo struct {
	ExternalID         string
	ExternalCustomerID string
	WorkspaceID        uuid.UUID
	UserID             uuid.UUID
	PlanID             string
	Status             SubscriptionStatus
	StatusRecognized   bool // false, если провайдер прислал неизвестный статус
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialEnd           *time.Time
}

// InvoiceInfo данные события инвойса
type InvoiceInfo struct {
	ExternalID             string
	SubscriptionExternalID string
	Status                 InvoiceStatus
	AmountDue              int64
	AmountPaid             int64
	Currency               string
}

// PaymentInfo данные успешного разового платежа
type PaymentInfo struct {
	PaymentIntentID string
	WorkspaceID     uuid.UUID
	Amount          int64 // В минорных единицах валюты
	CreditAmount    int64 // Сколько кредитов начислить
	Currency        string
}

// RefundInfo данные возврата
type RefundInfo struct {
	ChargeID        string
	PaymentIntentID string
	AmountRefunded  int64
	Currency        string
}

// DisputeInfo данные открытого диспута
type DisputeInfo struct {
	DisputeID       string
	ChargeID        string
	PaymentIntentID string
	Amount          int64
	Currency        string
	Reason          string
	Status          string
}
