package domain

import (
	"time"

	"github.com/google/uuid"
)

// CreditTransactionType тип записи в леджере кредитов
type CreditTransactionType string

const (
	CreditTransactionPurchase   CreditTransactionType = "PURCHASE"
	CreditTransactionUsage      CreditTransactionType = "USAGE"
	CreditTransactionRefund     CreditTransactionType = "REFUND"
	CreditTransactionBonus      CreditTransactionType = "BONUS"
	CreditTransactionAllocation CreditTransactionType = "SUBSCRIPTION_ALLOCATION"
)

// Типы ссылок на внешние сущности-причины транзакции
const (
	ReferencePaymentIntent = "payment_intent"
	ReferenceInvoice       = "invoice"
	ReferenceCharge        = "charge"
	ReferenceManual        = "manual"
)

// CreditTransaction запись append-only леджера кредитов воркспейса.
// Создается ровно один раз на причинное событие (уникальность по
// reference_id + reference_type + type), никогда не обновляется и не удаляется.
type CreditTransaction struct {
	ID            uuid.UUID             `json:"id"`
	WorkspaceID   uuid.UUID             `json:"workspace_id"`
	Amount        int64                 `json:"amount"` // Со знаком: плюс зачисление, минус списание
	Type          CreditTransactionType `json:"type"`
	Description   string                `json:"description"`
	ReferenceID   string                `json:"reference_id"`   // Внешний ID причинного события
	ReferenceType string                `json:"reference_type"` // payment_intent / invoice / charge
	BalanceBefore int64                 `json:"balance_before"`
	BalanceAfter  int64                 `json:"balance_after"`
	CreatedAt     time.Time             `json:"created_at"`
}
