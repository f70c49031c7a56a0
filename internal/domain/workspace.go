package domain

import (
	"time"

	"github.com/google/uuid"
)

// Workspace тенант, владеющий балансом кредитов и подписками.
// CreditBalance денормализованная сумма записей леджера; меняется только
// в одной транзакции со вставкой соответствующей CreditTransaction.
type Workspace struct {
	ID            uuid.UUID `json:"id"`
	OwnerUserID   uuid.UUID `json:"owner_user_id"`
	Name          string    `json:"name"`
	CreditBalance int64     `json:"credit_balance"`
	TrialUsed     bool      `json:"trial_used"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AuditKind тип аудит-записи
type AuditKind string

const (
	AuditDisputeOpened  AuditKind = "dispute_opened"
	AuditRefundClamped  AuditKind = "refund_clamped"
	AuditManualFollowUp AuditKind = "manual_follow_up"
)

// AuditRecord append-only запись об исключительном платежном событии
// для ручного разбора. Привязана к воркспейсу (uuid.Nil, если воркспейс
// установить не удалось).
type AuditRecord struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Kind        AuditKind `json:"kind"`
	ReferenceID string    `json:"reference_id"`
	Details     string    `json:"details"`
	CreatedAt   time.Time `json:"created_at"`
}
