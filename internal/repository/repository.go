package repository

import (
	"context"
	"time"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/google/uuid"
)

// InsertResult результат вставки под ограничением уникальности.
// Вместо перехвата storage-специфичной ошибки дубликата репозиторий
// возвращает помеченный результат: так гварду идемпотентности не нужно
// знать про движок хранения.
type InsertResult int

const (
	// Inserted запись создана
	Inserted InsertResult = iota
	// AlreadyExists запись с таким уникальным ключом уже была
	AlreadyExists
)

// TxManager выполняет функцию внутри одной атомарной транзакции.
// Вложенный вызов WithinTx присоединяется к уже открытой транзакции.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SubscriptionRepository интерфейс репозитория подписок
type SubscriptionRepository interface {
	// GetByExternalID возвращает подписку по внешнему ID провайдера
	GetByExternalID(ctx context.Context, externalID string) (domain.Subscription, error)

	// GetByWorkspaceID возвращает подписки воркспейса
	GetByWorkspaceID(ctx context.Context, workspaceID uuid.UUID) ([]domain.Subscription, error)

	// Upsert атомарно создает подписку или обновляет поля существующей
	// по уникальному внешнему ID. Версия при создании равна 0 и upsert-ом
	// не меняется.
	Upsert(ctx context.Context, sub domain.Subscription) (domain.Subscription, error)

	// UpdateVersioned записывает новые поля при совпадении версии,
	// увеличивая ее на 1. Возвращает ErrVersionConflict, если строка
	// с ожидаемой версией не найдена.
	UpdateVersioned(ctx context.Context, sub domain.Subscription, expectedVersion int64) error

	// MarkCanceled безусловно переводит подписку в canceled
	MarkCanceled(ctx context.Context, externalID string, canceledAt time.Time) error
}

// LedgerRepository интерфейс append-only леджера кредитов
type LedgerRepository interface {
	// InsertUnique вставляет запись под уникальностью
	// (reference_id, reference_type, type)
	InsertUnique(ctx context.Context, tx domain.CreditTransaction) (InsertResult, error)

	// GetByReference возвращает запись по ссылке на причинное событие
	GetByReference(ctx context.Context, referenceID, referenceType string, txType domain.CreditTransactionType) (domain.CreditTransaction, error)

	// ListByWorkspace возвращает записи воркспейса в порядке коммита
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]domain.CreditTransaction, error)
}

// WorkspaceRepository интерфейс репозитория воркспейсов
type WorkspaceRepository interface {
	// GetByID возвращает воркспейс по ID
	GetByID(ctx context.Context, id uuid.UUID) (domain.Workspace, error)

	// GetForUpdate возвращает воркспейс, удерживая блокировку строки
	// до конца объемлющей транзакции
	GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Workspace, error)

	// SetBalance записывает денормализованный баланс кредитов
	SetBalance(ctx context.Context, id uuid.UUID, balance int64) error

	// MarkTrialUsed выставляет одноразовые флаги триала воркспейсу
	// и его владельцу
	MarkTrialUsed(ctx context.Context, workspaceID, ownerUserID uuid.UUID) error

	// Create создает воркспейс
	Create(ctx context.Context, ws domain.Workspace) (domain.Workspace, error)
}

// InvoiceRepository интерфейс репозитория инвойсов
type InvoiceRepository interface {
	// Upsert атомарно создает или обновляет инвойс по внешнему ID
	Upsert(ctx context.Context, inv domain.Invoice) (domain.Invoice, error)

	// GetByExternalID возвращает инвойс по внешнему ID
	GetByExternalID(ctx context.Context, externalID string) (domain.Invoice, error)
}

// WebhookEventRepository интерфейс журнала вебхук-событий
type WebhookEventRepository interface {
	// CreateUnique создает журнальную запись; AlreadyExists при повторной
	// доставке того же внешнего ID
	CreateUnique(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, InsertResult, error)

	// Update обновляет статус обработки записи
	Update(ctx context.Context, event domain.WebhookEvent) error

	// GetByID возвращает запись по внутреннему ID
	GetByID(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error)

	// List возвращает записи, новые в начале
	List(ctx context.Context, limit, offset int) ([]domain.WebhookEvent, error)
}

// AuditRepository интерфейс append-only аудита исключительных событий
type AuditRepository interface {
	// Append добавляет аудит-запись
	Append(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error)

	// ListByWorkspace возвращает аудит-записи воркспейса
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]domain.AuditRecord, error)
}
