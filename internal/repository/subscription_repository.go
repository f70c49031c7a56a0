package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InMemorySubscriptionRepository реализация репозитория подписок в памяти
type InMemorySubscriptionRepository struct {
	byExternalID map[string]domain.Subscription
	mutex        sync.RWMutex
	log          *logger.Logger
}

// NewInMemorySubscriptionRepository создает новый репозиторий подписок в памяти
func NewInMemorySubscriptionRepository(log *logger.Logger) *InMemorySubscriptionRepository {
	return &InMemorySubscriptionRepository{
		byExternalID: make(map[string]domain.Subscription),
		log:          log,
	}
}

// GetByExternalID возвращает подписку по внешнему ID
func (r *InMemorySubscriptionRepository) GetByExternalID(ctx context.Context, externalID string) (domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	sub, exists := r.byExternalID[externalID]
	if !exists {
		return domain.Subscription{}, ErrNotFound
	}

	return sub, nil
}

// GetByWorkspaceID возвращает подписки воркспейса
func (r *InMemorySubscriptionRepository) GetByWorkspaceID(ctx context.Context, workspaceID uuid.UUID) ([]domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var subs []domain.Subscription
	for _, sub := range r.byExternalID {
		if sub.WorkspaceID == workspaceID {
			subs = append(subs, sub)
		}
	}

	return subs, nil
}

// Upsert атомарно создает или обновляет подписку по внешнему ID
func (r *InMemorySubscriptionRepository) Upsert(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, exists := r.byExternalID[sub.ExternalID]
	if !exists {
		// Новая строка: версия всегда 0
		sub.Version = 0
		sub.CreatedAt = time.Now()
		sub.UpdatedAt = sub.CreatedAt
		r.byExternalID[sub.ExternalID] = sub
		return sub, nil
	}

	// Повторная доставка: обновляем поля на месте, не трогая версию
	sub.ID = existing.ID
	sub.Version = existing.Version
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = time.Now()
	r.byExternalID[sub.ExternalID] = sub

	return sub, nil
}

// UpdateVersioned обновляет подписку при совпадении версии
func (r *InMemorySubscriptionRepository) UpdateVersioned(ctx context.Context, sub domain.Subscription, expectedVersion int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, exists := r.byExternalID[sub.ExternalID]
	if !exists || existing.Version != expectedVersion {
		return ErrVersionConflict
	}

	sub.ID = existing.ID
	sub.Version = expectedVersion + 1
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = time.Now()
	r.byExternalID[sub.ExternalID] = sub

	return nil
}

// MarkCanceled безусловно отменяет подписку
func (r *InMemorySubscriptionRepository) MarkCanceled(ctx context.Context, externalID string, canceledAt time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, exists := r.byExternalID[externalID]
	if !exists {
		return ErrNotFound
	}

	existing.Status = domain.SubscriptionStatusCanceled
	existing.CancelAtPeriodEnd = false
	existing.CanceledAt = &canceledAt
	existing.Version++
	existing.UpdatedAt = time.Now()
	r.byExternalID[externalID] = existing

	return nil
}

// PostgresSubscriptionRepository реализация репозитория подписок через PostgreSQL
type PostgresSubscriptionRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresSubscriptionRepository создает новый репозиторий подписок через PostgreSQL
func NewPostgresSubscriptionRepository(pool *pgxpool.Pool, log *logger.Logger) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{
		pool: pool,
		log:  log,
	}
}

const subscriptionColumns = `
	id, workspace_id, plan_id, external_id, external_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end,
	canceled_at, trial_end, version, created_at, updated_at
`

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var sub domain.Subscription
	var status string

	err := row.Scan(
		&sub.ID,
		&sub.WorkspaceID,
		&sub.PlanID,
		&sub.ExternalID,
		&sub.ExternalCustomerID,
		&status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.TrialEnd,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return domain.Subscription{}, err
	}

	// Статус в БД всегда из закрытого множества, но на всякий случай
	// прогоняем через парсер
	sub.Status, _ = domain.ParseSubscriptionStatus(status)

	return sub, nil
}

// GetByExternalID возвращает подписку по внешнему ID из базы данных
func (r *PostgresSubscriptionRepository) GetByExternalID(ctx context.Context, externalID string) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE external_id = $1`

	sub, err := scanSubscription(queryEngine(ctx, r.pool).QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

// GetByWorkspaceID возвращает подписки воркспейса из базы данных
func (r *PostgresSubscriptionRepository) GetByWorkspaceID(ctx context.Context, workspaceID uuid.UUID) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE workspace_id = $1 ORDER BY created_at DESC`

	rows, err := queryEngine(ctx, r.pool).Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subs, nil
}

// Upsert атомарно создает или обновляет подписку по внешнему ID.
// ON CONFLICT не трогает version: счетчик меняется только условными
// обновлениями и отменой.
func (r *PostgresSubscriptionRepository) Upsert(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	query := `
		INSERT INTO subscriptions (
			id, workspace_id, plan_id, external_id, external_customer_id, status,
			current_period_start, current_period_end, cancel_at_period_end,
			canceled_at, trial_end, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $12
		)
		ON CONFLICT (external_id) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			plan_id = EXCLUDED.plan_id,
			external_customer_id = EXCLUDED.external_customer_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			trial_end = EXCLUDED.trial_end,
			updated_at = EXCLUDED.updated_at
		RETURNING id, version, created_at, updated_at
	`

	err := queryEngine(ctx, r.pool).QueryRow(
		ctx,
		query,
		sub.ID,
		sub.WorkspaceID,
		sub.PlanID,
		sub.ExternalID,
		sub.ExternalCustomerID,
		string(sub.Status),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.TrialEnd,
		time.Now(),
	).Scan(
		&sub.ID,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	if err != nil {
		return domain.Subscription{}, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return sub, nil
}

// UpdateVersioned обновляет подписку при совпадении версии в базе данных
func (r *PostgresSubscriptionRepository) UpdateVersioned(ctx context.Context, sub domain.Subscription, expectedVersion int64) error {
	query := `
		UPDATE subscriptions
		SET
			plan_id = $1,
			status = $2,
			current_period_start = $3,
			current_period_end = $4,
			cancel_at_period_end = $5,
			canceled_at = $6,
			trial_end = $7,
			version = version + 1,
			updated_at = $8
		WHERE external_id = $9 AND version = $10
	`

	result, err := queryEngine(ctx, r.pool).Exec(
		ctx,
		query,
		sub.PlanID,
		string(sub.Status),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.TrialEnd,
		time.Now(),
		sub.ExternalID,
		expectedVersion,
	)

	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Либо строки нет, либо версия устарела: для вызывающего это
		// один и тот же сигнал конкурентного обновления
		return ErrVersionConflict
	}

	return nil
}

// MarkCanceled безусловно отменяет подписку в базе данных
func (r *PostgresSubscriptionRepository) MarkCanceled(ctx context.Context, externalID string, canceledAt time.Time) error {
	query := `
		UPDATE subscriptions
		SET
			status = $1,
			cancel_at_period_end = FALSE,
			canceled_at = $2,
			version = version + 1,
			updated_at = $3
		WHERE external_id = $4
	`

	result, err := queryEngine(ctx, r.pool).Exec(
		ctx,
		query,
		string(domain.SubscriptionStatusCanceled),
		canceledAt,
		time.Now(),
		externalID,
	)

	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
