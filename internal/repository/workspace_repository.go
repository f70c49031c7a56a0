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

// InMemoryWorkspaceRepository реализация репозитория воркспейсов в памяти
type InMemoryWorkspaceRepository struct {
	workspaces map[uuid.UUID]domain.Workspace
	userTrials map[uuid.UUID]bool
	mutex      sync.RWMutex
	log        *logger.Logger
}

// NewInMemoryWorkspaceRepository создает новый репозиторий воркспейсов в памяти
func NewInMemoryWorkspaceRepository(log *logger.Logger) *InMemoryWorkspaceRepository {
	return &InMemoryWorkspaceRepository{
		workspaces: make(map[uuid.UUID]domain.Workspace),
		userTrials: make(map[uuid.UUID]bool),
		log:        log,
	}
}

// GetByID возвращает воркспейс по ID
func (r *InMemoryWorkspaceRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Workspace, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ws, exists := r.workspaces[id]
	if !exists {
		return domain.Workspace{}, ErrNotFound
	}

	return ws, nil
}

// GetForUpdate возвращает воркспейс; эксклюзивность обеспечивает
// объемлющая in-memory транзакция
func (r *InMemoryWorkspaceRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Workspace, error) {
	return r.GetByID(ctx, id)
}

// SetBalance записывает баланс кредитов
func (r *InMemoryWorkspaceRepository) SetBalance(ctx context.Context, id uuid.UUID, balance int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	ws, exists := r.workspaces[id]
	if !exists {
		return ErrNotFound
	}

	ws.CreditBalance = balance
	ws.UpdatedAt = time.Now()
	r.workspaces[id] = ws

	return nil
}

// MarkTrialUsed выставляет флаги триала воркспейсу и владельцу
func (r *InMemoryWorkspaceRepository) MarkTrialUsed(ctx context.Context, workspaceID, ownerUserID uuid.UUID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	ws, exists := r.workspaces[workspaceID]
	if !exists {
		return ErrNotFound
	}

	ws.TrialUsed = true
	ws.UpdatedAt = time.Now()
	r.workspaces[workspaceID] = ws

	if ownerUserID != uuid.Nil {
		r.userTrials[ownerUserID] = true
	}

	return nil
}

// UserTrialUsed возвращает флаг триала пользователя (для тестов)
func (r *InMemoryWorkspaceRepository) UserTrialUsed(userID uuid.UUID) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.userTrials[userID]
}

// Create создает воркспейс
func (r *InMemoryWorkspaceRepository) Create(ctx context.Context, ws domain.Workspace) (domain.Workspace, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.workspaces[ws.ID]; exists {
		return domain.Workspace{}, ErrDuplicate
	}

	ws.CreatedAt = time.Now()
	ws.UpdatedAt = ws.CreatedAt
	r.workspaces[ws.ID] = ws

	return ws, nil
}

// PostgresWorkspaceRepository реализация репозитория воркспейсов через PostgreSQL
type PostgresWorkspaceRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresWorkspaceRepository создает новый репозиторий воркспейсов через PostgreSQL
func NewPostgresWorkspaceRepository(pool *pgxpool.Pool, log *logger.Logger) *PostgresWorkspaceRepository {
	return &PostgresWorkspaceRepository{
		pool: pool,
		log:  log,
	}
}

const workspaceColumns = `
	id, owner_user_id, name, credit_balance, trial_used, created_at, updated_at
`

func scanWorkspace(row pgx.Row) (domain.Workspace, error) {
	var ws domain.Workspace
	err := row.Scan(
		&ws.ID,
		&ws.OwnerUserID,
		&ws.Name,
		&ws.CreditBalance,
		&ws.TrialUsed,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	)
	if err != nil {
		return domain.Workspace{}, err
	}
	return ws, nil
}

// GetByID возвращает воркспейс по ID из базы данных
func (r *PostgresWorkspaceRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE id = $1`

	ws, err := scanWorkspace(queryEngine(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Workspace{}, ErrNotFound
		}
		return domain.Workspace{}, fmt.Errorf("failed to get workspace: %w", err)
	}

	return ws, nil
}

// GetForUpdate возвращает воркспейс под блокировкой строки.
// Вызывается только внутри транзакции: блокировка живет до ее конца
// и сериализует конкурентные мутации баланса.
func (r *PostgresWorkspaceRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE id = $1 FOR UPDATE`

	ws, err := scanWorkspace(queryEngine(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Workspace{}, ErrNotFound
		}
		return domain.Workspace{}, fmt.Errorf("failed to lock workspace: %w", err)
	}

	return ws, nil
}

// SetBalance записывает баланс кредитов в базе данных
func (r *PostgresWorkspaceRepository) SetBalance(ctx context.Context, id uuid.UUID, balance int64) error {
	query := `UPDATE workspaces SET credit_balance = $1, updated_at = $2 WHERE id = $3`

	result, err := queryEngine(ctx, r.pool).Exec(ctx, query, balance, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set workspace balance: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkTrialUsed выставляет флаги триала воркспейсу и владельцу в базе данных
func (r *PostgresWorkspaceRepository) MarkTrialUsed(ctx context.Context, workspaceID, ownerUserID uuid.UUID) error {
	query := `UPDATE workspaces SET trial_used = TRUE, updated_at = $1 WHERE id = $2`

	result, err := queryEngine(ctx, r.pool).Exec(ctx, query, time.Now(), workspaceID)
	if err != nil {
		return fmt.Errorf("failed to mark workspace trial: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	if ownerUserID != uuid.Nil {
		userQuery := `UPDATE users SET trial_used = TRUE, updated_at = $1 WHERE id = $2`
		if _, err := queryEngine(ctx, r.pool).Exec(ctx, userQuery, time.Now(), ownerUserID); err != nil {
			return fmt.Errorf("failed to mark user trial: %w", err)
		}
	}

	return nil
}

// Create создает воркспейс в базе данных
func (r *PostgresWorkspaceRepository) Create(ctx context.Context, ws domain.Workspace) (domain.Workspace, error) {
	query := `
		INSERT INTO workspaces (id, owner_user_id, name, credit_balance, trial_used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING created_at, updated_at
	`

	err := queryEngine(ctx, r.pool).QueryRow(
		ctx,
		query,
		ws.ID,
		ws.OwnerUserID,
		ws.Name,
		ws.CreditBalance,
		ws.TrialUsed,
		time.Now(),
	).Scan(&ws.CreatedAt, &ws.UpdatedAt)

	if err != nil {
		return domain.Workspace{}, fmt.Errorf("failed to create workspace: %w", err)
	}

	return ws, nil
}
