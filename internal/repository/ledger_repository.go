package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Код ошибки PostgreSQL нарушения уникальности
const pgUniqueViolation = "23505"

// ledgerKey уникальный ключ записи леджера
type ledgerKey struct {
	referenceID   string
	referenceType string
	txType        domain.CreditTransactionType
}

// InMemoryLedgerRepository реализация леджера кредитов в памяти
type InMemoryLedgerRepository struct {
	byKey   map[ledgerKey]domain.CreditTransaction
	ordered []domain.CreditTransaction
	mutex   sync.RWMutex
	log     *logger.Logger
}

// NewInMemoryLedgerRepository создает новый леджер в памяти
func NewInMemoryLedgerRepository(log *logger.Logger) *InMemoryLedgerRepository {
	return &InMemoryLedgerRepository{
		byKey: make(map[ledgerKey]domain.CreditTransaction),
		log:   log,
	}
}

// InsertUnique вставляет запись леджера под уникальностью ключа ссылки
func (r *InMemoryLedgerRepository) InsertUnique(ctx context.Context, tx domain.CreditTransaction) (InsertResult, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := ledgerKey{
		referenceID:   tx.ReferenceID,
		referenceType: tx.ReferenceType,
		txType:        tx.Type,
	}

	if _, exists := r.byKey[key]; exists {
		return AlreadyExists, nil
	}

	tx.CreatedAt = time.Now()
	r.byKey[key] = tx
	r.ordered = append(r.ordered, tx)

	return Inserted, nil
}

// GetByReference возвращает запись по ссылке на причинное событие
func (r *InMemoryLedgerRepository) GetByReference(ctx context.Context, referenceID, referenceType string, txType domain.CreditTransactionType) (domain.CreditTransaction, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	tx, exists := r.byKey[ledgerKey{referenceID: referenceID, referenceType: referenceType, txType: txType}]
	if !exists {
		return domain.CreditTransaction{}, ErrNotFound
	}

	return tx, nil
}

// ListByWorkspace возвращает записи воркспейса в порядке коммита
func (r *InMemoryLedgerRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]domain.CreditTransaction, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var txs []domain.CreditTransaction
	for _, tx := range r.ordered {
		if tx.WorkspaceID == workspaceID {
			txs = append(txs, tx)
		}
	}

	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})

	// Применяем пагинацию
	if offset >= len(txs) {
		return []domain.CreditTransaction{}, nil
	}

	end := offset + limit
	if limit <= 0 || end > len(txs) {
		end = len(txs)
	}

	return txs[offset:end], nil
}

// PostgresLedgerRepository реализация леджера кредитов через PostgreSQL
type PostgresLedgerRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresLedgerRepository создает новый леджер через PostgreSQL
func NewPostgresLedgerRepository(pool *pgxpool.Pool, log *logger.Logger) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{
		pool: pool,
		log:  log,
	}
}

// InsertUnique вставляет запись леджера. Уникальный индекс по
// (reference_id, reference_type, type), это авторитетный гвард идемпотентности:
// две гонящиеся доставки одного события разруливает сама БД.
func (r *PostgresLedgerRepository) InsertUnique(ctx context.Context, tx domain.CreditTransaction) (InsertResult, error) {
	query := `
		INSERT INTO credit_transactions (
			id, workspace_id, amount, type, description,
			reference_id, reference_type, balance_before, balance_after, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (reference_id, reference_type, type) DO NOTHING
	`

	result, err := queryEngine(ctx, r.pool).Exec(
		ctx,
		query,
		tx.ID,
		tx.WorkspaceID,
		tx.Amount,
		string(tx.Type),
		tx.Description,
		tx.ReferenceID,
		tx.ReferenceType,
		tx.BalanceBefore,
		tx.BalanceAfter,
		time.Now(),
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return AlreadyExists, nil
		}
		return Inserted, fmt.Errorf("failed to insert credit transaction: %w", err)
	}

	if result.RowsAffected() == 0 {
		return AlreadyExists, nil
	}

	return Inserted, nil
}

// GetByReference возвращает запись по ссылке на причинное событие
func (r *PostgresLedgerRepository) GetByReference(ctx context.Context, referenceID, referenceType string, txType domain.CreditTransactionType) (domain.CreditTransaction, error) {
	query := `
		SELECT
			id, workspace_id, amount, type, description,
			reference_id, reference_type, balance_before, balance_after, created_at
		FROM credit_transactions
		WHERE reference_id = $1 AND reference_type = $2 AND type = $3
	`

	tx, err := scanCreditTransaction(queryEngine(ctx, r.pool).QueryRow(ctx, query, referenceID, referenceType, string(txType)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CreditTransaction{}, ErrNotFound
		}
		return domain.CreditTransaction{}, fmt.Errorf("failed to get credit transaction: %w", err)
	}

	return tx, nil
}

// ListByWorkspace возвращает записи воркспейса в порядке коммита
func (r *PostgresLedgerRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT
			id, workspace_id, amount, type, description,
			reference_id, reference_type, balance_before, balance_after, created_at
		FROM credit_transactions
		WHERE workspace_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := queryEngine(ctx, r.pool).Query(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.CreditTransaction
	for rows.Next() {
		tx, err := scanCreditTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credit transactions: %w", err)
	}

	return txs, nil
}

func scanCreditTransaction(row pgx.Row) (domain.CreditTransaction, error) {
	var tx domain.CreditTransaction
	var txType string

	err := row.Scan(
		&tx.ID,
		&tx.WorkspaceID,
		&tx.Amount,
		&txType,
		&tx.Description,
		&tx.ReferenceID,
		&tx.ReferenceType,
		&tx.BalanceBefore,
		&tx.BalanceAfter,
		&tx.CreatedAt,
	)
	if err != nil {
		return domain.CreditTransaction{}, err
	}

	tx.Type = domain.CreditTransactionType(txType)

	return tx, nil
}
