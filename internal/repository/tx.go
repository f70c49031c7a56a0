package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier общий знаменатель pgxpool.Pool и pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// queryEngine возвращает транзакцию из контекста, если она открыта,
// иначе пул соединений
func queryEngine(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// PostgresTxManager менеджер транзакций поверх pgxpool.
// Открытая транзакция кладется в контекст, и все Postgres-репозитории
// выполняют запросы через нее.
type PostgresTxManager struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresTxManager создает новый менеджер транзакций
func NewPostgresTxManager(pool *pgxpool.Pool, log *logger.Logger) *PostgresTxManager {
	return &PostgresTxManager{pool: pool, log: log}
}

// WithinTx выполняет fn в одной транзакции БД
func (m *PostgresTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	// Присоединяемся к уже открытой транзакции
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			m.log.Errorw("Failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InMemoryTxManager сериализует "транзакции" одним мьютексом.
// Используется вместе с in-memory репозиториями в тестах.
type InMemoryTxManager struct {
	mu sync.Mutex
}

// NewInMemoryTxManager создает новый in-memory менеджер транзакций
func NewInMemoryTxManager() *InMemoryTxManager {
	return &InMemoryTxManager{}
}

type memTxKey struct{}

// WithinTx выполняет fn под общим мьютексом
func (m *InMemoryTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(bool); ok {
		return fn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return fn(context.WithValue(ctx, memTxKey{}, true))
}
