package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InMemoryInvoiceRepository реализация репозитория инвойсов в памяти
type InMemoryInvoiceRepository struct {
	byExternalID map[string]domain.Invoice
	mutex        sync.RWMutex
	log          *logger.Logger
}

// NewInMemoryInvoiceRepository создает новый репозиторий инвойсов в памяти
func NewInMemoryInvoiceRepository(log *logger.Logger) *InMemoryInvoiceRepository {
	return &InMemoryInvoiceRepository{
		byExternalID: make(map[string]domain.Invoice),
		log:          log,
	}
}

// Upsert создает или обновляет инвойс по внешнему ID
func (r *InMemoryInvoiceRepository) Upsert(ctx context.Context, inv domain.Invoice) (domain.Invoice, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, exists := r.byExternalID[inv.ExternalID]
	if exists {
		inv.ID = existing.ID
		inv.CreatedAt = existing.CreatedAt
	} else {
		inv.CreatedAt = time.Now()
	}
	inv.UpdatedAt = time.Now()
	r.byExternalID[inv.ExternalID] = inv

	return inv, nil
}

// GetByExternalID возвращает инвойс по внешнему ID
func (r *InMemoryInvoiceRepository) GetByExternalID(ctx context.Context, externalID string) (domain.Invoice, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	inv, exists := r.byExternalID[externalID]
	if !exists {
		return domain.Invoice{}, ErrNotFound
	}

	return inv, nil
}

// PostgresInvoiceRepository реализация репозитория инвойсов через PostgreSQL
type PostgresInvoiceRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresInvoiceRepository создает новый репозиторий инвойсов через PostgreSQL
func NewPostgresInvoiceRepository(pool *pgxpool.Pool, log *logger.Logger) *PostgresInvoiceRepository {
	return &PostgresInvoiceRepository{
		pool: pool,
		log:  log,
	}
}

// Upsert создает или обновляет инвойс по внешнему ID в базе данных
func (r *PostgresInvoiceRepository) Upsert(ctx context.Context, inv domain.Invoice) (domain.Invoice, error) {
	query := `
		INSERT INTO invoices (
			id, external_id, subscription_external_id, status,
			amount_due, amount_paid, currency, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $8
		)
		ON CONFLICT (external_id) DO UPDATE SET
			subscription_external_id = EXCLUDED.subscription_external_id,
			status = EXCLUDED.status,
			amount_due = EXCLUDED.amount_due,
			amount_paid = EXCLUDED.amount_paid,
			currency = EXCLUDED.currency,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`

	err := queryEngine(ctx, r.pool).QueryRow(
		ctx,
		query,
		inv.ID,
		inv.ExternalID,
		inv.SubscriptionExternalID,
		string(inv.Status),
		inv.AmountDue,
		inv.AmountPaid,
		inv.Currency,
		time.Now(),
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)

	if err != nil {
		return domain.Invoice{}, fmt.Errorf("failed to upsert invoice: %w", err)
	}

	return inv, nil
}

// GetByExternalID возвращает инвойс по внешнему ID из базы данных
func (r *PostgresInvoiceRepository) GetByExternalID(ctx context.Context, externalID string) (domain.Invoice, error) {
	query := `
		SELECT
			id, external_id, subscription_external_id, status,
			amount_due, amount_paid, currency, created_at, updated_at
		FROM invoices
		WHERE external_id = $1
	`

	var inv domain.Invoice
	var status string

	err := queryEngine(ctx, r.pool).QueryRow(ctx, query, externalID).Scan(
		&inv.ID,
		&inv.ExternalID,
		&inv.SubscriptionExternalID,
		&status,
		&inv.AmountDue,
		&inv.AmountPaid,
		&inv.Currency,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Invoice{}, ErrNotFound
		}
		return domain.Invoice{}, fmt.Errorf("failed to get invoice: %w", err)
	}

	inv.Status, _ = domain.ParseInvoiceStatus(status)

	return inv, nil
}
