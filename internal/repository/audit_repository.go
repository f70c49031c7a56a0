package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InMemoryAuditRepository реализация аудита в памяти
type InMemoryAuditRepository struct {
	records []domain.AuditRecord
	mutex   sync.RWMutex
	log     *logger.Logger
}

// NewInMemoryAuditRepository создает новый аудит-репозиторий в памяти
func NewInMemoryAuditRepository(log *logger.Logger) *InMemoryAuditRepository {
	return &InMemoryAuditRepository{log: log}
}

// Append добавляет аудит-запись
func (r *InMemoryAuditRepository) Append(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec.CreatedAt = time.Now()
	r.records = append(r.records, rec)

	return rec, nil
}

// ListByWorkspace возвращает аудит-записи воркспейса
func (r *InMemoryAuditRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]domain.AuditRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var records []domain.AuditRecord
	for _, rec := range r.records {
		if rec.WorkspaceID == workspaceID {
			records = append(records, rec)
		}
	}

	if offset >= len(records) {
		return []domain.AuditRecord{}, nil
	}

	end := offset + limit
	if limit <= 0 || end > len(records) {
		end = len(records)
	}

	return records[offset:end], nil
}

// PostgresAuditRepository реализация аудита через PostgreSQL
type PostgresAuditRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresAuditRepository создает новый аудит-репозиторий через PostgreSQL
func NewPostgresAuditRepository(pool *pgxpool.Pool, log *logger.Logger) *PostgresAuditRepository {
	return &PostgresAuditRepository{
		pool: pool,
		log:  log,
	}
}

// Append добавляет аудит-запись в базу данных
func (r *PostgresAuditRepository) Append(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error) {
	query := `
		INSERT INTO audit_records (id, workspace_id, kind, reference_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := queryEngine(ctx, r.pool).QueryRow(
		ctx,
		query,
		rec.ID,
		rec.WorkspaceID,
		string(rec.Kind),
		rec.ReferenceID,
		rec.Details,
		time.Now(),
	).Scan(&rec.CreatedAt)

	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("failed to append audit record: %w", err)
	}

	return rec, nil
}

// ListByWorkspace возвращает аудит-записи воркспейса из базы данных
func (r *PostgresAuditRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, workspace_id, kind, reference_id, details, created_at
		FROM audit_records
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := queryEngine(ctx, r.pool).Query(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var kind string

		err := rows.Scan(&rec.ID, &rec.WorkspaceID, &kind, &rec.ReferenceID, &rec.Details, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		rec.Kind = domain.AuditKind(kind)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, nil
}
