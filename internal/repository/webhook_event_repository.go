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

// InMemoryWebhookEventRepository реализация журнала вебхук-событий в памяти
type InMemoryWebhookEventRepository struct {
	events       map[uuid.UUID]domain.WebhookEvent
	byExternalID map[string]uuid.UUID
	mutex        sync.RWMutex
	log          *logger.Logger
}

// NewInMemoryWebhookEventRepository создает новый журнал вебхук-событий в памяти
func NewInMemoryWebhookEventRepository(log *logger.Logger) *InMemoryWebhookEventRepository {
	return &InMemoryWebhookEventRepository{
		events:       make(map[uuid.UUID]domain.WebhookEvent),
		byExternalID: make(map[string]uuid.UUID),
		log:          log,
	}
}

// CreateUnique создает журнальную запись, AlreadyExists при дубликате
func (r *InMemoryWebhookEventRepository) CreateUnique(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, InsertResult, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if existingID, exists := r.byExternalID[event.ExternalID]; exists {
		return r.events[existingID], AlreadyExists, nil
	}

	event.CreatedAt = time.Now()
	event.UpdatedAt = event.CreatedAt
	r.events[event.ID] = event
	r.byExternalID[event.ExternalID] = event.ID

	return event, Inserted, nil
}

// Update обновляет журнальную запись
func (r *InMemoryWebhookEventRepository) Update(ctx context.Context, event domain.WebhookEvent) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.events[event.ID]; !exists {
		return ErrNotFound
	}

	event.UpdatedAt = time.Now()
	r.events[event.ID] = event

	return nil
}

// GetByID возвращает журнальную запись по ID
func (r *InMemoryWebhookEventRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	event, exists := r.events[id]
	if !exists {
		return domain.WebhookEvent{}, ErrNotFound
	}

	return event, nil
}

// List возвращает журнальные записи, новые в начале
func (r *InMemoryWebhookEventRepository) List(ctx context.Context, limit, offset int) ([]domain.WebhookEvent, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	events := make([]domain.WebhookEvent, 0, len(r.events))
	for _, event := range r.events {
		events = append(events, event)
	}

	// Сортируем события по времени создания (новые в начале)
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})

	// Применяем пагинацию
	if offset >= len(events) {
		return []domain.WebhookEvent{}, nil
	}

	end := offset + limit
	if limit <= 0 || end > len(events) {
		end = len(events)
	}

	return events[offset:end], nil
}

// PostgresWebhookEventRepository реализация журнала вебхук-событий через PostgreSQL
type PostgresWebhookEventRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresWebhookEventRepository создает новый журнал вебхук-событий через PostgreSQL
func NewPostgresWebhookEventRepository(pool *pgxpool.Pool, log *logger.Logger) *PostgresWebhookEventRepository {
	return &PostgresWebhookEventRepository{
		pool: pool,
		log:  log,
	}
}

const webhookEventColumns = `
	id, external_id, type, status, payload, error_message,
	attempt_count, processed_at, last_attempt, created_at, updated_at
`

func scanWebhookEvent(row pgx.Row) (domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	var status string

	err := row.Scan(
		&event.ID,
		&event.ExternalID,
		&event.Type,
		&status,
		&event.Payload,
		&event.ErrorMessage,
		&event.AttemptCount,
		&event.ProcessedAt,
		&event.LastAttempt,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return domain.WebhookEvent{}, err
	}

	event.Status = domain.WebhookEventStatus(status)

	return event, nil
}

// CreateUnique создает журнальную запись в базе данных.
// При дубликате внешнего ID возвращает уже существующую запись.
func (r *PostgresWebhookEventRepository) CreateUnique(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, InsertResult, error) {
	query := `
		INSERT INTO webhook_events (
			id, external_id, type, status, payload, error_message,
			attempt_count, processed_at, last_attempt, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10
		)
	`

	_, err := queryEngine(ctx, r.pool).Exec(
		ctx,
		query,
		event.ID,
		event.ExternalID,
		event.Type,
		string(event.Status),
		event.Payload,
		event.ErrorMessage,
		event.AttemptCount,
		event.ProcessedAt,
		event.LastAttempt,
		time.Now(),
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			existing, getErr := r.getByExternalID(ctx, event.ExternalID)
			if getErr != nil {
				return domain.WebhookEvent{}, AlreadyExists, getErr
			}
			return existing, AlreadyExists, nil
		}
		return domain.WebhookEvent{}, Inserted, fmt.Errorf("failed to create webhook event: %w", err)
	}

	return event, Inserted, nil
}

func (r *PostgresWebhookEventRepository) getByExternalID(ctx context.Context, externalID string) (domain.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE external_id = $1`

	event, err := scanWebhookEvent(queryEngine(ctx, r.pool).QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WebhookEvent{}, ErrNotFound
		}
		return domain.WebhookEvent{}, fmt.Errorf("failed to get webhook event: %w", err)
	}

	return event, nil
}

// Update обновляет журнальную запись в базе данных
func (r *PostgresWebhookEventRepository) Update(ctx context.Context, event domain.WebhookEvent) error {
	query := `
		UPDATE webhook_events
		SET
			status = $1,
			error_message = $2,
			attempt_count = $3,
			processed_at = $4,
			last_attempt = $5,
			updated_at = $6
		WHERE id = $7
	`

	result, err := queryEngine(ctx, r.pool).Exec(
		ctx,
		query,
		string(event.Status),
		event.ErrorMessage,
		event.AttemptCount,
		event.ProcessedAt,
		event.LastAttempt,
		time.Now(),
		event.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// GetByID возвращает журнальную запись по ID из базы данных
func (r *PostgresWebhookEventRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE id = $1`

	event, err := scanWebhookEvent(queryEngine(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WebhookEvent{}, ErrNotFound
		}
		return domain.WebhookEvent{}, fmt.Errorf("failed to get webhook event: %w", err)
	}

	return event, nil
}

// List возвращает журнальные записи из базы данных, новые в начале
func (r *PostgresWebhookEventRepository) List(ctx context.Context, limit, offset int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := queryEngine(ctx, r.pool).Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}

	return events, nil
}
