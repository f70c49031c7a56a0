package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Префикс ключей баланса воркспейсов
	balanceKeyPrefix = "workspace_balance:"

	// TTL для кэша
	defaultCacheTTL = 5 * time.Minute
)

// RedisCacheRepository кеширует балансы воркспейсов для читающего API.
// Источник истины всегда БД: кеш инвалидируется на каждой записи леджера,
// а его недоступность не ломает обработку.
type RedisCacheRepository struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return &RedisCacheRepository{
		client: client,
		log:    log,
	}, nil
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

// CacheBalance кеширует баланс воркспейса
func (r *RedisCacheRepository) CacheBalance(ctx context.Context, workspaceID uuid.UUID, balance int64) error {
	key := fmt.Sprintf("%s%s", balanceKeyPrefix, workspaceID)

	if err := r.client.Set(ctx, key, balance, defaultCacheTTL).Err(); err != nil {
		r.log.Errorw("Failed to cache workspace balance", "error", err, "workspaceID", workspaceID)
		return fmt.Errorf("failed to cache balance: %w", err)
	}

	r.log.Debugw("Workspace balance cached", "workspaceID", workspaceID, "balance", balance)
	return nil
}

// GetCachedBalance возвращает баланс из кеша.
// Второй результат false, если ключа нет или кеш недоступен.
func (r *RedisCacheRepository) GetCachedBalance(ctx context.Context, workspaceID uuid.UUID) (int64, bool) {
	key := fmt.Sprintf("%s%s", balanceKeyPrefix, workspaceID)

	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			r.log.Errorw("Error getting balance from Redis", "error", err, "workspaceID", workspaceID)
		}
		return 0, false
	}

	balance, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		r.log.Errorw("Failed to parse cached balance", "error", err, "workspaceID", workspaceID)
		return 0, false
	}

	return balance, true
}

// InvalidateBalance удаляет баланс воркспейса из кеша
func (r *RedisCacheRepository) InvalidateBalance(ctx context.Context, workspaceID uuid.UUID) error {
	key := fmt.Sprintf("%s%s", balanceKeyPrefix, workspaceID)

	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.log.Errorw("Failed to invalidate balance cache", "error", err, "workspaceID", workspaceID)
		return fmt.Errorf("failed to invalidate balance cache: %w", err)
	}

	r.log.Debugw("Workspace balance cache invalidated", "workspaceID", workspaceID)
	return nil
}
