package domain

import "errors"

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrInternal внутренняя ошибка
	ErrInternal = errors.New("internal error")

	// ErrVersionConflict конкурентное обновление подписки не прошло проверку версии
	ErrVersionConflict = errors.New("subscription version conflict")

	// ErrInsufficientCredits списание уводит баланс воркспейса в минус
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrWorkspaceNotFound воркспейс не найден
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrSubscriptionNotFound подписка не найдена
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrWebhookValidationFailed не удалось проверить подпись вебхука
	ErrWebhookValidationFailed = errors.New("webhook validation failed")

	// ErrMissingEventField в событии провайдера отсутствует структурно обязательное поле
	ErrMissingEventField = errors.New("required event field is missing")
)
