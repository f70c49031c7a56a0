package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/internal/repository"
	"github.com/Dhoini/Billing-service/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	// Бюджет попыток на одно событие при конкурентном обновлении подписки
	updateMaxAttempts = 3

	// Базовая задержка между попытками, удваивается на каждой попытке
	updateBaseDelay = 100 * time.Millisecond
)

// ReconcilerService применяет события жизненного цикла подписки.
type ReconcilerService interface {
	// ApplyCheckout создает или обновляет подписку по завершенной
	// checkout-сессии. Триальные флаги воркспейса и владельца выставляются
	// в той же транзакции.
	ApplyCheckout(ctx context.Context, info *domain.CheckoutInfo) (domain.Subscription, error)

	// ApplyCreated применяет customer.subscription.created
	ApplyCreated(ctx context.Context, info *domain.SubscriptionInfo) (domain.Subscription, error)

	// ApplyUpdated применяет customer.subscription.updated через
	// оптимистичную блокировку с ограниченным числом повторов
	ApplyUpdated(ctx context.Context, info *domain.SubscriptionInfo) (domain.Subscription, error)

	// ApplyDeleted безусловно переводит подписку в canceled
	ApplyDeleted(ctx context.Context, externalID string, canceledAt time.Time) error
}

type reconcilerService struct {
	subscriptionRepo repository.SubscriptionRepository
	workspaceRepo    repository.WorkspaceRepository
	txManager        repository.TxManager
	log              *logger.Logger
}

// NewReconcilerService создает новый сервис согласования подписок
func NewReconcilerService(
	subscriptionRepo repository.SubscriptionRepository,
	workspaceRepo repository.WorkspaceRepository,
	txManager repository.TxManager,
	log *logger.Logger,
) ReconcilerService {
	return &reconcilerService{
		subscriptionRepo: subscriptionRepo,
		workspaceRepo:    workspaceRepo,
		txManager:        txManager,
		log:              log,
	}
}

// ApplyCheckout создает подписку по checkout-сессии. Повторная доставка того же
// события безопасна: upsert по внешнему ID атомарен и сходится к тому же состоянию.
func (s *reconcilerService) ApplyCheckout(ctx context.Context, info *domain.CheckoutInfo) (domain.Subscription, error) {
	s.log.Debug("Applying checkout for subscription: %s, workspace: %s", info.ExternalSubscriptionID, info.WorkspaceID)

	if info.ExternalSubscriptionID == "" {
		return domain.Subscription{}, fmt.Errorf("%w: external subscription id", domain.ErrMissingEventField)
	}

	sub := domain.Subscription{
		ID:                 uuid.New(),
		WorkspaceID:        info.WorkspaceID,
		PlanID:             info.PlanID,
		ExternalID:         info.ExternalSubscriptionID,
		ExternalCustomerID: info.ExternalCustomerID,
		Status:             domain.SubscriptionStatusActive,
		TrialEnd:           info.TrialEnd,
	}
	if info.TrialEnd != nil {
		sub.Status = domain.SubscriptionStatusTrialing
	}

	var result domain.Subscription
	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.subscriptionRepo.Upsert(ctx, sub)
		if err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}

		// Триальный флаг живет в одной транзакции с подпиской: воркспейс
		// не может оказаться помеченным без строки подписки и наоборот
		if info.TrialEnd != nil {
			if err := s.workspaceRepo.MarkTrialUsed(ctx, info.WorkspaceID, info.UserID); err != nil {
				return fmt.Errorf("failed to mark trial used: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("Failed to apply checkout for subscription %s: %v", info.ExternalSubscriptionID, err)
		return domain.Subscription{}, err
	}

	s.log.Infow("Checkout applied", "subscriptionExternalID", result.ExternalID, "workspaceID", result.WorkspaceID, "version", result.Version)
	return result, nil
}

// ApplyCreated применяет событие создания подписки у провайдера.
func (s *reconcilerService) ApplyCreated(ctx context.Context, info *domain.SubscriptionInfo) (domain.Subscription, error) {
	s.log.Debug("Applying subscription created: %s", info.ExternalID)

	sub := subscriptionFromInfo(info)

	var result domain.Subscription
	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.subscriptionRepo.Upsert(ctx, sub)
		if err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}

		// upsert мог сохранить воркспейс из существующей строки,
		// флаг триала выставляем по фактическому владельцу
		if info.TrialEnd != nil {
			if err := s.workspaceRepo.MarkTrialUsed(ctx, result.WorkspaceID, info.UserID); err != nil {
				return fmt.Errorf("failed to mark trial used: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("Failed to apply subscription created %s: %v", info.ExternalID, err)
		return domain.Subscription{}, err
	}

	s.log.Infow("Subscription created applied", "subscriptionExternalID", result.ExternalID, "status", result.Status)
	return result, nil
}

// ApplyUpdated читает текущую строку, накладывает поля события и пишет
// с проверкой версии. Проигравший гонку повторяет весь цикл
// чтение-изменение-запись, до трех попыток с экспоненциальной задержкой.
func (s *reconcilerService) ApplyUpdated(ctx context.Context, info *domain.SubscriptionInfo) (domain.Subscription, error) {
	s.log.Debug("Applying subscription updated: %s", info.ExternalID)

	var result domain.Subscription
	attempt := 0

	operation := func() error {
		attempt++

		current, err := s.subscriptionRepo.GetByExternalID(ctx, info.ExternalID)
		if errors.Is(err, repository.ErrNotFound) {
			// Событие updated пришло раньше created: заводим строку upsert-ом,
			// чтобы не потерять состояние при доставке вне порядка
			s.log.Warnw("Subscription not found on update, falling back to upsert", "subscriptionExternalID", info.ExternalID)
			result, err = s.subscriptionRepo.Upsert(ctx, subscriptionFromInfo(info))
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to upsert missing subscription: %w", err))
			}
			return nil
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to read subscription: %w", err))
		}

		updated := current
		applyInfo(&updated, info)

		err = s.subscriptionRepo.UpdateVersioned(ctx, updated, current.Version)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.log.Warnw("Subscription version conflict, retrying",
				"subscriptionExternalID", info.ExternalID, "expectedVersion", current.Version, "attempt", attempt)
			return err // Возвращаем ошибку, чтобы backoff сработал
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to update subscription: %w", err))
		}

		updated.Version = current.Version + 1
		result = updated
		return nil
	}

	// Настройка backoff: базовая задержка удваивается на каждой попытке,
	// без джиттера, чтобы поведение повторов было детерминированным
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = updateBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	err := backoff.Retry(operation, backoff.WithMaxRetries(bo, updateMaxAttempts-1))
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// Исчерпанный бюджет повторов означает устойчивую конкуренцию
			// за строку, событие требует ручного разбора
			s.log.Errorw("Subscription update retries exhausted", "subscriptionExternalID", info.ExternalID, "attempts", attempt)
			return domain.Subscription{}, fmt.Errorf("%w: update of %s exhausted %d attempts", domain.ErrVersionConflict, info.ExternalID, attempt)
		}
		s.log.Error("Failed to apply subscription updated %s: %v", info.ExternalID, err)
		return domain.Subscription{}, err
	}

	s.log.Infow("Subscription updated applied", "subscriptionExternalID", result.ExternalID, "version", result.Version, "status", result.Status)
	return result, nil
}

// ApplyDeleted отменяет подписку. Операция коммутативна и идемпотентна,
// проверка версии не нужна; отсутствие строки не считается ошибкой.
func (s *reconcilerService) ApplyDeleted(ctx context.Context, externalID string, canceledAt time.Time) error {
	s.log.Debug("Applying subscription deleted: %s", externalID)

	err := s.subscriptionRepo.MarkCanceled(ctx, externalID, canceledAt)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Warnw("Subscription to cancel not found, ignoring", "subscriptionExternalID", externalID)
		return nil
	}
	if err != nil {
		s.log.Error("Failed to cancel subscription %s: %v", externalID, err)
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	s.log.Infow("Subscription canceled", "subscriptionExternalID", externalID)
	return nil
}

// subscriptionFromInfo собирает строку подписки из нормализованного события
func subscriptionFromInfo(info *domain.SubscriptionInfo) domain.Subscription {
	return domain.Subscription{
		ID:                 uuid.New(),
		WorkspaceID:        info.WorkspaceID,
		PlanID:             info.PlanID,
		ExternalID:         info.ExternalID,
		ExternalCustomerID: info.ExternalCustomerID,
		Status:             info.Status,
		CurrentPeriodStart: info.CurrentPeriodStart,
		CurrentPeriodEnd:   info.CurrentPeriodEnd,
		CancelAtPeriodEnd:  info.CancelAtPeriodEnd,
		CanceledAt:         info.CanceledAt,
		TrialEnd:           info.TrialEnd,
	}
}

// applyInfo накладывает поля события на прочитанную строку.
// Провайдер является источником истины: переходы статусов не изобретаются,
// а записываются как есть.
func applyInfo(sub *domain.Subscription, info *domain.SubscriptionInfo) {
	sub.Status = info.Status
	sub.CurrentPeriodStart = info.CurrentPeriodStart
	sub.CurrentPeriodEnd = info.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = info.CancelAtPeriodEnd
	sub.CanceledAt = info.CanceledAt
	sub.TrialEnd = info.TrialEnd
	if info.PlanID != "" {
		sub.PlanID = info.PlanID
	}
	if info.ExternalCustomerID != "" {
		sub.ExternalCustomerID = info.ExternalCustomerID
	}
}
