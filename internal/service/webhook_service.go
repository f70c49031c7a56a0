package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/internal/integration/stripe"
	"github.com/Dhoini/Billing-service/internal/kafka"
	"github.com/Dhoini/Billing-service/internal/metrics"
	"github.com/Dhoini/Billing-service/internal/repository"
	"github.com/Dhoini/Billing-service/pkg/logger"

	"github.com/google/uuid"
	stripego "github.com/stripe/stripe-go/v78"
)

// WebhookService оркестрирует обработку вебхук-событий: журналирование
// доставки, маршрутизацию по виду события и границу ошибок.
type WebhookService interface {
	// ProcessEvent обрабатывает верифицированное событие провайдера.
	// Ошибка бизнес-обработки возвращается наверх, но доставка при этом
	// уже зажурналирована и помечена failed.
	ProcessEvent(ctx context.Context, event stripego.Event, payload []byte) error

	// RetryEvent повторно обрабатывает сохраненное событие из журнала
	RetryEvent(ctx context.Context, id uuid.UUID) error

	// GetEvents возвращает журнал доставок, новые в начале
	GetEvents(ctx context.Context, limit, offset int) ([]domain.WebhookEvent, error)

	// GetEventByID возвращает журнальную запись по внутреннему ID
	GetEventByID(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error)
}

type webhookService struct {
	eventRepo        repository.WebhookEventRepository
	invoiceRepo      repository.InvoiceRepository
	subscriptionRepo repository.SubscriptionRepository
	auditRepo        repository.AuditRepository
	ledgerRepo       repository.LedgerRepository
	normalizer       *stripe.Normalizer
	reconciler       ReconcilerService
	ledger           LedgerService
	notifier         Notifier
	producer         kafka.Producer // nil, если Kafka недоступна
	metrics          metrics.WebhookMetrics
	planCredits      map[string]int64 // Сколько кредитов дает период плана
	log              *logger.Logger
}

// NewWebhookService создает новый сервис обработки вебхуков
func NewWebhookService(
	eventRepo repository.WebhookEventRepository,
	invoiceRepo repository.InvoiceRepository,
	subscriptionRepo repository.SubscriptionRepository,
	auditRepo repository.AuditRepository,
	ledgerRepo repository.LedgerRepository,
	normalizer *stripe.Normalizer,
	reconciler ReconcilerService,
	ledger LedgerService,
	notifier Notifier,
	producer kafka.Producer,
	webhookMetrics metrics.WebhookMetrics,
	planCredits map[string]int64,
	log *logger.Logger,
) WebhookService {
	return &webhookService{
		eventRepo:        eventRepo,
		invoiceRepo:      invoiceRepo,
		subscriptionRepo: subscriptionRepo,
		auditRepo:        auditRepo,
		ledgerRepo:       ledgerRepo,
		normalizer:       normalizer,
		reconciler:       reconciler,
		ledger:           ledger,
		notifier:         notifier,
		producer:         producer,
		metrics:          webhookMetrics,
		planCredits:      planCredits,
		log:              log,
	}
}

// ProcessEvent журналирует доставку и обрабатывает событие.
// Повторная доставка уже обработанного события является no-op.
func (s *webhookService) ProcessEvent(ctx context.Context, event stripego.Event, payload []byte) error {
	rec := domain.WebhookEvent{
		ID:         uuid.New(),
		ExternalID: event.ID,
		Type:       string(event.Type),
		Status:     domain.WebhookEventStatusPending,
		Payload:    payload,
	}

	rec, insertResult, err := s.eventRepo.CreateUnique(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if insertResult == repository.AlreadyExists && rec.Status == domain.WebhookEventStatusProcessed {
		// Уже успешно обработано: подтверждаем без повторной работы
		s.log.Infow("Duplicate delivery of processed event, acknowledged", "eventID", event.ID, "eventType", event.Type)
		s.metrics.IncDuplicate(string(event.Type))
		return nil
	}
	if insertResult == repository.AlreadyExists {
		// Прошлая обработка не дошла до processed: редоставка провайдера
		// дает событию еще один шанс, гвард идемпотентности ниже защищает
		// от двойных побочных эффектов
		s.log.Infow("Redelivery of unprocessed event, reprocessing", "eventID", event.ID, "status", rec.Status)
	}

	return s.process(ctx, rec, event)
}

// RetryEvent повторяет обработку события из журнала по запросу оператора
func (s *webhookService) RetryEvent(ctx context.Context, id uuid.UUID) error {
	rec, err := s.eventRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if len(rec.Payload) == 0 {
		return fmt.Errorf("%w: stored payload is empty", domain.ErrInvalidInput)
	}

	event, err := s.normalizer.Parse(rec.Payload)
	if err != nil {
		return err
	}

	s.log.Infow("Retrying webhook event", "id", id, "eventID", rec.ExternalID, "eventType", rec.Type)
	return s.process(ctx, rec, event)
}

// GetEvents возвращает страницу журнала доставок
func (s *webhookService) GetEvents(ctx context.Context, limit, offset int) ([]domain.WebhookEvent, error) {
	return s.eventRepo.List(ctx, limit, offset)
}

// GetEventByID возвращает журнальную запись
func (s *webhookService) GetEventByID(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error) {
	rec, err := s.eventRepo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.WebhookEvent{}, domain.ErrNotFound
	}
	return rec, err
}

// process нормализует, маршрутизирует и фиксирует исход в журнале
func (s *webhookService) process(ctx context.Context, rec domain.WebhookEvent, event stripego.Event) error {
	rec.AttemptCount++
	now := time.Now()
	rec.LastAttempt = &now

	normalized, err := s.normalizer.Normalize(event)
	if err == nil {
		err = s.dispatch(ctx, normalized)
	}

	if err != nil {
		rec.Status = domain.WebhookEventStatusFailed
		rec.ErrorMessage = err.Error()
		if updErr := s.eventRepo.Update(ctx, rec); updErr != nil {
			s.log.Errorw("Failed to update webhook event log", "error", updErr, "eventID", rec.ExternalID)
		}
		s.metrics.IncFailed(rec.Type)
		s.log.Errorw("Webhook event processing failed", "error", err, "eventID", rec.ExternalID, "eventType", rec.Type, "attempt", rec.AttemptCount)
		return err
	}

	processedAt := time.Now()
	rec.Status = domain.WebhookEventStatusProcessed
	rec.ErrorMessage = ""
	rec.ProcessedAt = &processedAt
	if updErr := s.eventRepo.Update(ctx, rec); updErr != nil {
		s.log.Errorw("Failed to update webhook event log", "error", updErr, "eventID", rec.ExternalID)
	}
	s.metrics.IncProcessed(rec.Type)
	s.log.Infow("Webhook event processed", "eventID", rec.ExternalID, "eventType", rec.Type, "kind", normalized.Kind)
	return nil
}

// dispatch маршрутизирует нормализованное событие к обработчику
func (s *webhookService) dispatch(ctx context.Context, ev *domain.Event) error {
	switch ev.Kind {
	case domain.EventCheckoutCompleted:
		return s.handleCheckout(ctx, ev)
	case domain.EventInvoiceCreated, domain.EventInvoiceFinalized:
		_, err := s.upsertInvoice(ctx, ev.Invoice)
		return err
	case domain.EventInvoicePaymentSucceeded:
		return s.handleInvoicePaid(ctx, ev)
	case domain.EventInvoicePaymentFailed:
		return s.handleInvoiceFailed(ctx, ev)
	case domain.EventSubscriptionCreated:
		sub, err := s.reconciler.ApplyCreated(ctx, ev.Subscription)
		if err != nil {
			return err
		}
		s.publish(kafka.TopicSubscriptionUpdated, sub.ExternalID, sub)
		return nil
	case domain.EventSubscriptionUpdated:
		sub, err := s.reconciler.ApplyUpdated(ctx, ev.Subscription)
		if err != nil {
			return err
		}
		s.publish(kafka.TopicSubscriptionUpdated, sub.ExternalID, sub)
		return nil
	case domain.EventSubscriptionDeleted:
		canceledAt := ev.CreatedAt
		if ev.Subscription.CanceledAt != nil {
			canceledAt = *ev.Subscription.CanceledAt
		}
		if err := s.reconciler.ApplyDeleted(ctx, ev.Subscription.ExternalID, canceledAt); err != nil {
			return err
		}
		s.publish(kafka.TopicSubscriptionUpdated, ev.Subscription.ExternalID, ev.Subscription)
		return nil
	case domain.EventPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, ev)
	case domain.EventChargeRefunded:
		_, _, err := s.ledger.Refund(ctx, ev.Refund)
		return err
	case domain.EventDisputeCreated:
		return s.handleDispute(ctx, ev)
	case domain.EventIgnored:
		s.log.Debugw("Ignored event acknowledged", "eventID", ev.ExternalID, "providerType", ev.ProviderType)
		return nil
	default:
		s.log.Warnw("Unhandled event kind acknowledged", "eventID", ev.ExternalID, "kind", ev.Kind)
		return nil
	}
}

// handleCheckout применяет завершенную checkout-сессию: подписку через
// реконсилятор, разовую покупку кредитов через леджер.
func (s *webhookService) handleCheckout(ctx context.Context, ev *domain.Event) error {
	info := ev.Checkout

	if info.ExternalSubscriptionID != "" {
		sub, err := s.reconciler.ApplyCheckout(ctx, info)
		if err != nil {
			return err
		}
		s.publish(kafka.TopicSubscriptionUpdated, sub.ExternalID, sub)
	}

	// Платежный режим: кредиты начисляются сразу, ключом
	// идемпотентности служит ID платежа
	if info.Mode == "payment" && info.PaymentIntentID != "" && info.CreditAmount > 0 {
		tx, applied, err := s.ledger.Allocate(ctx, AllocateInput{
			WorkspaceID:   info.WorkspaceID,
			Amount:        info.CreditAmount,
			Type:          domain.CreditTransactionPurchase,
			Description:   fmt.Sprintf("Credit purchase via checkout %s", info.SessionID),
			ReferenceID:   info.PaymentIntentID,
			ReferenceType: domain.ReferencePaymentIntent,
		})
		if err != nil {
			return err
		}
		if applied {
			s.metrics.ObserveCreditsGranted(float64(tx.Amount), string(tx.Type))
			s.publish(kafka.TopicCreditsGranted, tx.WorkspaceID.String(), tx)
		}
	}
	return nil
}

// handleInvoicePaid зеркалирует инвойс и начисляет кредиты периода подписки
func (s *webhookService) handleInvoicePaid(ctx context.Context, ev *domain.Event) error {
	inv, err := s.upsertInvoice(ctx, ev.Invoice)
	if err != nil {
		return err
	}
	if inv.SubscriptionExternalID == "" {
		// Инвойс без подписки: начислять нечего
		return nil
	}

	sub, err := s.subscriptionRepo.GetByExternalID(ctx, inv.SubscriptionExternalID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s (invoice %s)", domain.ErrSubscriptionNotFound, inv.SubscriptionExternalID, inv.ExternalID)
	}
	if err != nil {
		return fmt.Errorf("failed to read subscription: %w", err)
	}

	// Размер начисления берем из конфигурации плана, иначе оплаченная
	// сумма в минорных единицах
	credits := s.planCredits[sub.PlanID]
	if credits <= 0 {
		credits = inv.AmountPaid
	}
	if credits <= 0 {
		return nil
	}

	tx, applied, err := s.ledger.Allocate(ctx, AllocateInput{
		WorkspaceID:   sub.WorkspaceID,
		Amount:        credits,
		Type:          domain.CreditTransactionAllocation,
		Description:   fmt.Sprintf("Subscription allocation for invoice %s", inv.ExternalID),
		ReferenceID:   inv.ExternalID,
		ReferenceType: domain.ReferenceInvoice,
	})
	if err != nil {
		return err
	}
	if applied {
		s.metrics.ObserveCreditsGranted(float64(tx.Amount), string(tx.Type))
		s.publish(kafka.TopicCreditsGranted, tx.WorkspaceID.String(), tx)
	}
	return nil
}

// handleInvoiceFailed зеркалирует инвойс и шлет best-effort уведомление
func (s *webhookService) handleInvoiceFailed(ctx context.Context, ev *domain.Event) error {
	inv, err := s.upsertInvoice(ctx, ev.Invoice)
	if err != nil {
		return err
	}

	if inv.SubscriptionExternalID != "" {
		sub, err := s.subscriptionRepo.GetByExternalID(ctx, inv.SubscriptionExternalID)
		if err == nil {
			s.notifier.NotifyPaymentFailed(ctx, sub.WorkspaceID, inv.ExternalID)
		} else {
			s.log.Warnw("Cannot notify about failed payment, subscription unknown",
				"invoiceID", inv.ExternalID, "subscriptionExternalID", inv.SubscriptionExternalID)
		}
	}
	return nil
}

// handlePaymentSucceeded начисляет кредиты за разовый платеж
func (s *webhookService) handlePaymentSucceeded(ctx context.Context, ev *domain.Event) error {
	info := ev.Payment
	if info.CreditAmount <= 0 {
		return nil
	}

	tx, applied, err := s.ledger.Allocate(ctx, AllocateInput{
		WorkspaceID:   info.WorkspaceID,
		Amount:        info.CreditAmount,
		Type:          domain.CreditTransactionPurchase,
		Description:   fmt.Sprintf("Credit purchase %s", info.PaymentIntentID),
		ReferenceID:   info.PaymentIntentID,
		ReferenceType: domain.ReferencePaymentIntent,
	})
	if err != nil {
		return err
	}
	if applied {
		s.metrics.ObserveCreditsGranted(float64(tx.Amount), string(tx.Type))
		s.publish(kafka.TopicCreditsGranted, tx.WorkspaceID.String(), tx)
	}
	return nil
}

// handleDispute оставляет аудит-запись и уведомляет об открытом диспуте.
// Воркспейс восстанавливаем по исходной покупке; если ее нет, запись
// остается без привязки.
func (s *webhookService) handleDispute(ctx context.Context, ev *domain.Event) error {
	info := ev.Dispute

	workspaceID := uuid.Nil
	if info.PaymentIntentID != "" {
		purchase, err := s.ledgerRepo.GetByReference(ctx,
			info.PaymentIntentID, domain.ReferencePaymentIntent, domain.CreditTransactionPurchase)
		if err == nil {
			workspaceID = purchase.WorkspaceID
		}
	}

	details := fmt.Sprintf("dispute %s on charge %s: %s (%s), amount %d %s",
		info.DisputeID, info.ChargeID, info.Reason, info.Status, info.Amount, info.Currency)

	rec := domain.AuditRecord{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Kind:        domain.AuditDisputeOpened,
		ReferenceID: info.DisputeID,
		Details:     details,
	}
	if _, err := s.auditRepo.Append(ctx, rec); err != nil {
		return fmt.Errorf("failed to append dispute audit record: %w", err)
	}

	s.notifier.NotifyDispute(ctx, workspaceID, info.DisputeID, details)
	return nil
}

// upsertInvoice зеркалирует инвойс провайдера
func (s *webhookService) upsertInvoice(ctx context.Context, info *domain.InvoiceInfo) (domain.Invoice, error) {
	inv, err := s.invoiceRepo.Upsert(ctx, domain.Invoice{
		ID:                     uuid.New(),
		ExternalID:             info.ExternalID,
		SubscriptionExternalID: info.SubscriptionExternalID,
		Status:                 info.Status,
		AmountDue:              info.AmountDue,
		AmountPaid:             info.AmountPaid,
		Currency:               info.Currency,
	})
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return inv, nil
}

// publish отправляет событие в Kafka в фоне. Доставка best-effort:
// ошибка публикации логируется внутри продюсера и не влияет на обработку.
func (s *webhookService) publish(topic, key string, payload interface{}) {
	if s.producer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = s.producer.PublishEvent(ctx, topic, key, payload)
	}()
}
