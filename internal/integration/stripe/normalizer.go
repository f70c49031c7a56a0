package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Ключи метаданных, которые дашборд проставляет при создании checkout-сессии
const (
	metadataWorkspaceID = "workspace_id"
	metadataUserID      = "user_id"
	metadataCredits     = "credits"
	metadataPlanID      = "plan_id"
)

// Normalizer переводит события Stripe в закрытое множество внутренних событий.
// Граница перевода: за пределы этого пакета не выходят ни сырые строки
// статусов провайдера, ни unix-таймстемпы, ни суммы в чем-то кроме
// минорных единиц валюты. Побочных эффектов нет.
type Normalizer struct {
	webhookSecret string // Секретный ключ для проверки подписи вебхука (whsec_...)
	log           *logger.Logger
}

// NewNormalizer создает новый нормализатор событий Stripe.
func NewNormalizer(webhookSecret string, log *logger.Logger) (*Normalizer, error) {
	if webhookSecret == "" {
		log.Errorw("Stripe webhook secret is not configured")
		return nil, errors.New("stripe webhook secret is not configured")
	}
	return &Normalizer{
		webhookSecret: webhookSecret,
		log:           log,
	}, nil
}

// VerifyAndParse проверяет подпись Stripe-Signature и парсит событие.
// Ошибка подписи, единственный случай, когда запрос провайдера отклоняется.
// Версия Stripe API в событии может отличаться от версии, закрепленной в
// SDK: подпись при этом валидна, поэтому несовпадение версий не повод
// отвечать 400.
func (n *Normalizer) VerifyAndParse(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, n.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", domain.ErrWebhookValidationFailed, err)
	}
	return event, nil
}

// Parse парсит уже верифицированное событие из сохраненного payload.
// Используется при ручном повторе обработки из лога вебхуков.
func (n *Normalizer) Parse(payload []byte) (stripe.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("failed to parse stored event payload: %w", err)
	}
	return event, nil
}

// Normalize переводит событие Stripe во внутреннее domain.Event.
// Необрабатываемые типы событий становятся EventIgnored, а не ошибкой.
// Ошибка возвращается только при структурном отсутствии обязательных полей.
func (n *Normalizer) Normalize(event stripe.Event) (*domain.Event, error) {
	out := &domain.Event{
		ExternalID:   event.ID,
		ProviderType: string(event.Type),
		CreatedAt:    time.Unix(event.Created, 0).UTC(),
	}

	switch string(event.Type) {
	case "checkout.session.completed":
		return n.normalizeCheckout(event, out)
	case "invoice.created":
		return n.normalizeInvoice(event, out, domain.EventInvoiceCreated)
	case "invoice.finalized":
		return n.normalizeInvoice(event, out, domain.EventInvoiceFinalized)
	case "invoice.payment_succeeded":
		return n.normalizeInvoice(event, out, domain.EventInvoicePaymentSucceeded)
	case "invoice.payment_failed":
		return n.normalizeInvoice(event, out, domain.EventInvoicePaymentFailed)
	case "customer.subscription.created":
		return n.normalizeSubscription(event, out, domain.EventSubscriptionCreated)
	case "customer.subscription.updated":
		return n.normalizeSubscription(event, out, domain.EventSubscriptionUpdated)
	case "customer.subscription.deleted":
		return n.normalizeSubscription(event, out, domain.EventSubscriptionDeleted)
	case "payment_intent.succeeded":
		return n.normalizePaymentIntent(event, out)
	case "charge.refunded":
		return n.normalizeChargeRefunded(event, out)
	case "charge.dispute.created":
		return n.normalizeDispute(event, out)
	default:
		n.log.Debugw("Ignored webhook event type", "eventID", event.ID, "eventType", event.Type)
		out.Kind = domain.EventIgnored
		return out, nil
	}
}

// normalizeCheckout обрабатывает checkout.session.completed
func (n *Normalizer) normalizeCheckout(event stripe.Event, out *domain.Event) (*domain.Event, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("%w: checkout session id", domain.ErrMissingEventField)
	}

	// Воркспейс обязан приходить в метаданных сессии: без него некому
	// начислять кредиты и не к кому привязать подписку
	workspaceID, err := extractUUIDFromMetadata(session.Metadata, metadataWorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMissingEventField, err)
	}

	// user_id нужен только для трайального флага, его отсутствие не фатально
	userID, _ := extractUUIDFromMetadata(session.Metadata, metadataUserID)

	info := &domain.CheckoutInfo{
		SessionID:   session.ID,
		Mode:        string(session.Mode),
		WorkspaceID: workspaceID,
		UserID:      userID,
		PlanID:      session.Metadata[metadataPlanID],
		AmountTotal: session.AmountTotal,
		Currency:    string(session.Currency),
	}
	if session.Subscription != nil {
		info.ExternalSubscriptionID = session.Subscription.ID
		if session.Subscription.TrialEnd > 0 {
			info.TrialEnd = unixTimePtr(session.Subscription.TrialEnd)
		}
	}
	if session.Customer != nil {
		info.ExternalCustomerID = session.Customer.ID
	}
	if session.PaymentIntent != nil {
		info.PaymentIntentID = session.PaymentIntent.ID
	}

	// Режим подписки обязан нести ID подписки
	if session.Mode == stripe.CheckoutSessionModeSubscription && info.ExternalSubscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription id in subscription-mode checkout", domain.ErrMissingEventField)
	}

	// Сколько кредитов дает покупка: явное значение из метаданных,
	// иначе сумма в минорных единицах как есть
	info.CreditAmount = creditsFromMetadata(session.Metadata, session.AmountTotal)

	out.Kind = domain.EventCheckoutCompleted
	out.Checkout = info
	return out, nil
}

// normalizeSubscription обрабатывает события customer.subscription.*
func (n *Normalizer) normalizeSubscription(event stripe.Event, out *domain.Event, kind domain.EventKind) (*domain.Event, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription id", domain.ErrMissingEventField)
	}

	status, recognized := domain.ParseSubscriptionStatus(string(sub.Status))
	if !recognized {
		// Консервативный дефолт: неизвестный статус считаем canceled.
		// Предупреждение остается в логах для ручного разбора.
		n.log.Warnw("Unknown subscription status from provider, mapped to canceled",
			"eventID", event.ID, "subscriptionID", sub.ID, "providerStatus", sub.Status)
	}

	info := &domain.SubscriptionInfo{
		ExternalID:         sub.ID,
		Status:             status,
		StatusRecognized:   recognized,
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		info.ExternalCustomerID = sub.Customer.ID
	}
	if sub.CanceledAt > 0 {
		info.CanceledAt = unixTimePtr(sub.CanceledAt)
	}
	if sub.TrialEnd > 0 {
		info.TrialEnd = unixTimePtr(sub.TrialEnd)
	}

	// workspace_id проставляется в метаданные подписки при создании
	// checkout-сессии; для уже известной подписки он не обязателен
	if workspaceID, err := extractUUIDFromMetadata(sub.Metadata, metadataWorkspaceID); err == nil {
		info.WorkspaceID = workspaceID
	}
	if userID, err := extractUUIDFromMetadata(sub.Metadata, metadataUserID); err == nil {
		info.UserID = userID
	}

	// План берем из первой позиции подписки, метаданные как запасной вариант
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		info.PlanID = sub.Items.Data[0].Price.ID
	}
	if info.PlanID == "" {
		info.PlanID = sub.Metadata[metadataPlanID]
	}

	out.Kind = kind
	out.Subscription = info
	return out, nil
}

// normalizeInvoice обрабатывает события invoice.*
func (n *Normalizer) normalizeInvoice(event stripe.Event, out *domain.Event, kind domain.EventKind) (*domain.Event, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("%w: invoice id", domain.ErrMissingEventField)
	}

	status, recognized := domain.ParseInvoiceStatus(string(inv.Status))
	if !recognized {
		n.log.Warnw("Unknown invoice status from provider, mapped to open",
			"eventID", event.ID, "invoiceID", inv.ID, "providerStatus", inv.Status)
	}

	info := &domain.InvoiceInfo{
		ExternalID: inv.ID,
		Status:     status,
		AmountDue:  inv.AmountDue,
		AmountPaid: inv.AmountPaid,
		Currency:   string(inv.Currency),
	}
	if inv.Subscription != nil {
		info.SubscriptionExternalID = inv.Subscription.ID
	}

	out.Kind = kind
	out.Invoice = info
	return out, nil
}

// normalizePaymentIntent обрабатывает payment_intent.succeeded
func (n *Normalizer) normalizePaymentIntent(event stripe.Event, out *domain.Event) (*domain.Event, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("%w: payment intent id", domain.ErrMissingEventField)
	}

	// Платежи по инвойсам подписок не несут кредиты сами по себе,
	// начисление идет через invoice.payment_succeeded
	if pi.Invoice != nil && pi.Invoice.ID != "" {
		n.log.Debugw("Payment intent belongs to an invoice, ignored",
			"eventID", event.ID, "paymentIntentID", pi.ID, "invoiceID", pi.Invoice.ID)
		out.Kind = domain.EventIgnored
		return out, nil
	}

	workspaceID, err := extractUUIDFromMetadata(pi.Metadata, metadataWorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMissingEventField, err)
	}

	out.Kind = domain.EventPaymentSucceeded
	out.Payment = &domain.PaymentInfo{
		PaymentIntentID: pi.ID,
		WorkspaceID:     workspaceID,
		Amount:          pi.Amount,
		CreditAmount:    creditsFromMetadata(pi.Metadata, pi.Amount),
		Currency:        string(pi.Currency),
	}
	return out, nil
}

// normalizeChargeRefunded обрабатывает charge.refunded
func (n *Normalizer) normalizeChargeRefunded(event stripe.Event, out *domain.Event) (*domain.Event, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
	}
	if charge.ID == "" {
		return nil, fmt.Errorf("%w: charge id", domain.ErrMissingEventField)
	}

	info := &domain.RefundInfo{
		ChargeID:       charge.ID,
		AmountRefunded: charge.AmountRefunded,
		Currency:       string(charge.Currency),
	}
	if charge.PaymentIntent != nil {
		info.PaymentIntentID = charge.PaymentIntent.ID
	}

	out.Kind = domain.EventChargeRefunded
	out.Refund = info
	return out, nil
}

// normalizeDispute обрабатывает charge.dispute.created
func (n *Normalizer) normalizeDispute(event stripe.Event, out *domain.Event) (*domain.Event, error) {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dispute: %w", err)
	}
	if dispute.ID == "" {
		return nil, fmt.Errorf("%w: dispute id", domain.ErrMissingEventField)
	}

	info := &domain.DisputeInfo{
		DisputeID: dispute.ID,
		Amount:    dispute.Amount,
		Currency:  string(dispute.Currency),
		Reason:    string(dispute.Reason),
		Status:    string(dispute.Status),
	}
	if dispute.Charge != nil {
		info.ChargeID = dispute.Charge.ID
	}
	if dispute.PaymentIntent != nil {
		info.PaymentIntentID = dispute.PaymentIntent.ID
	}

	out.Kind = domain.EventDisputeCreated
	out.Dispute = info
	return out, nil
}

// extractUUIDFromMetadata извлекает UUID из метаданных
func extractUUIDFromMetadata(metadata map[string]string, key string) (uuid.UUID, error) {
	if metadata == nil {
		return uuid.Nil, fmt.Errorf("metadata is nil")
	}

	valueStr, ok := metadata[key]
	if !ok || valueStr == "" {
		return uuid.Nil, fmt.Errorf("key %s not found in metadata", key)
	}

	id, err := uuid.Parse(valueStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse UUID: %w", err)
	}

	return id, nil
}

// creditsFromMetadata возвращает количество кредитов для покупки:
// явное значение из метаданных или сумма платежа в минорных единицах.
func creditsFromMetadata(metadata map[string]string, fallback int64) int64 {
	if raw, ok := metadata[metadataCredits]; ok && raw != "" {
		if credits, err := strconv.ParseInt(raw, 10, 64); err == nil && credits > 0 {
			return credits
		}
	}
	return fallback
}

func unixTimePtr(ts int64) *time.Time {
	t := time.Unix(ts, 0).UTC()
	return &t
}
