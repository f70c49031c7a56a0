package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Dhoini/Billing-service/internal/domain"
	stripeintegration "github.com/Dhoini/Billing-service/internal/integration/stripe"
	"github.com/Dhoini/Billing-service/internal/metrics"
	"github.com/Dhoini/Billing-service/internal/repository"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	stripego "github.com/stripe/stripe-go/v78"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookFixture struct {
	events     *repository.InMemoryWebhookEventRepository
	invoices   *repository.InMemoryInvoiceRepository
	subs       *repository.InMemorySubscriptionRepository
	workspaces *repository.InMemoryWorkspaceRepository
	ledger     *repository.InMemoryLedgerRepository
	audit      *repository.InMemoryAuditRepository
	ledgerSvc  LedgerService
	svc        WebhookService
}

func newWebhookFixture(t *testing.T, planCredits map[string]int64) *webhookFixture {
	t.Helper()
	log := testLogger(t)

	events := repository.NewInMemoryWebhookEventRepository(log)
	invoices := repository.NewInMemoryInvoiceRepository(log)
	subs := repository.NewInMemorySubscriptionRepository(log)
	workspaces := repository.NewInMemoryWorkspaceRepository(log)
	ledger := repository.NewInMemoryLedgerRepository(log)
	audit := repository.NewInMemoryAuditRepository(log)
	txManager := repository.NewInMemoryTxManager()

	normalizer, err := stripeintegration.NewNormalizer("whsec_test", log)
	require.NoError(t, err)

	reconciler := NewReconcilerService(subs, workspaces, txManager, log)
	ledgerSvc := NewLedgerService(ledger, workspaces, audit, txManager, nil, log)
	webhookMetrics := metrics.NewWebhookMetrics(prometheus.NewRegistry(), log)

	svc := NewWebhookService(events, invoices, subs, audit, ledger, normalizer,
		reconciler, ledgerSvc, NewNoopNotifier(log), nil, webhookMetrics, planCredits, log)

	return &webhookFixture{
		events:     events,
		invoices:   invoices,
		subs:       subs,
		workspaces: workspaces,
		ledger:     ledger,
		audit:      audit,
		ledgerSvc:  ledgerSvc,
		svc:        svc,
	}
}

func (f *webhookFixture) createWorkspace(t *testing.T, balance int64) domain.Workspace {
	t.Helper()
	ws, err := f.workspaces.Create(context.Background(), domain.Workspace{
		ID:            uuid.New(),
		OwnerUserID:   uuid.New(),
		CreditBalance: balance,
	})
	require.NoError(t, err)
	return ws
}

func makeEvent(eventID, eventType, raw string) (stripego.Event, []byte) {
	event := stripego.Event{
		ID:      eventID,
		Type:    stripego.EventType(eventType),
		Created: time.Now().Unix(),
		Data:    &stripego.EventData{Raw: json.RawMessage(raw)},
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"id":      eventID,
		"type":    eventType,
		"created": event.Created,
		"data":    map[string]interface{}{"object": json.RawMessage(raw)},
	})
	return event, payload
}

func TestProcessEvent_PaymentIntentGrantsCredits(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	raw := `{"id": "pi_1", "amount": 500, "currency": "usd", "metadata": {"workspace_id": "` + ws.ID.String() + `"}}`
	event, payload := makeEvent("evt_1", "payment_intent.succeeded", raw)

	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	balance, err := f.ledgerSvc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	txs, err := f.ledgerSvc.Transactions(ctx, ws.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.CreditTransactionPurchase, txs[0].Type)
	assert.Equal(t, int64(0), txs[0].BalanceBefore)
	assert.Equal(t, int64(500), txs[0].BalanceAfter)

	// Журнал доставки помечен processed
	logs, err := f.svc.GetEvents(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.WebhookEventStatusProcessed, logs[0].Status)
	assert.NotNil(t, logs[0].ProcessedAt)
}

func TestProcessEvent_DuplicateDeliveryIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	raw := `{"id": "pi_1", "amount": 500, "currency": "usd", "metadata": {"workspace_id": "` + ws.ID.String() + `"}}`
	event, payload := makeEvent("evt_1", "payment_intent.succeeded", raw)

	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))
	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	balance, err := f.ledgerSvc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	logs, err := f.svc.GetEvents(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestProcessEvent_CheckoutSubscriptionMode(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	raw := `{
		"id": "cs_1",
		"mode": "subscription",
		"subscription": "sub_1",
		"customer": "cus_1",
		"amount_total": 2900,
		"currency": "usd",
		"metadata": {"workspace_id": "` + ws.ID.String() + `", "plan_id": "price_pro"}
	}`
	event, payload := makeEvent("evt_1", "checkout.session.completed", raw)

	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	sub, err := f.subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, ws.ID, sub.WorkspaceID)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)

	// Кредиты в подписочном режиме не начисляются: они придут
	// с оплатой инвойса
	balance, err := f.ledgerSvc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestProcessEvent_CheckoutPaymentModeGrantsCredits(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	raw := `{
		"id": "cs_1",
		"mode": "payment",
		"payment_intent": "pi_1",
		"amount_total": 1500,
		"currency": "usd",
		"metadata": {"workspace_id": "` + ws.ID.String() + `"}
	}`
	event, payload := makeEvent("evt_1", "checkout.session.completed", raw)

	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	balance, err := f.ledgerSvc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)
}

func TestProcessEvent_InvoicePaidAllocatesPlanCredits(t *testing.T) {
	f := newWebhookFixture(t, map[string]int64{"price_pro": 10000})
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	_, err := f.subs.Upsert(ctx, domain.Subscription{
		ExternalID:  "sub_1",
		WorkspaceID: ws.ID,
		PlanID:      "price_pro",
		Status:      domain.SubscriptionStatusActive,
	})
	require.NoError(t, err)

	raw := `{"id": "in_1", "subscription": "sub_1", "status": "paid", "amount_due": 2900, "amount_paid": 2900, "currency": "usd"}`
	event, payload := makeEvent("evt_1", "invoice.payment_succeeded", raw)

	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	// Инвойс зеркалирован
	inv, err := f.invoices.GetByExternalID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.NotEqual(t, uuid.Nil, inv.ID)

	// Начислены кредиты плана, а не оплаченная сумма
	balance, err := f.ledgerSvc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance)

	txs, err := f.ledgerSvc.Transactions(ctx, ws.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.CreditTransactionAllocation, txs[0].Type)
	assert.Equal(t, "in_1", txs[0].ReferenceID)
	assert.Equal(t, domain.ReferenceInvoice, txs[0].ReferenceType)
}

func TestProcessEvent_InvoicePaidUnknownSubscriptionFails(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ctx := context.Background()

	raw := `{"id": "in_1", "subscription": "sub_missing", "status": "paid", "amount_due": 100, "amount_paid": 100, "currency": "usd"}`
	event, payload := makeEvent("evt_1", "invoice.payment_succeeded", raw)

	err := f.svc.ProcessEvent(ctx, event, payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)

	// Ошибка зафиксирована в журнале доставки
	logs, listErr := f.svc.GetEvents(ctx, 10, 0)
	require.NoError(t, listErr)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.WebhookEventStatusFailed, logs[0].Status)
	assert.NotEmpty(t, logs[0].ErrorMessage)
}

func TestProcessEvent_FailedEventCanBeRedelivered(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	raw := `{"id": "in_1", "subscription": "sub_1", "status": "paid", "amount_due": 100, "amount_paid": 100, "currency": "usd"}`
	event, payload := makeEvent("evt_1", "invoice.payment_succeeded", raw)

	// Первая доставка падает: подписки еще нет
	require.Error(t, f.svc.ProcessEvent(ctx, event, payload))

	_, err := f.subs.Upsert(ctx, domain.Subscription{
		ExternalID:  "sub_1",
		WorkspaceID: ws.ID,
		PlanID:      "price_basic",
		Status:      domain.SubscriptionStatusActive,
	})
	require.NoError(t, err)

	// Редоставка того же события доводит обработку до конца
	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	balance, err := f.ledgerSvc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	logs, err := f.svc.GetEvents(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.WebhookEventStatusProcessed, logs[0].Status)
	assert.Equal(t, 2, logs[0].AttemptCount)
}

func TestProcessEvent_SubscriptionLifecycle(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	createdRaw := `{
		"id": "sub_1",
		"status": "active",
		"current_period_start": 1748736000,
		"current_period_end": 1751328000,
		"metadata": {"workspace_id": "` + ws.ID.String() + `"}
	}`
	event, payload := makeEvent("evt_1", "customer.subscription.created", createdRaw)
	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	updatedRaw := `{
		"id": "sub_1",
		"status": "past_due",
		"current_period_start": 1748736000,
		"current_period_end": 1751328000
	}`
	event, payload = makeEvent("evt_2", "customer.subscription.updated", updatedRaw)
	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	sub, err := f.subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, int64(1), sub.Version)

	deletedRaw := `{"id": "sub_1", "status": "canceled", "current_period_start": 1748736000, "current_period_end": 1751328000}`
	event, payload = makeEvent("evt_3", "customer.subscription.deleted", deletedRaw)
	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	sub, err = f.subs.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, sub.Status)
	assert.NotNil(t, sub.CanceledAt)
}

func TestProcessEvent_ChargeRefunded(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	_, _, err := f.ledgerSvc.Allocate(ctx, purchaseInput(ws.ID, 1000, "pi_1"))
	require.NoError(t, err)

	raw := `{"id": "ch_1", "payment_intent": "pi_1", "amount_refunded": 1000, "currency": "usd"}`
	event, payload := makeEvent("evt_1", "charge.refunded", raw)

	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	balance, err := f.ledgerSvc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestProcessEvent_DisputeCreatesAuditRecord(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	_, _, err := f.ledgerSvc.Allocate(ctx, purchaseInput(ws.ID, 1000, "pi_1"))
	require.NoError(t, err)

	raw := `{"id": "dp_1", "charge": "ch_1", "payment_intent": "pi_1", "amount": 1000, "currency": "usd", "reason": "fraudulent", "status": "needs_response"}`
	event, payload := makeEvent("evt_1", "charge.dispute.created", raw)

	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	records, err := f.audit.ListByWorkspace(ctx, ws.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.AuditDisputeOpened, records[0].Kind)
	assert.Equal(t, "dp_1", records[0].ReferenceID)
	assert.NotEqual(t, uuid.Nil, records[0].ID)
}

func TestProcessEvent_UnhandledTypeAcknowledged(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ctx := context.Background()

	event, payload := makeEvent("evt_1", "customer.created", `{"id": "cus_1"}`)
	require.NoError(t, f.svc.ProcessEvent(ctx, event, payload))

	logs, err := f.svc.GetEvents(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.WebhookEventStatusProcessed, logs[0].Status)
}

func TestRetryEvent_ReprocessesStoredPayload(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	raw := `{"id": "in_1", "subscription": "sub_1", "status": "paid", "amount_due": 200, "amount_paid": 200, "currency": "usd"}`
	event, payload := makeEvent("evt_1", "invoice.payment_succeeded", raw)

	require.Error(t, f.svc.ProcessEvent(ctx, event, payload))

	logs, err := f.svc.GetEvents(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	_, err = f.subs.Upsert(ctx, domain.Subscription{
		ExternalID:  "sub_1",
		WorkspaceID: ws.ID,
		Status:      domain.SubscriptionStatusActive,
	})
	require.NoError(t, err)

	// Оператор повторяет обработку из журнала
	require.NoError(t, f.svc.RetryEvent(ctx, logs[0].ID))

	balance, err := f.ledgerSvc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance)

	rec, err := f.svc.GetEventByID(ctx, logs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, rec.Status)
}

func TestRetryEvent_UnknownID(t *testing.T) {
	f := newWebhookFixture(t, nil)

	err := f.svc.RetryEvent(context.Background(), uuid.New())
	assert.Error(t, err)
}
