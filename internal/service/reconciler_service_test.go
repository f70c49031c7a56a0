package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/internal/repository"
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log := logger.New(logger.ERROR)
	log.SetOutput(io.Discard)
	return log
}

type reconcilerFixture struct {
	subs       *repository.InMemorySubscriptionRepository
	workspaces *repository.InMemoryWorkspaceRepository
	svc        ReconcilerService
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	log := testLogger(t)
	subs := repository.NewInMemorySubscriptionRepository(log)
	workspaces := repository.NewInMemoryWorkspaceRepository(log)
	return &reconcilerFixture{
		subs:       subs,
		workspaces: workspaces,
		svc:        NewReconcilerService(subs, workspaces, repository.NewInMemoryTxManager(), log),
	}
}

func (f *reconcilerFixture) createWorkspace(t *testing.T, balance int64) domain.Workspace {
	t.Helper()
	ws, err := f.workspaces.Create(context.Background(), domain.Workspace{
		ID:            uuid.New(),
		OwnerUserID:   uuid.New(),
		Name:          "test workspace",
		CreditBalance: balance,
	})
	require.NoError(t, err)
	return ws
}

func TestApplyCheckout_CreatesSubscription(t *testing.T) {
	f := newReconcilerFixture(t)
	ws := f.createWorkspace(t, 0)

	info := &domain.CheckoutInfo{
		SessionID:              "cs_1",
		Mode:                   "subscription",
		WorkspaceID:            ws.ID,
		UserID:                 ws.OwnerUserID,
		ExternalSubscriptionID: "sub_1",
		ExternalCustomerID:     "cus_1",
		PlanID:                 "price_pro",
	}

	sub, err := f.svc.ApplyCheckout(context.Background(), info)
	require.NoError(t, err)

	assert.Equal(t, "sub_1", sub.ExternalID)
	assert.Equal(t, ws.ID, sub.WorkspaceID)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(0), sub.Version)
	assert.NotEqual(t, uuid.Nil, sub.ID)
}

func TestApplyCheckout_AssignsDistinctInternalIDs(t *testing.T) {
	f := newReconcilerFixture(t)
	ws := f.createWorkspace(t, 0)

	first, err := f.svc.ApplyCheckout(context.Background(), &domain.CheckoutInfo{
		SessionID:              "cs_1",
		Mode:                   "subscription",
		WorkspaceID:            ws.ID,
		ExternalSubscriptionID: "sub_1",
	})
	require.NoError(t, err)

	second, err := f.svc.ApplyCheckout(context.Background(), &domain.CheckoutInfo{
		SessionID:              "cs_2",
		Mode:                   "subscription",
		WorkspaceID:            ws.ID,
		ExternalSubscriptionID: "sub_2",
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.NotEqual(t, uuid.Nil, second.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestApplyCheckout_DuplicateDeliveryConverges(t *testing.T) {
	f := newReconcilerFixture(t)
	ws := f.createWorkspace(t, 0)

	info := &domain.CheckoutInfo{
		SessionID:              "cs_1",
		Mode:                   "subscription",
		WorkspaceID:            ws.ID,
		UserID:                 ws.OwnerUserID,
		ExternalSubscriptionID: "sub_1",
		PlanID:                 "price_pro",
	}

	first, err := f.svc.ApplyCheckout(context.Background(), info)
	require.NoError(t, err)

	// Повторная доставка того же события сходится к тому же состоянию
	second, err := f.svc.ApplyCheckout(context.Background(), info)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.Status, second.Status)
}

func TestApplyCheckout_TrialMarksWorkspaceAndOwner(t *testing.T) {
	f := newReconcilerFixture(t)
	ws := f.createWorkspace(t, 0)

	trialEnd := time.Now().Add(14 * 24 * time.Hour)
	info := &domain.CheckoutInfo{
		SessionID:              "cs_1",
		Mode:                   "subscription",
		WorkspaceID:            ws.ID,
		UserID:                 ws.OwnerUserID,
		ExternalSubscriptionID: "sub_1",
		TrialEnd:               &trialEnd,
	}

	sub, err := f.svc.ApplyCheckout(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusTrialing, sub.Status)

	updated, err := f.workspaces.GetByID(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.True(t, updated.TrialUsed)
	assert.True(t, f.workspaces.UserTrialUsed(ws.OwnerUserID))
}

func TestApplyCheckout_MissingSubscriptionID(t *testing.T) {
	f := newReconcilerFixture(t)
	ws := f.createWorkspace(t, 0)

	_, err := f.svc.ApplyCheckout(context.Background(), &domain.CheckoutInfo{
		Mode:        "subscription",
		WorkspaceID: ws.ID,
	})
	assert.ErrorIs(t, err, domain.ErrMissingEventField)
}

func TestApplyUpdated_IncrementsVersion(t *testing.T) {
	f := newReconcilerFixture(t)
	ws := f.createWorkspace(t, 0)

	_, err := f.svc.ApplyCreated(context.Background(), &domain.SubscriptionInfo{
		ExternalID:  "sub_1",
		WorkspaceID: ws.ID,
		Status:      domain.SubscriptionStatusActive,
		PlanID:      "price_pro",
	})
	require.NoError(t, err)

	sub, err := f.svc.ApplyUpdated(context.Background(), &domain.SubscriptionInfo{
		ExternalID: "sub_1",
		Status:     domain.SubscriptionStatusPastDue,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), sub.Version)
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)
	// План не затирается событием без плана
	assert.Equal(t, "price_pro", sub.PlanID)
}

func TestApplyUpdated_UnknownSubscriptionFallsBackToUpsert(t *testing.T) {
	f := newReconcilerFixture(t)
	ws := f.createWorkspace(t, 0)

	// updated пришел раньше created
	sub, err := f.svc.ApplyUpdated(context.Background(), &domain.SubscriptionInfo{
		ExternalID:  "sub_1",
		WorkspaceID: ws.ID,
		Status:      domain.SubscriptionStatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), sub.Version)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.NotEqual(t, uuid.Nil, sub.ID)
}

// contendedSubscriptionRepo вклинивает конкурирующую запись перед первой
// попыткой UpdateVersioned, моделируя двух гонящихся обработчиков,
// прочитавших одну версию.
type contendedSubscriptionRepo struct {
	*repository.InMemorySubscriptionRepository
	once      sync.Once
	competing domain.Subscription
}

func (r *contendedSubscriptionRepo) UpdateVersioned(ctx context.Context, sub domain.Subscription, expectedVersion int64) error {
	r.once.Do(func() {
		_ = r.InMemorySubscriptionRepository.UpdateVersioned(ctx, r.competing, expectedVersion)
	})
	return r.InMemorySubscriptionRepository.UpdateVersioned(ctx, sub, expectedVersion)
}

func TestApplyUpdated_ConcurrentUpdateRetriesAndWins(t *testing.T) {
	log := testLogger(t)
	inner := repository.NewInMemorySubscriptionRepository(log)
	workspaces := repository.NewInMemoryWorkspaceRepository(log)

	ctx := context.Background()
	ws, err := workspaces.Create(ctx, domain.Workspace{ID: uuid.New(), OwnerUserID: uuid.New()})
	require.NoError(t, err)

	seed, err := inner.Upsert(ctx, domain.Subscription{
		ExternalID:  "sub_1",
		WorkspaceID: ws.ID,
		Status:      domain.SubscriptionStatusActive,
	})
	require.NoError(t, err)

	// Доводим версию до 2, как будто подписка уже дважды обновлялась
	for i := int64(0); i < 2; i++ {
		require.NoError(t, inner.UpdateVersioned(ctx, seed, i))
	}
	current, err := inner.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	require.Equal(t, int64(2), current.Version)

	competing := current
	competing.Status = domain.SubscriptionStatusPastDue

	repo := &contendedSubscriptionRepo{
		InMemorySubscriptionRepository: inner,
		competing:                      competing,
	}
	svc := NewReconcilerService(repo, workspaces, repository.NewInMemoryTxManager(), log)

	// Наше обновление проигрывает первую гонку, перечитывает версию 3
	// и коммитит свои поля поверх
	cancelAt := true
	sub, err := svc.ApplyUpdated(ctx, &domain.SubscriptionInfo{
		ExternalID:        "sub_1",
		Status:            domain.SubscriptionStatusActive,
		CancelAtPeriodEnd: cancelAt,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4), sub.Version)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)

	stored, err := inner.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.Version)
}

// alwaysConflictRepo имитирует устойчивую конкуренцию за строку
type alwaysConflictRepo struct {
	*repository.InMemorySubscriptionRepository
	attempts int
}

func (r *alwaysConflictRepo) UpdateVersioned(ctx context.Context, sub domain.Subscription, expectedVersion int64) error {
	r.attempts++
	return repository.ErrVersionConflict
}

func TestApplyUpdated_RetriesExhausted(t *testing.T) {
	log := testLogger(t)
	inner := repository.NewInMemorySubscriptionRepository(log)
	workspaces := repository.NewInMemoryWorkspaceRepository(log)

	ctx := context.Background()
	_, err := inner.Upsert(ctx, domain.Subscription{ExternalID: "sub_1", Status: domain.SubscriptionStatusActive})
	require.NoError(t, err)

	repo := &alwaysConflictRepo{InMemorySubscriptionRepository: inner}
	svc := NewReconcilerService(repo, workspaces, repository.NewInMemoryTxManager(), log)

	_, err = svc.ApplyUpdated(ctx, &domain.SubscriptionInfo{
		ExternalID: "sub_1",
		Status:     domain.SubscriptionStatusActive,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, 3, repo.attempts)
}

func TestApplyDeleted_CancelsSubscription(t *testing.T) {
	f := newReconcilerFixture(t)
	ws := f.createWorkspace(t, 0)

	_, err := f.svc.ApplyCreated(context.Background(), &domain.SubscriptionInfo{
		ExternalID:        "sub_1",
		WorkspaceID:       ws.ID,
		Status:            domain.SubscriptionStatusActive,
		CancelAtPeriodEnd: true,
	})
	require.NoError(t, err)

	canceledAt := time.Now()
	require.NoError(t, f.svc.ApplyDeleted(context.Background(), "sub_1", canceledAt))

	sub, err := f.subs.GetByExternalID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CanceledAt)

	// Повторная отмена идемпотентна
	require.NoError(t, f.svc.ApplyDeleted(context.Background(), "sub_1", canceledAt))
}

func TestApplyDeleted_UnknownSubscriptionIsNoop(t *testing.T) {
	f := newReconcilerFixture(t)

	err := f.svc.ApplyDeleted(context.Background(), "sub_missing", time.Now())
	assert.NoError(t, err)
}
