package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ledgerFixture struct {
	ledger     *repository.InMemoryLedgerRepository
	workspaces *repository.InMemoryWorkspaceRepository
	audit      *repository.InMemoryAuditRepository
	svc        LedgerService
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	log := testLogger(t)
	ledger := repository.NewInMemoryLedgerRepository(log)
	workspaces := repository.NewInMemoryWorkspaceRepository(log)
	audit := repository.NewInMemoryAuditRepository(log)
	return &ledgerFixture{
		ledger:     ledger,
		workspaces: workspaces,
		audit:      audit,
		svc:        NewLedgerService(ledger, workspaces, audit, repository.NewInMemoryTxManager(), nil, log),
	}
}

func (f *ledgerFixture) createWorkspace(t *testing.T, balance int64) domain.Workspace {
	t.Helper()
	ws, err := f.workspaces.Create(context.Background(), domain.Workspace{
		ID:            uuid.New(),
		OwnerUserID:   uuid.New(),
		CreditBalance: balance,
	})
	require.NoError(t, err)
	return ws
}

func purchaseInput(workspaceID uuid.UUID, amount int64, paymentIntentID string) AllocateInput {
	return AllocateInput{
		WorkspaceID:   workspaceID,
		Amount:        amount,
		Type:          domain.CreditTransactionPurchase,
		Description:   "Credit purchase " + paymentIntentID,
		ReferenceID:   paymentIntentID,
		ReferenceType: domain.ReferencePaymentIntent,
	}
}

func TestAllocate_GrantsCredits(t *testing.T) {
	f := newLedgerFixture(t)
	ws := f.createWorkspace(t, 0)

	tx, applied, err := f.svc.Allocate(context.Background(), purchaseInput(ws.ID, 500, "pi_1"))
	require.NoError(t, err)
	require.True(t, applied)

	assert.Equal(t, int64(500), tx.Amount)
	assert.Equal(t, int64(0), tx.BalanceBefore)
	assert.Equal(t, int64(500), tx.BalanceAfter)

	balance, err := f.svc.Balance(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestAllocate_RedeliveryGrantsOnce(t *testing.T) {
	f := newLedgerFixture(t)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	_, applied, err := f.svc.Allocate(ctx, purchaseInput(ws.ID, 500, "pi_1"))
	require.NoError(t, err)
	require.True(t, applied)

	// N редоставок того же платежа оставляют баланс как после одной
	for i := 0; i < 5; i++ {
		tx, applied, err := f.svc.Allocate(ctx, purchaseInput(ws.ID, 500, "pi_1"))
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, int64(500), tx.BalanceAfter)
	}

	balance, err := f.svc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	txs, err := f.svc.Transactions(ctx, ws.ID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestAllocate_DebitBelowZeroRejected(t *testing.T) {
	f := newLedgerFixture(t)
	ws := f.createWorkspace(t, 100)

	_, _, err := f.svc.Allocate(context.Background(), AllocateInput{
		WorkspaceID:   ws.ID,
		Amount:        -200,
		Type:          domain.CreditTransactionUsage,
		ReferenceID:   "op_1",
		ReferenceType: domain.ReferenceManual,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	balance, err := f.svc.Balance(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestAllocate_UnknownWorkspace(t *testing.T) {
	f := newLedgerFixture(t)

	_, _, err := f.svc.Allocate(context.Background(), purchaseInput(uuid.New(), 100, "pi_1"))
	assert.ErrorIs(t, err, domain.ErrWorkspaceNotFound)
}

func TestAllocate_MissingReference(t *testing.T) {
	f := newLedgerFixture(t)
	ws := f.createWorkspace(t, 0)

	_, _, err := f.svc.Allocate(context.Background(), AllocateInput{
		WorkspaceID: ws.ID,
		Amount:      100,
		Type:        domain.CreditTransactionBonus,
	})
	assert.ErrorIs(t, err, domain.ErrMissingEventField)
}

func TestLedgerFoldReproducesBalance(t *testing.T) {
	f := newLedgerFixture(t)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	amounts := []int64{500, 1000, -300, 250, -450}
	for i, amount := range amounts {
		txType := domain.CreditTransactionPurchase
		if amount < 0 {
			txType = domain.CreditTransactionUsage
		}
		_, applied, err := f.svc.Allocate(ctx, AllocateInput{
			WorkspaceID:   ws.ID,
			Amount:        amount,
			Type:          txType,
			ReferenceID:   fmt.Sprintf("ref_%d", i),
			ReferenceType: domain.ReferenceManual,
		})
		require.NoError(t, err)
		require.True(t, applied)
	}

	txs, err := f.svc.Transactions(ctx, ws.ID, 100, 0)
	require.NoError(t, err)
	require.Len(t, txs, len(amounts))

	// Свертка леджера в порядке коммита воспроизводит баланс
	var fold int64
	for _, tx := range txs {
		assert.Equal(t, fold, tx.BalanceBefore)
		fold += tx.Amount
		assert.Equal(t, fold, tx.BalanceAfter)
	}

	balance, err := f.svc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, fold, balance)
}

func TestRefund_FullRefund(t *testing.T) {
	f := newLedgerFixture(t)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	_, _, err := f.svc.Allocate(ctx, purchaseInput(ws.ID, 1000, "pi_1"))
	require.NoError(t, err)

	tx, applied, err := f.svc.Refund(ctx, &domain.RefundInfo{
		ChargeID:        "ch_1",
		PaymentIntentID: "pi_1",
		AmountRefunded:  1000,
	})
	require.NoError(t, err)
	require.True(t, applied)

	assert.Equal(t, int64(-1000), tx.Amount)
	assert.Equal(t, int64(0), tx.BalanceAfter)
	assert.Equal(t, domain.CreditTransactionRefund, tx.Type)
	assert.Equal(t, "ch_1", tx.ReferenceID)
}

func TestRefund_ClampsToZeroAfterSpending(t *testing.T) {
	f := newLedgerFixture(t)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	// Покупка на 1000, потрачено 700, остаток 300
	_, _, err := f.svc.Allocate(ctx, purchaseInput(ws.ID, 1000, "pi_1"))
	require.NoError(t, err)
	_, _, err = f.svc.Allocate(ctx, AllocateInput{
		WorkspaceID:   ws.ID,
		Amount:        -700,
		Type:          domain.CreditTransactionUsage,
		ReferenceID:   "op_1",
		ReferenceType: domain.ReferenceManual,
	})
	require.NoError(t, err)

	tx, applied, err := f.svc.Refund(ctx, &domain.RefundInfo{
		ChargeID:        "ch_1",
		PaymentIntentID: "pi_1",
		AmountRefunded:  1000,
	})
	require.NoError(t, err)
	require.True(t, applied)

	// Списывается min(1000, 300): записанная сумма это фактическая
	assert.Equal(t, int64(-300), tx.Amount)
	assert.Equal(t, int64(300), tx.BalanceBefore)
	assert.Equal(t, int64(0), tx.BalanceAfter)

	balance, err := f.svc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	// Урезанный возврат оставляет аудит-запись
	records, err := f.audit.ListByWorkspace(ctx, ws.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.AuditRefundClamped, records[0].Kind)
	assert.Equal(t, "ch_1", records[0].ReferenceID)
	assert.NotEqual(t, uuid.Nil, records[0].ID)
}

func TestRefund_UnknownPurchaseIsNoop(t *testing.T) {
	f := newLedgerFixture(t)

	_, applied, err := f.svc.Refund(context.Background(), &domain.RefundInfo{
		ChargeID:        "ch_1",
		PaymentIntentID: "pi_missing",
	})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRefund_DuplicateIsNoop(t *testing.T) {
	f := newLedgerFixture(t)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	_, _, err := f.svc.Allocate(ctx, purchaseInput(ws.ID, 1000, "pi_1"))
	require.NoError(t, err)

	refund := &domain.RefundInfo{ChargeID: "ch_1", PaymentIntentID: "pi_1", AmountRefunded: 1000}

	_, applied, err := f.svc.Refund(ctx, refund)
	require.NoError(t, err)
	require.True(t, applied)

	_, applied, err = f.svc.Refund(ctx, refund)
	require.NoError(t, err)
	assert.False(t, applied)

	balance, err := f.svc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestAllocate_ConcurrentSameReferenceGrantsOnce(t *testing.T) {
	f := newLedgerFixture(t)
	ws := f.createWorkspace(t, 0)
	ctx := context.Background()

	// Две доставки одного события гонятся за вставку: уникальность
	// в хранилище пропускает ровно одну
	const workers = 8
	var wg sync.WaitGroup
	appliedCount := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := f.svc.Allocate(ctx, purchaseInput(ws.ID, 500, "pi_1"))
			assert.NoError(t, err)
			appliedCount <- applied
		}()
	}
	wg.Wait()
	close(appliedCount)

	applied := 0
	for ok := range appliedCount {
		if ok {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	balance, err := f.svc.Balance(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}
