package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/internal/repository"
	"github.com/Dhoini/Billing-service/pkg/logger"

	"github.com/google/uuid"
)

// AllocateInput параметры одного зачисления или списания кредитов
type AllocateInput struct {
	WorkspaceID   uuid.UUID
	Amount        int64 // Со знаком: плюс зачисление, минус списание
	Type          domain.CreditTransactionType
	Description   string
	ReferenceID   string
	ReferenceType string
}

// BalanceCache кеш денормализованных балансов для читающего API.
// Недоступность кеша не влияет на корректность: источником истины остается БД.
type BalanceCache interface {
	CacheBalance(ctx context.Context, workspaceID uuid.UUID, balance int64) error
	GetCachedBalance(ctx context.Context, workspaceID uuid.UUID) (int64, bool)
	InvalidateBalance(ctx context.Context, workspaceID uuid.UUID) error
}

// LedgerService единственное место, где меняется баланс кредитов воркспейса.
type LedgerService interface {
	// Allocate атомарно добавляет запись в леджер и двигает баланс.
	// Повторное событие с тем же ссылочным ключом возвращает успех без мутации
	// (applied=false, возвращается существующая запись).
	Allocate(ctx context.Context, in AllocateInput) (tx domain.CreditTransaction, applied bool, err error)

	// Refund списывает ранее купленные кредиты по возврату платежа.
	// Отсутствие исходной покупки и повторный возврат являются no-op.
	// Списание ограничено текущим балансом (пол равен нулю).
	Refund(ctx context.Context, refund *domain.RefundInfo) (tx domain.CreditTransaction, applied bool, err error)

	// Balance возвращает текущий баланс воркспейса
	Balance(ctx context.Context, workspaceID uuid.UUID) (int64, error)

	// Transactions возвращает записи леджера воркспейса в порядке коммита
	Transactions(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]domain.CreditTransaction, error)
}

type ledgerService struct {
	ledgerRepo    repository.LedgerRepository
	workspaceRepo repository.WorkspaceRepository
	auditRepo     repository.AuditRepository
	txManager     repository.TxManager
	cache         BalanceCache
	log           *logger.Logger
}

// NewLedgerService создает новый сервис леджера кредитов.
// cache может быть nil, если Redis недоступен.
func NewLedgerService(
	ledgerRepo repository.LedgerRepository,
	workspaceRepo repository.WorkspaceRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TxManager,
	cache BalanceCache,
	log *logger.Logger,
) LedgerService {
	return &ledgerService{
		ledgerRepo:    ledgerRepo,
		workspaceRepo: workspaceRepo,
		auditRepo:     auditRepo,
		txManager:     txManager,
		cache:         cache,
		log:           log,
	}
}

// Allocate выполняет зачисление или списание одной атомарной транзакцией:
// блокировка строки воркспейса, вставка записи леджера под ограничением
// уникальности, запись нового баланса. Гвардом идемпотентности служит именно
// уникальность вставки, а не предварительное чтение: две гонящиеся доставки
// одного события разрешаются на стороне хранилища.
func (s *ledgerService) Allocate(ctx context.Context, in AllocateInput) (domain.CreditTransaction, bool, error) {
	s.log.Debug("Allocating credits: workspace=%s amount=%d type=%s ref=%s/%s",
		in.WorkspaceID, in.Amount, in.Type, in.ReferenceType, in.ReferenceID)

	if in.ReferenceID == "" || in.ReferenceType == "" {
		return domain.CreditTransaction{}, false, fmt.Errorf("%w: ledger reference key", domain.ErrMissingEventField)
	}

	var result domain.CreditTransaction
	applied := false

	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		ws, err := s.workspaceRepo.GetForUpdate(ctx, in.WorkspaceID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrWorkspaceNotFound, in.WorkspaceID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock workspace: %w", err)
		}

		newBalance := ws.CreditBalance + in.Amount
		if newBalance < 0 {
			return fmt.Errorf("%w: balance %d, requested %d", domain.ErrInsufficientCredits, ws.CreditBalance, in.Amount)
		}

		tx := domain.CreditTransaction{
			ID:            uuid.New(),
			WorkspaceID:   in.WorkspaceID,
			Amount:        in.Amount,
			Type:          in.Type,
			Description:   in.Description,
			ReferenceID:   in.ReferenceID,
			ReferenceType: in.ReferenceType,
			BalanceBefore: ws.CreditBalance,
			BalanceAfter:  newBalance,
		}

		insertResult, err := s.ledgerRepo.InsertUnique(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to insert ledger record: %w", err)
		}
		if insertResult == repository.AlreadyExists {
			// Событие уже применено, баланс не трогаем
			existing, err := s.ledgerRepo.GetByReference(ctx, in.ReferenceID, in.ReferenceType, in.Type)
			if err != nil {
				return fmt.Errorf("failed to read existing ledger record: %w", err)
			}
			result = existing
			return nil
		}

		if err := s.workspaceRepo.SetBalance(ctx, in.WorkspaceID, newBalance); err != nil {
			return fmt.Errorf("failed to update workspace balance: %w", err)
		}

		result = tx
		applied = true
		return nil
	})
	if err != nil {
		s.log.Error("Failed to allocate credits for workspace %s: %v", in.WorkspaceID, err)
		return domain.CreditTransaction{}, false, err
	}

	if applied {
		s.invalidateCache(ctx, in.WorkspaceID)
		s.log.Infow("Credits allocated", "workspaceID", in.WorkspaceID, "amount", in.Amount,
			"type", in.Type, "balanceAfter", result.BalanceAfter, "referenceID", in.ReferenceID)
	} else {
		s.log.Infow("Duplicate credit allocation ignored", "workspaceID", in.WorkspaceID,
			"type", in.Type, "referenceID", in.ReferenceID)
	}
	return result, applied, nil
}

// Refund находит исходную покупку по ссылке на платеж и списывает ее сумму,
// ограниченную текущим балансом. Записанная сумма равна фактически списанной,
// не номинальная сумма возврата.
func (s *ledgerService) Refund(ctx context.Context, refund *domain.RefundInfo) (domain.CreditTransaction, bool, error) {
	s.log.Debug("Processing refund: charge=%s payment=%s", refund.ChargeID, refund.PaymentIntentID)

	if refund.ChargeID == "" {
		return domain.CreditTransaction{}, false, fmt.Errorf("%w: charge id", domain.ErrMissingEventField)
	}

	purchase, err := s.ledgerRepo.GetByReference(ctx, refund.PaymentIntentID, domain.ReferencePaymentIntent, domain.CreditTransactionPurchase)
	if errors.Is(err, repository.ErrNotFound) {
		// Возврат платежа, который не начислял кредиты
		s.log.Infow("Refund for unknown purchase, nothing to do", "chargeID", refund.ChargeID, "paymentIntentID", refund.PaymentIntentID)
		return domain.CreditTransaction{}, false, nil
	}
	if err != nil {
		return domain.CreditTransaction{}, false, fmt.Errorf("failed to look up purchase: %w", err)
	}

	var result domain.CreditTransaction
	applied := false
	clamped := false

	err = s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		ws, err := s.workspaceRepo.GetForUpdate(ctx, purchase.WorkspaceID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrWorkspaceNotFound, purchase.WorkspaceID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock workspace: %w", err)
		}

		// Списываем не больше, чем осталось: уже потраченные покупкой
		// кредиты не уводят баланс в минус
		deduct := purchase.Amount
		if deduct > ws.CreditBalance {
			deduct = ws.CreditBalance
			clamped = true
		}

		tx := domain.CreditTransaction{
			ID:            uuid.New(),
			WorkspaceID:   purchase.WorkspaceID,
			Amount:        -deduct,
			Type:          domain.CreditTransactionRefund,
			Description:   fmt.Sprintf("Refund of purchase %s", purchase.ReferenceID),
			ReferenceID:   refund.ChargeID,
			ReferenceType: domain.ReferenceCharge,
			BalanceBefore: ws.CreditBalance,
			BalanceAfter:  ws.CreditBalance - deduct,
		}

		insertResult, err := s.ledgerRepo.InsertUnique(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to insert refund record: %w", err)
		}
		if insertResult == repository.AlreadyExists {
			// Повторная доставка charge.refunded
			existing, err := s.ledgerRepo.GetByReference(ctx, refund.ChargeID, domain.ReferenceCharge, domain.CreditTransactionRefund)
			if err != nil {
				return fmt.Errorf("failed to read existing refund record: %w", err)
			}
			result = existing
			clamped = false
			return nil
		}

		if err := s.workspaceRepo.SetBalance(ctx, purchase.WorkspaceID, tx.BalanceAfter); err != nil {
			return fmt.Errorf("failed to update workspace balance: %w", err)
		}

		result = tx
		applied = true
		return nil
	})
	if err != nil {
		s.log.Error("Failed to process refund for charge %s: %v", refund.ChargeID, err)
		return domain.CreditTransaction{}, false, err
	}

	if applied {
		s.invalidateCache(ctx, purchase.WorkspaceID)
		s.log.Infow("Refund applied", "workspaceID", purchase.WorkspaceID, "chargeID", refund.ChargeID,
			"deducted", -result.Amount, "balanceAfter", result.BalanceAfter)

		if clamped {
			// Часть купленных кредитов уже потрачена, списали меньше
			// номинала, оставляем след для ручного разбора
			rec := domain.AuditRecord{
				ID:          uuid.New(),
				WorkspaceID: purchase.WorkspaceID,
				Kind:        domain.AuditRefundClamped,
				ReferenceID: refund.ChargeID,
				Details: fmt.Sprintf("refund of %d credits clamped to %d (purchase %s)",
					purchase.Amount, -result.Amount, purchase.ReferenceID),
			}
			if _, err := s.auditRepo.Append(ctx, rec); err != nil {
				s.log.Errorw("Failed to append refund clamp audit record", "error", err, "chargeID", refund.ChargeID)
			}
		}
	} else {
		s.log.Infow("Duplicate refund ignored", "chargeID", refund.ChargeID)
	}
	return result, applied, nil
}

// Balance читает баланс через кеш; промах или недоступность кеша
// прозрачно уходят в БД.
func (s *ledgerService) Balance(ctx context.Context, workspaceID uuid.UUID) (int64, error) {
	if s.cache != nil {
		if balance, ok := s.cache.GetCachedBalance(ctx, workspaceID); ok {
			return balance, nil
		}
	}

	ws, err := s.workspaceRepo.GetByID(ctx, workspaceID)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", domain.ErrWorkspaceNotFound, workspaceID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read workspace: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.CacheBalance(ctx, workspaceID, ws.CreditBalance); err != nil {
			s.log.Warnw("Failed to cache workspace balance", "error", err, "workspaceID", workspaceID)
		}
	}
	return ws.CreditBalance, nil
}

// Transactions возвращает страницу леджера воркспейса
func (s *ledgerService) Transactions(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]domain.CreditTransaction, error) {
	return s.ledgerRepo.ListByWorkspace(ctx, workspaceID, limit, offset)
}

func (s *ledgerService) invalidateCache(ctx context.Context, workspaceID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateBalance(ctx, workspaceID); err != nil {
		s.log.Warnw("Failed to invalidate balance cache", "error", err, "workspaceID", workspaceID)
	}
}
