package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Dhoini/Billing-service/internal/domain"
	"github.com/Dhoini/Billing-service/internal/service"
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/Dhoini/Billing-service/pkg/req"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AdminHandler обрабатывает админские запросы к журналу вебхуков и леджеру
type AdminHandler struct {
	webhookService service.WebhookService
	ledgerService  service.LedgerService
	log            *logger.Logger
	zapLog         *zap.Logger
}

// NewAdminHandler создает новый обработчик админских запросов
func NewAdminHandler(webhookService service.WebhookService, ledgerService service.LedgerService, log *logger.Logger, zapLog *zap.Logger) *AdminHandler {
	return &AdminHandler{
		webhookService: webhookService,
		ledgerService:  ledgerService,
		log:            log,
		zapLog:         zapLog,
	}
}

// AdjustCreditsRequest тело запроса ручной корректировки баланса
type AdjustCreditsRequest struct {
	Amount      int64  `json:"amount" validate:"required"`
	ReferenceID string `json:"reference_id" validate:"required,min=3,max=255"`
	Description string `json:"description" validate:"max=500"`
}

// ListWebhookEvents возвращает страницу журнала доставок вебхуков
func (h *AdminHandler) ListWebhookEvents(c *gin.Context) {
	limit := parseQueryInt(c, "limit", 50)
	offset := parseQueryInt(c, "offset", 0)

	events, err := h.webhookService.GetEvents(c.Request.Context(), limit, offset)
	if err != nil {
		h.log.Error("Failed to list webhook events: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list webhook events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"limit":  limit,
		"offset": offset,
	})
}

// GetWebhookEvent возвращает журнальную запись по ID
func (h *AdminHandler) GetWebhookEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event ID format"})
		return
	}

	event, err := h.webhookService.GetEventByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(errorStatus(err, domain.ErrNotFound), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, event)
}

// RetryWebhookEvent повторяет обработку события из журнала
func (h *AdminHandler) RetryWebhookEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event ID format"})
		return
	}

	if err := h.webhookService.RetryEvent(c.Request.Context(), id); err != nil {
		h.log.Error("Retry of webhook event %s failed: %v", id, err)
		c.JSON(errorStatus(err, domain.ErrNotFound), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"retried": true, "eventId": id})
}

// GetWorkspaceBalance возвращает текущий баланс кредитов воркспейса
func (h *AdminHandler) GetWorkspaceBalance(c *gin.Context) {
	workspaceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace ID format"})
		return
	}

	balance, err := h.ledgerService.Balance(c.Request.Context(), workspaceID)
	if err != nil {
		c.JSON(errorStatus(err, domain.ErrWorkspaceNotFound, domain.ErrNotFound), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workspaceId": workspaceID,
		"balance":     balance,
	})
}

// GetWorkspaceTransactions возвращает историю операций леджера воркспейса
func (h *AdminHandler) GetWorkspaceTransactions(c *gin.Context) {
	workspaceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace ID format"})
		return
	}

	limit := parseQueryInt(c, "limit", 50)
	offset := parseQueryInt(c, "offset", 0)

	transactions, err := h.ledgerService.Transactions(c.Request.Context(), workspaceID, limit, offset)
	if err != nil {
		c.JSON(errorStatus(err, domain.ErrWorkspaceNotFound, domain.ErrNotFound), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workspaceId":  workspaceID,
		"transactions": transactions,
		"limit":        limit,
		"offset":       offset,
	})
}

// AdjustWorkspaceCredits выполняет ручную корректировку баланса: положительная
// сумма записывается как BONUS, отрицательная как USAGE
func (h *AdminHandler) AdjustWorkspaceCredits(c *gin.Context) {
	workspaceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace ID format"})
		return
	}

	var w http.ResponseWriter = c.Writer
	body, err := req.HandleBody[AdjustCreditsRequest](&w, c.Request, h.zapLog)
	if err != nil {
		return
	}

	txType := domain.CreditTransactionBonus
	if body.Amount < 0 {
		txType = domain.CreditTransactionUsage
	}

	tx, applied, err := h.ledgerService.Allocate(c.Request.Context(), service.AllocateInput{
		WorkspaceID:   workspaceID,
		Amount:        body.Amount,
		Type:          txType,
		Description:   body.Description,
		ReferenceID:   body.ReferenceID,
		ReferenceType: domain.ReferenceManual,
	})
	if err != nil {
		h.log.Error("Manual credit adjustment for workspace %s failed: %v", workspaceID, err)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrWorkspaceNotFound) || errors.Is(err, domain.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, domain.ErrInsufficientCredits) || errors.Is(err, domain.ErrMissingEventField) || errors.Is(err, domain.ErrInvalidInput):
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"applied":     applied,
		"transaction": tx,
	})
}

func parseQueryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return def
	}
	return value
}
