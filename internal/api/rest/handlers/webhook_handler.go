package handlers

import (
	"errors"
	"io"
	"net/http"

	stripeintegration "github.com/Dhoini/Billing-service/internal/integration/stripe"
	"github.com/Dhoini/Billing-service/internal/service"
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/gin-gonic/gin"
)

// maxRequestBodySize ограничивает размер тела вебхука (64KB)
const maxRequestBodySize = 65536

// WebhookHandler обрабатывает входящие вебхуки от Stripe
type WebhookHandler struct {
	normalizer     *stripeintegration.Normalizer
	webhookService service.WebhookService
	log            *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(normalizer *stripeintegration.Normalizer, webhookService service.WebhookService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		normalizer:     normalizer,
		webhookService: webhookService,
		log:            log,
	}
}

// HandleStripeWebhook принимает событие Stripe, проверяет подпись и передает его на обработку.
// Ошибки подписи возвращают 400, чтобы Stripe повторил доставку позже.
// Бизнес-ошибки подтверждаются 200, чтобы не блокировать очередь доставки.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Warn("Failed to read webhook body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if sigHeader == "" {
		h.log.Warn("Webhook request without Stripe-Signature header from %s", c.ClientIP())
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing Stripe-Signature header"})
		return
	}

	event, err := h.normalizer.VerifyAndParse(payload, sigHeader)
	if err != nil {
		h.log.Warn("Webhook signature verification failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook signature verification failed"})
		return
	}

	if err := h.webhookService.ProcessEvent(c.Request.Context(), event, payload); err != nil {
		// Событие принято и записано, обработка завершилась ошибкой.
		// Подтверждаем получение: повтор пойдет через ручной retry.
		h.log.Error("Webhook event %s (%s) processing failed: %v", event.ID, event.Type, err)
		c.JSON(http.StatusOK, gin.H{
			"received": true,
			"error":    err.Error(),
			"eventId":  event.ID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"eventId":  event.ID,
	})
}

// errorStatus транслирует доменные ошибки в HTTP-статус для админских ручек
func errorStatus(err error, notFound ...error) int {
	for _, target := range notFound {
		if errors.Is(err, target) {
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}
