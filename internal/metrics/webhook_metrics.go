package metrics

import (
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebhookMetrics интерфейс для метрик обработки вебхуков
type WebhookMetrics interface {
	IncProcessed(eventType string)
	IncFailed(eventType string)
	IncDuplicate(eventType string)
	ObserveCreditsGranted(amount float64, transactionType string)
}

type webhookMetrics struct {
	log            *logger.Logger
	eventsStatus   *prometheus.CounterVec
	creditsGranted *prometheus.HistogramVec
}

// NewWebhookMetrics создает новые метрики обработки вебхуков
func NewWebhookMetrics(registry *prometheus.Registry, log *logger.Logger) WebhookMetrics {
	eventsStatus := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "The total number of processed webhook events by outcome",
		},
		[]string{"outcome", "event_type"},
	)

	creditsGranted := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credits_granted",
			Help:    "Granted credit amounts distribution",
			Buckets: prometheus.ExponentialBuckets(10, 10, 5), // 10, 100, 1000, 10000, 100000
		},
		[]string{"type"},
	)

	return &webhookMetrics{
		log:            log,
		eventsStatus:   eventsStatus,
		creditsGranted: creditsGranted,
	}
}

// IncProcessed увеличивает счетчик успешно обработанных событий
func (m *webhookMetrics) IncProcessed(eventType string) {
	m.eventsStatus.WithLabelValues("processed", eventType).Inc()
}

// IncFailed увеличивает счетчик событий с ошибкой обработки
func (m *webhookMetrics) IncFailed(eventType string) {
	m.eventsStatus.WithLabelValues("failed", eventType).Inc()
}

// IncDuplicate увеличивает счетчик повторных доставок
func (m *webhookMetrics) IncDuplicate(eventType string) {
	m.eventsStatus.WithLabelValues("duplicate", eventType).Inc()
}

// ObserveCreditsGranted записывает размер начисления кредитов
func (m *webhookMetrics) ObserveCreditsGranted(amount float64, transactionType string) {
	m.creditsGranted.WithLabelValues(transactionType).Observe(amount)
}
