package service

import (
	"context"

	"github.com/Dhoini/Billing-service/internal/kafka"
	"github.com/Dhoini/Billing-service/pkg/logger"

	"github.com/google/uuid"
)

// Notifier отправляет уведомления об исключительных платежных событиях.
// Все вызовы best-effort: ошибка доставки логируется и не валит обработку вебхука.
type Notifier interface {
	// NotifyPaymentFailed уведомляет о неуспешной оплате инвойса
	NotifyPaymentFailed(ctx context.Context, workspaceID uuid.UUID, invoiceExternalID string)

	// NotifyDispute уведомляет об открытом диспуте
	NotifyDispute(ctx context.Context, workspaceID uuid.UUID, disputeID, details string)
}

// notificationMessage полезная нагрузка уведомления в топике Kafka
type notificationMessage struct {
	Kind        string `json:"kind"`
	WorkspaceID string `json:"workspace_id"`
	ReferenceID string `json:"reference_id"`
	Details     string `json:"details,omitempty"`
}

// kafkaNotifier публикует уведомления в отдельный топик Kafka,
// откуда их забирает сервис рассылки почты.
type kafkaNotifier struct {
	producer kafka.Producer
	log      *logger.Logger
}

// NewKafkaNotifier создает нотификатор поверх продюсера Kafka
func NewKafkaNotifier(producer kafka.Producer, log *logger.Logger) Notifier {
	return &kafkaNotifier{
		producer: producer,
		log:      log,
	}
}

// NotifyPaymentFailed публикует уведомление о неуспешной оплате
func (n *kafkaNotifier) NotifyPaymentFailed(ctx context.Context, workspaceID uuid.UUID, invoiceExternalID string) {
	msg := notificationMessage{
		Kind:        "payment_failed",
		WorkspaceID: workspaceID.String(),
		ReferenceID: invoiceExternalID,
	}
	if err := n.producer.PublishEvent(ctx, kafka.TopicNotifications, workspaceID.String(), msg); err != nil {
		n.log.Warnw("Failed to publish payment failed notification", "error", err, "workspaceID", workspaceID, "invoiceID", invoiceExternalID)
	}
}

// NotifyDispute публикует уведомление об открытом диспуте
func (n *kafkaNotifier) NotifyDispute(ctx context.Context, workspaceID uuid.UUID, disputeID, details string) {
	msg := notificationMessage{
		Kind:        "dispute_opened",
		WorkspaceID: workspaceID.String(),
		ReferenceID: disputeID,
		Details:     details,
	}
	if err := n.producer.PublishEvent(ctx, kafka.TopicNotifications, workspaceID.String(), msg); err != nil {
		n.log.Warnw("Failed to publish dispute notification", "error", err, "workspaceID", workspaceID, "disputeID", disputeID)
	}
}

// noopNotifier используется, когда Kafka недоступна
type noopNotifier struct {
	log *logger.Logger
}

// NewNoopNotifier создает нотификатор-заглушку
func NewNoopNotifier(log *logger.Logger) Notifier {
	return &noopNotifier{log: log}
}

func (n *noopNotifier) NotifyPaymentFailed(ctx context.Context, workspaceID uuid.UUID, invoiceExternalID string) {
	n.log.Debugw("Notification skipped (noop notifier)", "kind", "payment_failed", "workspaceID", workspaceID, "invoiceID", invoiceExternalID)
}

func (n *noopNotifier) NotifyDispute(ctx context.Context, workspaceID uuid.UUID, disputeID, details string) {
	n.log.Debugw("Notification skipped (noop notifier)", "kind", "dispute_opened", "workspaceID", workspaceID, "disputeID", disputeID)
}
