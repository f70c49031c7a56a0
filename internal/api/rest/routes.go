package rest

import (
	"github.com/Dhoini/Billing-service/internal/api/rest/handlers"
	"github.com/Dhoini/Billing-service/internal/api/rest/middleware"
	stripeintegration "github.com/Dhoini/Billing-service/internal/integration/stripe"
	"github.com/Dhoini/Billing-service/internal/service"
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps зависимости HTTP-слоя, собранные в main
type Deps struct {
	Normalizer     *stripeintegration.Normalizer
	WebhookService service.WebhookService
	LedgerService  service.LedgerService
	Registry       *prometheus.Registry
	Log            *logger.Logger
	ZapLog         *zap.Logger
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(deps Deps) *gin.Engine {
	r := gin.New()

	// Подключение middleware
	r.Use(middleware.LoggerMiddleware(deps.Log))
	r.Use(gin.Recovery())

	// Endpoint для проверки работоспособности сервиса
	r.GET("/health", handlers.HealthCheck)

	// Prometheus метрики
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	// Инициализация обработчиков
	webhookHandler := handlers.NewWebhookHandler(deps.Normalizer, deps.WebhookService, deps.Log)
	adminHandler := handlers.NewAdminHandler(deps.WebhookService, deps.LedgerService, deps.Log, deps.ZapLog)

	// Админский API
	v1 := r.Group("/api/v1")
	{
		// Журнал доставок вебхуков
		events := v1.Group("/webhook-events")
		{
			events.GET("", adminHandler.ListWebhookEvents)
			events.GET("/:id", adminHandler.GetWebhookEvent)
			events.POST("/:id/retry", adminHandler.RetryWebhookEvent)
		}

		// Леджер кредитов
		workspaces := v1.Group("/workspaces")
		{
			workspaces.GET("/:id/balance", adminHandler.GetWorkspaceBalance)
			workspaces.GET("/:id/transactions", adminHandler.GetWorkspaceTransactions)
			workspaces.POST("/:id/credits", adminHandler.AdjustWorkspaceCredits)
		}
	}

	// Вебхуки на корневом уровне роутера
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/stripe", webhookHandler.HandleStripeWebhook)
	}
	return r
}
