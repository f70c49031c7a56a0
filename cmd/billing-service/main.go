package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dhoini/Billing-service/internal/api/rest"
	"github.com/Dhoini/Billing-service/internal/config"
	stripeintegration "github.com/Dhoini/Billing-service/internal/integration/stripe"
	"github.com/Dhoini/Billing-service/internal/kafka"
	"github.com/Dhoini/Billing-service/internal/metrics"
	"github.com/Dhoini/Billing-service/internal/repository"
	"github.com/Dhoini/Billing-service/internal/service"
	"github.com/Dhoini/Billing-service/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := initLogger()
	log.Infow("Billing service starting up...")

	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}
	if cfg.Stripe.WebhookSecret == "" {
		log.Fatalw("Stripe webhook secret is not set")
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Подключаемся к базе данных
	pool, err := repository.NewConnection(ctx, cfg.Database.DSN, log)
	if err != nil {
		log.Fatalw("Failed to connect to database", "error", err)
	}
	defer pool.Close()
	log.Infow("Database connection established")

	// Инициализируем Redis кеш
	redisCache, err := repository.NewRedisCacheRepository(
		cfg.Redis.Addr,
		cfg.Redis.Password,
		cfg.Redis.DB,
		log,
	)
	if err != nil {
		// Не фатально, но предупреждаем
		log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", err)
		redisCache = nil
	} else {
		log.Infow("Redis cache initialized successfully")
		defer func() {
			if err := redisCache.Close(); err != nil {
				log.Errorw("Error closing Redis connection", "error", err)
			}
		}()
	}

	// Инициализируем Kafka producer
	var producer kafka.Producer
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureKafkaTopics(cfg.Kafka.Brokers, log); err != nil {
			log.Warnw("Failed to ensure Kafka topics", "error", err)
		}
		producer, err = kafka.NewKafkaProducer(cfg.Kafka.Brokers, log)
		if err != nil {
			log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
			producer = nil
		} else {
			log.Infow("Kafka producer initialized")
			defer func() {
				if err := producer.Close(); err != nil {
					log.Errorw("Error closing Kafka producer", "error", err)
				}
			}()
		}
	}

	// Инициализируем репозитории
	eventRepo := repository.NewPostgresWebhookEventRepository(pool, log)
	invoiceRepo := repository.NewPostgresInvoiceRepository(pool, log)
	subscriptionRepo := repository.NewPostgresSubscriptionRepository(pool, log)
	workspaceRepo := repository.NewPostgresWorkspaceRepository(pool, log)
	ledgerRepo := repository.NewPostgresLedgerRepository(pool, log)
	auditRepo := repository.NewPostgresAuditRepository(pool, log)
	txManager := repository.NewPostgresTxManager(pool, log)

	// Инициализируем интеграцию со Stripe
	normalizer, err := stripeintegration.NewNormalizer(cfg.Stripe.WebhookSecret, log)
	if err != nil {
		log.Fatalw("Failed to initialize Stripe normalizer", "error", err)
	}

	// Инициализируем service layer
	registry := prometheus.NewRegistry()
	webhookMetrics := metrics.NewWebhookMetrics(registry, log)

	var cache service.BalanceCache
	if redisCache != nil {
		cache = redisCache
	}

	var notifier service.Notifier
	if producer != nil {
		notifier = service.NewKafkaNotifier(producer, log)
	} else {
		notifier = service.NewNoopNotifier(log)
	}

	reconciler := service.NewReconcilerService(subscriptionRepo, workspaceRepo, txManager, log)
	ledgerSvc := service.NewLedgerService(ledgerRepo, workspaceRepo, auditRepo, txManager, cache, log)
	webhookSvc := service.NewWebhookService(eventRepo, invoiceRepo, subscriptionRepo, auditRepo, ledgerRepo,
		normalizer, reconciler, ledgerSvc, notifier, producer, webhookMetrics, cfg.Plans, log)

	zapLog, err := zap.NewProduction()
	if err != nil {
		log.Fatalw("Failed to initialize zap logger", "error", err)
	}
	defer zapLog.Sync()

	router := rest.SetupRouter(rest.Deps{
		Normalizer:     normalizer,
		WebhookService: webhookSvc,
		LedgerService:  ledgerSvc,
		Registry:       registry,
		Log:            log,
		ZapLog:         zapLog,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("Starting HTTP server", "port", cfg.App.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	log.Infow("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Infow("HTTP server gracefully stopped")
	}

	log.Infow("Cleanup finished. Goodbye!")
}

// initLogger инициализирует новый логгер
func initLogger() *logger.Logger {
	logLevel := logger.INFO
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = logger.DEBUG
	}
	return logger.New(logLevel)
}
