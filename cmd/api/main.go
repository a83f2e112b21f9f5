package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gabinetedigital/dispatcher/internal/config"
	"github.com/gabinetedigital/dispatcher/internal/dispatch"
	"github.com/gabinetedigital/dispatcher/internal/gateway"
	"github.com/gabinetedigital/dispatcher/internal/handler"
	"github.com/gabinetedigital/dispatcher/internal/infra/postgresql"
	"github.com/gabinetedigital/dispatcher/internal/infra/postgresql/migrations"
	infraredis "github.com/gabinetedigital/dispatcher/internal/infra/redis"
	"github.com/gabinetedigital/dispatcher/internal/observability"
	"github.com/gabinetedigital/dispatcher/internal/queue"
	"github.com/gabinetedigital/dispatcher/internal/reconcile"
	"github.com/gabinetedigital/dispatcher/internal/repository"
	"github.com/gabinetedigital/dispatcher/internal/sending"
	"github.com/gabinetedigital/dispatcher/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer broker.Close()

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.SendRatePerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	gw, err := gateway.NewWhatsAppGateway(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.SendTimeout())
	if err != nil {
		logger.Fatal("whatsapp gateway initialization failed", zap.Error(err))
	}

	deliveryRepo := repository.NewGormDeliveryRecordRepo(db)
	constituentRepo := repository.NewGormConstituentRepo(db)
	channelRepo := repository.NewGormChannelConfigRepo(db)

	metrics := observability.NewMetrics()
	store := sending.NewStore()

	dispatcher, err := dispatch.NewDispatcher(
		store,
		channelRepo,
		gw,
		deliveryRepo,
		limiter,
		cfg.SendTimeout(),
		cfg.FinishGrace(),
		logger,
	)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	reconciler := reconcile.NewReconciler(deliveryRepo, gw, logger)
	reconciler.SetMetrics(metrics)

	publisher := queue.NewRabbitMQPublisher(broker)
	defer publisher.Close()
	consumer := queue.NewRabbitMQConsumer(broker, 1, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, sqlDB, rdb, broker)
	if err := handler.RegisterBatchRoutes(app, ctx, store, dispatcher, constituentRepo, channelRepo, logger); err != nil {
		logger.Fatal("batch routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterWebhookRoutes(app, publisher, logger); err != nil {
		logger.Fatal("webhook routes registration failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("dispatcher api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("fiber server stopped: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("delivery events consumer started", zap.String("queue", queue.DeliveryEventsQueue))
		return consumer.Consume(gctx, queue.DeliveryEventsQueue, reconciler.HandleEvent)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown with error", zap.Error(err))
	}

	logger.Info("dispatcher stopped")
}
