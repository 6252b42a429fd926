package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/pushfiscal/internal/bootstrap"
	"github.com/kursadbilgin/pushfiscal/internal/config"
	"github.com/kursadbilgin/pushfiscal/internal/handler"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"github.com/kursadbilgin/pushfiscal/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel,
		observability.WithService("api"),
		observability.WithEnvironment(cfg.Environment),
	)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.Open(ctx, cfg, logger, "api")
	if err != nil {
		logger.Fatal("infrastructure initialization failed", zap.Error(err))
	}
	defer infra.Close()

	services, err := bootstrap.NewServices(ctx, infra)
	if err != nil {
		logger.Fatal("service initialization failed", zap.Error(err))
	}
	defer services.Close()

	app := fiber.New(fiber.Config{
		AppName:      "pushfiscal-api",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(transport.RequestID())
	app.Use(infra.Metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(infra.Metrics.Handler()))

	handler.RegisterHealthRoutes(app,
		handler.PostgresCheck(infra.SQLDB),
		handler.RedisCheck(infra.Redis),
		handler.PingCheck("rabbitmq", infra.RabbitMQ),
	)
	if err := handler.RegisterTokenRoutes(app, services.Tokens, logger.Named("http")); err != nil {
		logger.Fatal("token routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterNotificationRoutes(app, services.Notifier); err != nil {
		logger.Fatal("notification routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterReceiptRoutes(app, services.Fiscal, services.Archive); err != nil {
		logger.Fatal("receipt routes registration failed", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("pushfiscal api started", zap.Int("port", cfg.APIPort))
	if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
		logger.Error("http server stopped with error", zap.Error(err))
	}
	logger.Info("pushfiscal api stopped")
}
