package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/kursadbilgin/pushfiscal/internal/bootstrap"
	"github.com/kursadbilgin/pushfiscal/internal/config"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"github.com/kursadbilgin/pushfiscal/internal/queue"
	"github.com/kursadbilgin/pushfiscal/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const metricsAddr = ":9100"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel,
		observability.WithService("worker"),
		observability.WithEnvironment(cfg.Environment),
	)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.Open(ctx, cfg, logger, "worker")
	if err != nil {
		logger.Fatal("infrastructure initialization failed", zap.Error(err))
	}
	defer infra.Close()

	services, err := bootstrap.NewServices(ctx, infra)
	if err != nil {
		logger.Fatal("service initialization failed", zap.Error(err))
	}
	defer services.Close()

	consumer := queue.NewRabbitMQConsumer(infra.RabbitMQ, cfg.WorkerConcurrency, logger.Named("consumer"))
	worker, err := service.NewWorkerService(consumer, services.Publisher, services.Notifier, services.Archive, cfg.WorkerConcurrency, logger.Named("worker"))
	if err != nil {
		logger.Fatal("worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(infra.Metrics)

	metricsServer := &http.Server{Addr: metricsAddr, Handler: infra.Metrics.Handler()}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return services.Retry.Start(groupCtx) })
	g.Go(func() error { return services.Maintenance.Start(groupCtx) })
	g.Go(func() error {
		err := metricsServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return metricsServer.Close()
	})

	logger.Info("pushfiscal worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Strings("queues", queue.WorkQueueNames()),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
	}
	logger.Info("pushfiscal worker stopped")
}
