// Package bootstrap opens the shared infrastructure and builds the service
// graph used by the api, worker and opsctl binaries.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kursadbilgin/pushfiscal/internal/config"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/infra/postgresql"
	"github.com/kursadbilgin/pushfiscal/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/pushfiscal/internal/infra/redis"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"github.com/kursadbilgin/pushfiscal/internal/provider"
	"github.com/kursadbilgin/pushfiscal/internal/queue"
	"github.com/kursadbilgin/pushfiscal/internal/ratelimit"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"github.com/kursadbilgin/pushfiscal/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobLockPrefix = "pushfiscal:jobs"

// Infra holds the connections every binary needs.
type Infra struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *gorm.DB
	SQLDB    *sql.DB
	Redis    *goredis.Client
	RabbitMQ *queue.RabbitMQ
	Metrics  *observability.Metrics
}

// Open connects postgres (running migrations), redis and rabbitmq. component
// names the broker connection, e.g. "api" or "worker".
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, component string) (*Infra, error) {
	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres initialization failed: %w", err)
	}

	if err := migrations.Migrate(db); err != nil {
		return nil, fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
	}

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL, infraredis.ClientConfig{
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("redis initialization failed: %w", err)
	}

	mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, "pushfiscal-"+component)
	if err != nil {
		_ = rdb.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
	}

	return &Infra{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		SQLDB:    sqlDB,
		Redis:    rdb,
		RabbitMQ: mq,
		Metrics:  observability.NewMetrics(),
	}, nil
}

func (i *Infra) Close() {
	if i.RabbitMQ != nil {
		if err := i.RabbitMQ.Close(); err != nil {
			i.Logger.Warn("failed to close rabbitmq", zap.Error(err))
		}
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.SQLDB != nil {
		_ = i.SQLDB.Close()
	}
}

// Services is the wired service graph.
type Services struct {
	Users         *repository.GormUserRepo
	Notifications *repository.GormNotificationRepo
	Receipts      *repository.GormReceiptRepo

	Publisher   *queue.RabbitMQPublisher
	Gateways    *provider.GatewayHandle
	Tokens      *service.TokenStore
	Dispatcher  *service.Dispatcher
	Notifier    *service.NotificationService
	Archive     *service.ArchiveSync
	Fiscal      *service.ReceiptService
	Retry       *service.RetryScheduler
	Maintenance *service.Maintenance
}

// NewServices builds every service on top of infra. A push gateway that cannot
// be initialized is logged and left for the dispatcher to retry.
func NewServices(ctx context.Context, infra *Infra) (*Services, error) {
	cfg := infra.Config
	logger := infra.Logger

	s := &Services{
		Users:         repository.NewGormUserRepo(infra.DB),
		Notifications: repository.NewGormNotificationRepo(infra.DB),
		Receipts:      repository.NewGormReceiptRepo(infra.DB),
		Publisher:     queue.NewRabbitMQPublisher(infra.RabbitMQ),
	}

	cache, err := infraredis.NewTokenCache(infra.Redis, cfg.Push.TokenCacheTTL)
	if err != nil {
		return nil, err
	}
	policy := domain.DefaultTokenPolicy(cfg.Environment, cfg.Push.AllowTestTokens)
	s.Tokens, err = service.NewTokenStore(s.Users, cache, policy, cfg.Push.MaxTokensPerUser, logger.Named("tokens"))
	if err != nil {
		return nil, err
	}

	fcmCfg := provider.FCMConfig{
		ProjectID:       cfg.Push.FCMProjectID,
		CredentialsFile: cfg.Push.FCMCredentialsFile,
		CredentialsJSON: cfg.Push.FCMCredentialsJSON,
		Timeout:         cfg.Push.SendTimeout,
	}
	s.Gateways, err = provider.NewGatewayHandle(provider.FCMFactory(fcmCfg), logger.Named("gateway"))
	if err != nil {
		return nil, err
	}
	if _, err := s.Gateways.Reinitialize(ctx, 0); err != nil {
		logger.Warn("push gateway unavailable at startup", zap.Error(err))
	}

	limiter, err := infraredis.NewRedisRateLimiter(infra.Redis, cfg.Push.RateLimitPerSec, map[string]int{
		ratelimit.ScopePush: cfg.Push.RateLimitPerSec,
		ratelimit.ScopeSMS:  cfg.SMS.RateLimitPerSec,
	})
	if err != nil {
		return nil, err
	}
	defaults := service.MessageDefaults{
		AndroidChannelID:   cfg.Push.AndroidChannelID,
		AndroidIcon:        cfg.Push.AndroidIcon,
		AndroidColor:       cfg.Push.AndroidColor,
		AndroidClickAction: cfg.Push.AndroidClickAction,
		WebIcon:            cfg.Push.WebIcon,
	}
	s.Dispatcher, err = service.NewDispatcher(s.Gateways, s.Tokens, limiter, defaults, cfg.Push.SendConcurrency, logger.Named("dispatcher"))
	if err != nil {
		return nil, err
	}
	s.Dispatcher.SetMetrics(infra.Metrics)

	sms, err := provider.NewSMSSender(cfg.SMS, logger.Named("sms"))
	if err != nil {
		return nil, err
	}
	s.Notifier, err = service.NewNotificationService(s.Notifications, s.Users, s.Tokens, s.Dispatcher, sms, s.Publisher, logger.Named("notifications"))
	if err != nil {
		return nil, err
	}
	s.Notifier.SetMetrics(infra.Metrics)
	s.Notifier.SetSMSRateLimiter(limiter)

	lock, err := infraredis.NewUniqueLock(infra.Redis, jobLockPrefix)
	if err != nil {
		return nil, err
	}
	archiveClient := provider.NewArchiveClient(provider.ArchiveConfig{
		Endpoint: cfg.Archive.Endpoint,
		APIKey:   cfg.Archive.APIKey,
		Timeout:  cfg.Archive.Timeout,
	})
	s.Archive, err = service.NewArchiveSync(s.Receipts, archiveClient, s.Publisher, lock, service.ArchiveSyncConfig{
		Enabled: cfg.Archive.Enabled,
		Sandbox: cfg.VFD.Sandbox,
	}, logger.Named("archive"))
	if err != nil {
		return nil, err
	}
	s.Archive.SetMetrics(infra.Metrics)

	vfd := provider.NewVFDClient(provider.VFDConfig{
		BaseURL: cfg.VFD.BaseURL,
		APIKey:  cfg.VFD.APIKey,
		TIN:     cfg.VFD.TIN,
		Sandbox: cfg.VFD.Sandbox,
		Timeout: cfg.VFD.Timeout,
	})
	s.Fiscal, err = service.NewReceiptService(s.Receipts, vfd, s.Notifier, s.Archive, cfg.VFD.Enabled, logger.Named("receipts"))
	if err != nil {
		return nil, err
	}
	s.Fiscal.SetMetrics(infra.Metrics)

	s.Retry, err = service.NewRetryScheduler(s.Notifications, s.Notifier, service.RetrySchedulerConfig{
		Interval:    cfg.Notification.RetryInterval,
		Window:      cfg.Notification.RetryWindow,
		MaxAttempts: cfg.Notification.RetryMaxAttempts,
		Limit:       cfg.Notification.RetryBatchSize,
	}, logger.Named("retry"))
	if err != nil {
		return nil, err
	}
	s.Retry.SetMetrics(infra.Metrics)

	s.Maintenance, err = service.NewMaintenance(s.Notifications, s.Receipts, s.Fiscal, service.MaintenanceConfig{
		Interval:              cfg.Maintenance.Interval,
		NotificationRetention: cfg.Maintenance.NotificationRetention,
		ReceiptRetention:      cfg.Maintenance.ReceiptRetention,
	}, logger.Named("maintenance"))
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Close retires the push gateway.
func (s *Services) Close() {
	if s.Gateways != nil {
		s.Gateways.Close()
	}
}
