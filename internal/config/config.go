package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string `env:"RABBITMQ_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	Environment       string `env:"APP_ENV,default=development"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=8"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`

	Database     DatabaseConfig
	Redis        RedisConfig
	Push         PushConfig
	Notification NotificationConfig
	VFD          VFDConfig
	Archive      ArchiveConfig
	SMS          SMSConfig
	Maintenance  MaintenanceConfig
}

// DatabaseConfig sizes the postgres connection pool.
type DatabaseConfig struct {
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=1h"`
	ConnectTimeout  time.Duration `env:"DB_CONNECT_TIMEOUT,default=10s"`
	LogLevel        string        `env:"DB_LOG_LEVEL,default=warn"`
}

type RedisConfig struct {
	PoolSize     int           `env:"REDIS_POOL_SIZE,default=0"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT,default=5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT,default=3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT,default=3s"`
}

type PushConfig struct {
	AllowTestTokens    bool          `env:"PUSH_ALLOW_TEST_TOKENS,default=false"`
	MaxTokensPerUser   int           `env:"PUSH_MAX_TOKENS_PER_USER,default=10"`
	TokenCacheTTL      time.Duration `env:"PUSH_TOKEN_CACHE_TTL,default=168h"`
	SendTimeout        time.Duration `env:"PUSH_SEND_TIMEOUT,default=10s"`
	SendConcurrency    int           `env:"PUSH_SEND_CONCURRENCY,default=8"`
	RateLimitPerSec    int           `env:"PUSH_RATE_LIMIT_PER_SEC,default=500"`
	FCMProjectID       string        `env:"FCM_PROJECT_ID"`
	FCMCredentialsFile string        `env:"FCM_CREDENTIALS_FILE"`
	FCMCredentialsJSON string        `env:"FCM_CREDENTIALS_JSON"`
	AndroidChannelID   string        `env:"PUSH_ANDROID_CHANNEL_ID,default=default"`
	AndroidIcon        string        `env:"PUSH_ANDROID_ICON,default=ic_notification"`
	AndroidColor       string        `env:"PUSH_ANDROID_COLOR,default=#FF6B00"`
	AndroidClickAction string        `env:"PUSH_ANDROID_CLICK_ACTION,default=FLUTTER_NOTIFICATION_CLICK"`
	WebIcon            string        `env:"PUSH_WEB_ICON,default=/icon-192.png"`
}

type NotificationConfig struct {
	RetryMaxAttempts int           `env:"NOTIFICATION_RETRY_MAX_ATTEMPTS,default=3"`
	RetryWindow      time.Duration `env:"NOTIFICATION_RETRY_WINDOW,default=24h"`
	RetryInterval    time.Duration `env:"NOTIFICATION_RETRY_INTERVAL,default=5m"`
	RetryBatchSize   int           `env:"NOTIFICATION_RETRY_BATCH,default=100"`
}

type VFDConfig struct {
	Enabled bool          `env:"VFD_ENABLED,default=true"`
	Sandbox bool          `env:"VFD_SANDBOX,default=true"`
	BaseURL string        `env:"VFD_BASE_URL"`
	APIKey  string        `env:"VFD_API_KEY"`
	TIN     string        `env:"VFD_TIN"`
	Timeout time.Duration `env:"VFD_TIMEOUT,default=30s"`
}

type ArchiveConfig struct {
	Enabled  bool          `env:"ARCHIVE_ENABLED,default=false"`
	Endpoint string        `env:"ARCHIVE_ENDPOINT"`
	APIKey   string        `env:"ARCHIVE_API_KEY"`
	Timeout  time.Duration `env:"ARCHIVE_TIMEOUT,default=15s"`
}

type MaintenanceConfig struct {
	Interval              time.Duration `env:"MAINTENANCE_INTERVAL,default=24h"`
	NotificationRetention time.Duration `env:"NOTIFICATION_RETENTION,default=2160h"`
	ReceiptRetention      time.Duration `env:"RECEIPT_RETENTION,default=0s"`
}

type SMSConfig struct {
	DefaultProvider  string `env:"SMS_DEFAULT_PROVIDER,default=log"`
	SenderID         string `env:"SMS_SENDER_ID,default=INFO"`
	RateLimitPerSec  int    `env:"SMS_RATE_LIMIT_PER_SEC,default=10"`
	BeemAPIKey       string `env:"BEEM_API_KEY"`
	BeemSecretKey    string `env:"BEEM_SECRET_KEY"`
	BeemBaseURL      string `env:"BEEM_BASE_URL,default=https://apisms.beem.africa"`
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `env:"TWILIO_FROM"`
	TwilioBaseURL    string `env:"TWILIO_BASE_URL,default=https://api.twilio.com"`
}

// Load reads the environment, after applying an optional .env file from the
// working directory. Variables already set win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
