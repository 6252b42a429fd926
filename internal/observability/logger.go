package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationIDKey struct{}

type loggerOptions struct {
	service     string
	environment string
}

// LoggerOption tags every entry of the built logger.
type LoggerOption func(*loggerOptions)

// WithService names the binary (api, worker, opsctl) in every entry.
func WithService(name string) LoggerOption {
	return func(o *loggerOptions) { o.service = strings.TrimSpace(name) }
}

// WithEnvironment records APP_ENV. Development builds use the console encoder.
func WithEnvironment(env string) LoggerOption {
	return func(o *loggerOptions) { o.environment = strings.ToLower(strings.TrimSpace(env)) }
}

// NewLogger builds the process logger. Output goes to stderr so command
// output on stdout stays machine readable.
func NewLogger(level string, opts ...LoggerOption) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var o loggerOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if o.environment == "development" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	fields := make(map[string]any, 2)
	if o.service != "" {
		fields["service"] = o.service
	}
	if o.environment != "" {
		fields["env"] = o.environment
	}
	if len(fields) > 0 {
		cfg.InitialFields = fields
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	correlationID, ok := ctx.Value(correlationIDKey{}).(string)
	if !ok || correlationID == "" {
		return "", false
	}

	return correlationID, true
}

func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	correlationID, ok := CorrelationIDFromContext(ctx)
	if !ok {
		return logger
	}

	return logger.With(zap.String("correlationId", correlationID))
}

// Critical logs at error level tagged severity=critical, the signal operators
// alert on when a whole unit of work is abandoned.
func Critical(logger *zap.Logger, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	logger.Error(msg, append(fields, zap.String("severity", "critical"))...)
}
