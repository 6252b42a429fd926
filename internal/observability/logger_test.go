package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_LevelMapping(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		level        string
		debugEnabled bool
	}{
		{name: "debug level", level: "debug", debugEnabled: true},
		{name: "info level", level: "info", debugEnabled: false},
		{name: "empty level defaults to info", level: "", debugEnabled: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tc.level)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if logger == nil {
				t.Fatal("logger should not be nil")
			}

			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tc.debugEnabled {
				t.Fatalf("debug enabled=%v, want=%v", got, tc.debugEnabled)
			}
		})
	}
}

func TestNewLogger_Options(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger("warn", WithService(" worker "), WithEnvironment("Production"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be disabled at warn level")
	}

	dev, err := NewLogger("debug", WithEnvironment("development"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dev.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug should be enabled")
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger("not-a-level")
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
	if logger != nil {
		t.Fatal("expected nil logger for invalid level")
	}
}

func TestCorrelationID_ContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := WithCorrelationID(context.Background(), "cid-123")
	correlationID, ok := CorrelationIDFromContext(ctx)
	if !ok {
		t.Fatal("expected correlation id to exist")
	}
	if correlationID != "cid-123" {
		t.Fatalf("correlation id=%q, want=%q", correlationID, "cid-123")
	}
}

func TestCorrelationID_MissingValue(t *testing.T) {
	t.Parallel()

	_, ok := CorrelationIDFromContext(context.Background())
	if ok {
		t.Fatal("expected correlation id to be missing")
	}
}

func TestWithContextLogger(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger := zap.New(core)

	ctx := WithCorrelationID(context.Background(), "cid-789")
	loggerWithContext := WithContextLogger(baseLogger, ctx)
	loggerWithContext.Info("message with correlation")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}

	if got := entries[0].ContextMap()["correlationId"]; got != "cid-789" {
		t.Fatalf("correlationId=%v, want=%q", got, "cid-789")
	}
}

func TestWithContextLogger_NoCorrelationID(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger := zap.New(core)

	loggerWithContext := WithContextLogger(baseLogger, context.Background())
	loggerWithContext.Info("message without correlation")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}

	if _, ok := entries[0].ContextMap()["correlationId"]; ok {
		t.Fatal("expected correlationId field to be absent")
	}
}

func TestWithContextLogger_NilLogger(t *testing.T) {
	t.Parallel()

	if got := WithContextLogger(nil, context.Background()); got != nil {
		t.Fatal("expected nil logger")
	}
}

func TestCritical(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	Critical(zap.New(core), "dispatch batch abandoned", zap.Int("tokens", 3))

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("level=%s, want error", entries[0].Level)
	}
	fields := entries[0].ContextMap()
	if fields["severity"] != "critical" || fields["tokens"] != int64(3) {
		t.Fatalf("fields=%v", fields)
	}

	Critical(nil, "ignored")
}
