package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealth_Livez(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, func(app *fiber.App) error {
		RegisterHealthRoutes(app)
		return nil
	})

	resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
}

func TestHealth_Readyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pgErr      error
		redisErr   error
		brokerErr  error
		wantStatus int
		wantDown   []string
	}{
		{name: "all healthy", wantStatus: fiber.StatusOK},
		{
			name:       "postgres and redis down",
			pgErr:      errors.New("postgres down"),
			redisErr:   errors.New("redis down"),
			wantStatus: fiber.StatusServiceUnavailable,
			wantDown:   []string{"postgres", "redis"},
		},
		{
			name:       "broker down",
			brokerErr:  errors.New("connection refused"),
			wantStatus: fiber.StatusServiceUnavailable,
			wantDown:   []string{"rabbitmq"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sqlDB := sql.OpenDB(stubConnector{pingErr: tt.pgErr})
			t.Cleanup(func() { _ = sqlDB.Close() })
			rdb := newStubRedisClient(tt.redisErr)
			t.Cleanup(func() { _ = rdb.Close() })

			app := newTestApp(t, func(app *fiber.App) error {
				RegisterHealthRoutes(app,
					PostgresCheck(sqlDB),
					RedisCheck(rdb),
					PingCheck("rabbitmq", stubPinger{err: tt.brokerErr}),
				)
				return nil
			})

			resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantStatus, string(body))
			}

			var payload struct {
				Checks map[string]string `json:"checks"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if len(payload.Checks) != 3 {
				t.Fatalf("checks = %v, want 3 entries", payload.Checks)
			}
			for _, name := range tt.wantDown {
				if payload.Checks[name] != "down" {
					t.Fatalf("checks[%s] = %q, want down", name, payload.Checks[name])
				}
			}
		})
	}
}
