package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"go.uber.org/zap"
)

type stubTokenService struct {
	addFn    func(ctx context.Context, userID int64, token string, deviceID *string) (bool, error)
	removeFn func(ctx context.Context, userID int64, token string) (bool, error)
	clearFn  func(ctx context.Context, userID int64) (bool, error)
	listFn   func(ctx context.Context, userID int64) ([]domain.DeviceToken, error)
}

func (s *stubTokenService) AddToken(ctx context.Context, userID int64, token string, deviceID *string) (bool, error) {
	if s.addFn != nil {
		return s.addFn(ctx, userID, token, deviceID)
	}
	return true, nil
}

func (s *stubTokenService) RemoveToken(ctx context.Context, userID int64, token string) (bool, error) {
	if s.removeFn != nil {
		return s.removeFn(ctx, userID, token)
	}
	return true, nil
}

func (s *stubTokenService) ClearTokens(ctx context.Context, userID int64) (bool, error) {
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	return true, nil
}

func (s *stubTokenService) GetTokensWithMetadata(ctx context.Context, userID int64) ([]domain.DeviceToken, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID)
	}
	return nil, nil
}

func newTokenTestApp(t *testing.T, svc TokenService) *fiber.App {
	t.Helper()
	return newTestApp(t, func(app *fiber.App) error {
		return RegisterTokenRoutes(app, svc, zap.NewNop())
	})
}

func TestTokenHandler_RegisterToken(t *testing.T) {
	t.Parallel()

	var gotUser int64
	var gotToken string
	var gotDevice *string
	svc := &stubTokenService{
		addFn: func(_ context.Context, userID int64, token string, deviceID *string) (bool, error) {
			gotUser, gotToken, gotDevice = userID, token, deviceID
			return true, nil
		},
	}
	app := newTokenTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/users/42/tokens", `{"token":"  fcm:abc  ","deviceId":"pixel-8"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if gotUser != 42 || gotToken != "fcm:abc" {
		t.Fatalf("AddToken(%d, %q), want (42, fcm:abc)", gotUser, gotToken)
	}
	if gotDevice == nil || *gotDevice != "pixel-8" {
		t.Fatalf("deviceID = %v, want pixel-8", gotDevice)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if payload["registered"] != true {
		t.Fatalf("registered = %v, want true", payload["registered"])
	}
}

func TestTokenHandler_RegisterTokenNeverFailsLogin(t *testing.T) {
	t.Parallel()

	svc := &stubTokenService{
		addFn: func(context.Context, int64, string, *string) (bool, error) {
			return false, errors.New("redis unavailable")
		},
	}
	app := newTokenTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/users/42/tokens", `{"token":"fcm:abc"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if payload["registered"] != false {
		t.Fatalf("registered = %v, want false", payload["registered"])
	}
}

func TestTokenHandler_RegisterTokenValidation(t *testing.T) {
	t.Parallel()

	app := newTokenTestApp(t, &stubTokenService{})

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "non numeric user", path: "/v1/users/abc/tokens", body: `{"token":"t"}`},
		{name: "zero user", path: "/v1/users/0/tokens", body: `{"token":"t"}`},
		{name: "missing token", path: "/v1/users/1/tokens", body: `{}`},
		{name: "malformed body", path: "/v1/users/1/tokens", body: `{"token":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, body := performRequest(t, app, http.MethodPost, tt.path, tt.body)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, string(body))
			}
		})
	}
}

func TestTokenHandler_RemoveTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		path      string
		body      string
		wantToken string
		wantAll   bool
	}{
		{name: "token in body", path: "/v1/users/7/tokens", body: `{"token":"fcm:one"}`, wantToken: "fcm:one"},
		{name: "token in query", path: "/v1/users/7/tokens?token=fcm:two", wantToken: "fcm:two"},
		{name: "no token clears all", path: "/v1/users/7/tokens", wantAll: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var removedToken string
			var cleared bool
			svc := &stubTokenService{
				removeFn: func(_ context.Context, userID int64, token string) (bool, error) {
					removedToken = token
					return true, nil
				},
				clearFn: func(_ context.Context, userID int64) (bool, error) {
					cleared = true
					return true, nil
				},
			}
			app := newTokenTestApp(t, svc)

			resp, body := performRequest(t, app, http.MethodDelete, tt.path, tt.body)
			if resp.StatusCode != fiber.StatusOK {
				t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
			}
			if removedToken != tt.wantToken {
				t.Fatalf("removed token = %q, want %q", removedToken, tt.wantToken)
			}
			if cleared != tt.wantAll {
				t.Fatalf("cleared = %v, want %v", cleared, tt.wantAll)
			}

			var payload map[string]any
			if err := json.Unmarshal(body, &payload); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if payload["all"] != tt.wantAll {
				t.Fatalf("all = %v, want %v", payload["all"], tt.wantAll)
			}
		})
	}
}

func TestTokenHandler_ListTokens(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &stubTokenService{
		listFn: func(_ context.Context, userID int64) ([]domain.DeviceToken, error) {
			if userID != 9 {
				t.Errorf("userID = %d, want 9", userID)
			}
			return []domain.DeviceToken{
				{Token: "fcm:a", Platform: domain.PlatformAndroid, CreatedAt: created, LastUsedAt: created},
				{Token: "webpush-b", Platform: domain.PlatformWeb, CreatedAt: created, LastUsedAt: created},
			}, nil
		},
	}
	app := newTokenTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/users/9/tokens", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var payload struct {
		Data []tokenResponse `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(payload.Data) != 2 {
		t.Fatalf("len(data) = %d, want 2", len(payload.Data))
	}
	if payload.Data[0].Platform != domain.PlatformAndroid.String() {
		t.Fatalf("platform = %q, want %q", payload.Data[0].Platform, domain.PlatformAndroid.String())
	}
}
