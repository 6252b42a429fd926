package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"github.com/kursadbilgin/pushfiscal/internal/service"
)

type stubNotificationService struct {
	notifyFn        func(ctx context.Context, req service.NotifyRequest) ([]domain.NotificationRecord, error)
	smsFn           func(ctx context.Context, req service.SMSRequest) (*domain.NotificationRecord, error)
	getByIDFn       func(ctx context.Context, id string) (*domain.NotificationRecord, error)
	listFn          func(ctx context.Context, params repository.ListParams) ([]domain.NotificationRecord, int64, error)
	markDeliveredFn func(ctx context.Context, id string) error
	markReadFn      func(ctx context.Context, id string) error
}

func (s *stubNotificationService) NotifyUsers(ctx context.Context, req service.NotifyRequest) ([]domain.NotificationRecord, error) {
	if s.notifyFn != nil {
		return s.notifyFn(ctx, req)
	}
	return nil, nil
}

func (s *stubNotificationService) SendSMS(ctx context.Context, req service.SMSRequest) (*domain.NotificationRecord, error) {
	if s.smsFn != nil {
		return s.smsFn(ctx, req)
	}
	return nil, nil
}

func (s *stubNotificationService) GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubNotificationService) List(ctx context.Context, params repository.ListParams) ([]domain.NotificationRecord, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubNotificationService) MarkDelivered(ctx context.Context, id string) error {
	if s.markDeliveredFn != nil {
		return s.markDeliveredFn(ctx, id)
	}
	return nil
}

func (s *stubNotificationService) MarkRead(ctx context.Context, id string) error {
	if s.markReadFn != nil {
		return s.markReadFn(ctx, id)
	}
	return nil
}

func newNotificationTestApp(t *testing.T, svc NotificationService) *fiber.App {
	t.Helper()
	return newTestApp(t, func(app *fiber.App) error {
		return RegisterNotificationRoutes(app, svc)
	})
}

func recordsFor(req service.NotifyRequest, status domain.Status) []domain.NotificationRecord {
	records := make([]domain.NotificationRecord, 0, len(req.UserIDs))
	for i, userID := range req.UserIDs {
		records = append(records, domain.NotificationRecord{
			ID:      fmt.Sprintf("n-%d", i+1),
			UserID:  userID,
			Channel: domain.ChannelPush,
			Type:    req.Type,
			Title:   req.Title,
			Body:    req.Body,
			Status:  status,
		})
	}
	return records
}

func TestNotificationHandler_SendPush(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantRecord domain.Status
	}{
		{
			name:       "inline delivery",
			body:       `{"userIds":[1,2],"type":"order_delivered","title":"Delivered","body":"Your order arrived"}`,
			wantStatus: fiber.StatusOK,
			wantRecord: domain.StatusSent,
		},
		{
			name:       "async delivery",
			body:       `{"userIds":[1,2],"type":"order_delivered","title":"Delivered","body":"Your order arrived","async":true}`,
			wantStatus: fiber.StatusAccepted,
			wantRecord: domain.StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got service.NotifyRequest
			svc := &stubNotificationService{
				notifyFn: func(_ context.Context, req service.NotifyRequest) ([]domain.NotificationRecord, error) {
					got = req
					if req.Async {
						return recordsFor(req, domain.StatusPending), nil
					}
					return recordsFor(req, domain.StatusSent), nil
				},
			}
			app := newNotificationTestApp(t, svc)

			resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantStatus, string(body))
			}
			if got.Type != domain.TypeOrderDelivered {
				t.Fatalf("type = %q, want order_delivered", got.Type)
			}
			if got.CorrelationID == "" {
				t.Fatal("correlation id was not propagated from the request id")
			}

			var payload struct {
				Data []notificationResponse `json:"data"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if len(payload.Data) != 2 {
				t.Fatalf("len(data) = %d, want 2", len(payload.Data))
			}
			for _, rec := range payload.Data {
				if rec.Status != tt.wantRecord.String() {
					t.Fatalf("record status = %q, want %q", rec.Status, tt.wantRecord)
				}
			}
		})
	}
}

func TestNotificationHandler_SendPushValidation(t *testing.T) {
	t.Parallel()

	called := false
	svc := &stubNotificationService{
		notifyFn: func(context.Context, service.NotifyRequest) ([]domain.NotificationRecord, error) {
			called = true
			return nil, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	tests := []struct {
		name string
		body string
	}{
		{name: "no recipients", body: `{"userIds":[],"type":"system","title":"t","body":"b"}`},
		{name: "non positive recipient", body: `{"userIds":[0],"type":"system","title":"t","body":"b"}`},
		{name: "unknown type", body: `{"userIds":[1],"type":"birthday","title":"t","body":"b"}`},
		{name: "missing title", body: `{"userIds":[1],"type":"system","body":"b"}`},
		{name: "bad image url", body: `{"userIds":[1],"type":"system","title":"t","body":"b","imageUrl":"not a url"}`},
		{name: "title too long", body: fmt.Sprintf(`{"userIds":[1],"type":"system","title":%q,"body":"b"}`, strings.Repeat("a", domain.MaxTitleLength+1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications", tt.body)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, string(body))
			}
		})
	}
	if called {
		t.Fatal("NotifyUsers called for an invalid request")
	}
}

func TestNotificationHandler_SendSMS(t *testing.T) {
	t.Parallel()

	t.Run("recorded", func(t *testing.T) {
		t.Parallel()

		svc := &stubNotificationService{
			smsFn: func(_ context.Context, req service.SMSRequest) (*domain.NotificationRecord, error) {
				if req.UserID != 5 || req.Type != domain.TypeReceiptIssued {
					t.Errorf("request = %+v", req)
				}
				return &domain.NotificationRecord{
					ID:      "sms-1",
					UserID:  req.UserID,
					Channel: domain.ChannelSMS,
					Type:    req.Type,
					Body:    req.Body,
					Status:  domain.StatusSent,
				}, nil
			},
		}
		app := newNotificationTestApp(t, svc)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications/sms", `{"userId":5,"type":"receipt_issued","body":"Receipt: https://r.example/1"}`)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
		var rec notificationResponse
		if err := json.Unmarshal(body, &rec); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if rec.ID != "sms-1" || rec.Channel != domain.ChannelSMS.String() {
			t.Fatalf("record = %+v", rec)
		}
	})

	t.Run("phone only is not recorded", func(t *testing.T) {
		t.Parallel()

		app := newNotificationTestApp(t, &stubNotificationService{})

		resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications/sms", `{"phone":"+255700000001","type":"system","body":"hi"}`)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if payload["recorded"] != false {
			t.Fatalf("recorded = %v, want false", payload["recorded"])
		}
	})

	t.Run("unconfigured gateway is unavailable", func(t *testing.T) {
		t.Parallel()

		svc := &stubNotificationService{
			smsFn: func(context.Context, service.SMSRequest) (*domain.NotificationRecord, error) {
				return nil, fmt.Errorf("%w: sms gateway", domain.ErrNotConfigured)
			},
		}
		app := newNotificationTestApp(t, svc)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications/sms", `{"userId":5,"type":"system","body":"hi"}`)
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})
}

func TestNotificationHandler_GetNotification(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		getByIDFn: func(_ context.Context, id string) (*domain.NotificationRecord, error) {
			if id != "n-1" {
				return nil, domain.ErrNotFound
			}
			return &domain.NotificationRecord{
				ID:      "n-1",
				UserID:  3,
				Channel: domain.ChannelPush,
				Type:    domain.TypeSystem,
				Title:   "Hello",
				Body:    "World",
				Status:  domain.StatusDelivered,
			}, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications/n-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var rec notificationResponse
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if rec.Status != domain.StatusDelivered.String() {
		t.Fatalf("status = %q, want delivered", rec.Status)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/notifications/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNotificationHandler_ListNotificationsFilters(t *testing.T) {
	t.Parallel()

	var got repository.ListParams
	svc := &stubNotificationService{
		listFn: func(_ context.Context, params repository.ListParams) ([]domain.NotificationRecord, int64, error) {
			got = params
			return []domain.NotificationRecord{{ID: "n-1", Status: domain.StatusFailed}}, 41, nil
		},
	}
	app := newNotificationTestApp(t, svc)

	path := "/v1/notifications?page=2&pageSize=20&userId=8&status=failed&channel=sms&from=2026-01-01T00:00:00Z&to=2026-01-31T00:00:00Z"
	resp, body := performRequest(t, app, http.MethodGet, path, "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	if got.Page != 2 || got.PageSize != 20 {
		t.Fatalf("paging = %d/%d, want 2/20", got.Page, got.PageSize)
	}
	if got.UserID == nil || *got.UserID != 8 {
		t.Fatalf("userID = %v, want 8", got.UserID)
	}
	if got.Status == nil || *got.Status != domain.StatusFailed {
		t.Fatalf("status = %v, want failed", got.Status)
	}
	if got.Channel == nil || *got.Channel != domain.ChannelSMS {
		t.Fatalf("channel = %v, want sms", got.Channel)
	}
	wantFrom := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got.From == nil || !got.From.Equal(wantFrom) {
		t.Fatalf("from = %v, want %v", got.From, wantFrom)
	}

	var payload listNotificationsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if payload.Meta.Total != 41 || len(payload.Data) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestNotificationHandler_ListNotificationsRejectsBadParams(t *testing.T) {
	t.Parallel()

	app := newNotificationTestApp(t, &stubNotificationService{})

	paths := []string{
		"/v1/notifications?page=0",
		"/v1/notifications?pageSize=101",
		"/v1/notifications?userId=-4",
		"/v1/notifications?status=bounced",
		"/v1/notifications?channel=email",
		"/v1/notifications?from=yesterday",
		"/v1/notifications?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z",
	}
	for _, path := range paths {
		resp, body := performRequest(t, app, http.MethodGet, path, "")
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400, body=%s", path, resp.StatusCode, string(body))
		}
	}
}

func TestNotificationHandler_StatusTransitions(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		markDeliveredFn: func(_ context.Context, id string) error {
			if id == "n-read" {
				return fmt.Errorf("%w: cannot move read to delivered", domain.ErrConflict)
			}
			return nil
		},
		markReadFn: func(_ context.Context, id string) error {
			if id == "missing" {
				return domain.ErrNotFound
			}
			return nil
		},
	}
	app := newNotificationTestApp(t, svc)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{path: "/v1/notifications/n-1/delivered", wantStatus: fiber.StatusOK},
		{path: "/v1/notifications/n-read/delivered", wantStatus: fiber.StatusConflict},
		{path: "/v1/notifications/n-1/read", wantStatus: fiber.StatusOK},
		{path: "/v1/notifications/missing/read", wantStatus: fiber.StatusNotFound},
	}
	for _, tt := range tests {
		resp, body := performRequest(t, app, http.MethodPost, tt.path, "")
		if resp.StatusCode != tt.wantStatus {
			t.Fatalf("%s: status = %d, want %d, body=%s", tt.path, resp.StatusCode, tt.wantStatus, string(body))
		}
	}
}
