package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
)

func TestArchiveClientPushAndHealth(t *testing.T) {
	t.Parallel()

	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer archive-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), `"receipt_number":"VFD-1"`) {
				t.Errorf("body = %s", body)
			}
			w.Header().Set("X-Request-ID", "arch-1")
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewArchiveClient(ArchiveConfig{Endpoint: server.URL + "/archive", APIKey: "archive-key"})
	if !client.Configured() {
		t.Fatal("expected configured client")
	}

	resp, err := client.Push(context.Background(), map[string]any{"receipt_number": "VFD-1"})
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated || resp.RequestID != "arch-1" {
		t.Fatalf("response = %+v", resp)
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}

	if len(paths) != 2 || paths[0] != "POST /archive" || paths[1] != "GET /archive/health" {
		t.Fatalf("paths = %v", paths)
	}
}

func TestArchiveClientFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	client := NewArchiveClient(ArchiveConfig{Endpoint: server.URL, APIKey: "k"})
	_, err := client.Push(context.Background(), map[string]any{})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	if providerErr.StatusCode != http.StatusServiceUnavailable || !providerErr.Transient {
		t.Fatalf("provider error = %+v", providerErr)
	}
	if !strings.Contains(providerErr.Error(), "maintenance") {
		t.Fatalf("error text %q should carry the body", providerErr.Error())
	}
	if delay, ok := RetryAfterOf(err); !ok || delay != 2*time.Minute {
		t.Fatalf("RetryAfterOf() = %s, %v, want 2m", delay, ok)
	}

	unconfigured := NewArchiveClient(ArchiveConfig{Endpoint: server.URL})
	if _, err := unconfigured.Push(context.Background(), nil); !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("Push() without key error = %v, want ErrNotConfigured", err)
	}
}
