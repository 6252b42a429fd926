package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedis_AppliesClientConfig(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0", ClientConfig{
		PoolSize:    7,
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	opts := client.Options()
	if opts.PoolSize != 7 {
		t.Fatalf("PoolSize = %d, want 7", opts.PoolSize)
	}
	if opts.DialTimeout != 2*time.Second {
		t.Fatalf("DialTimeout = %s, want 2s", opts.DialTimeout)
	}
}

func TestNewRedis_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewRedis(context.Background(), "not-a-url", ClientConfig{}); err == nil {
		t.Fatal("expected parse error")
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	if _, err := NewRedis(context.Background(), "redis://"+addr, ClientConfig{DialTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatal("expected ping error against a stopped server")
	}
}

func TestClientOptions_KeepsURLSettingsWhenUnset(t *testing.T) {
	t.Parallel()

	opts, err := clientOptions("redis://localhost:6379/3?pool_size=11", ClientConfig{})
	if err != nil {
		t.Fatalf("clientOptions() error = %v", err)
	}
	if opts.DB != 3 {
		t.Fatalf("DB = %d, want 3", opts.DB)
	}
	if opts.PoolSize != 11 {
		t.Fatalf("PoolSize = %d, want 11 from url", opts.PoolSize)
	}
}
