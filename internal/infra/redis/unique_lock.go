package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// UniqueLock collapses duplicate background jobs onto one in-flight run.
// A key is held from enqueue until the job settles or the TTL lapses.
type UniqueLock struct {
	client *goredis.Client
	prefix string
}

func NewUniqueLock(client *goredis.Client, prefix string) (*UniqueLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "unique"
	}
	return &UniqueLock{client: client, prefix: prefix}, nil
}

func (l *UniqueLock) key(name string) string {
	return l.prefix + ":" + name
}

// Acquire reports whether the caller now owns name.
func (l *UniqueLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(name), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire unique lock %s: %w", name, err)
	}
	return ok, nil
}

func (l *UniqueLock) Release(ctx context.Context, name string) error {
	if err := l.client.Del(ctx, l.key(name)).Err(); err != nil {
		return fmt.Errorf("failed to release unique lock %s: %w", name, err)
	}
	return nil
}
