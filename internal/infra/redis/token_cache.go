package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTokenCacheTTL = 7 * 24 * time.Hour

// setIfGenerationScript writes the list only while the generation counter
// still holds the value the reader saw before loading from the database.
var setIfGenerationScript = goredis.NewScript(`
local current = redis.call("GET", KEYS[2]) or "0"
if current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// TokenCache is a read-through cache of per-user token lists. Every
// invalidation bumps a per-user generation so a reader that loaded a
// snapshot before a write cannot store it afterwards.
type TokenCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewTokenCache(client *goredis.Client, ttl time.Duration) (*TokenCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenCacheTTL
	}
	return &TokenCache{client: client, ttl: ttl}, nil
}

func tokenCacheKey(userID int64) string {
	return fmt.Sprintf("push:tokens:user:%d", userID)
}

func tokenGenerationKey(userID int64) string {
	return fmt.Sprintf("push:tokens:gen:user:%d", userID)
}

// Get returns the cached tokens, the current generation and whether the list
// was present. On a miss the generation is what a later Set must pass.
func (c *TokenCache) Get(ctx context.Context, userID int64) ([]domain.DeviceToken, int64, bool, error) {
	values, err := c.client.MGet(ctx, tokenCacheKey(userID), tokenGenerationKey(userID)).Result()
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to read token cache: %w", err)
	}

	var generation int64
	if raw, ok := values[1].(string); ok {
		generation, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, 0, false, fmt.Errorf("failed to parse token cache generation: %w", err)
		}
	}

	raw, ok := values[0].(string)
	if !ok {
		return nil, generation, false, nil
	}

	var tokens []domain.DeviceToken
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = c.client.Del(ctx, tokenCacheKey(userID)).Err()
		return nil, generation, false, nil
	}
	return tokens, generation, true, nil
}

// Set stores tokens unless the user was invalidated after generation was
// read. It reports whether the list was written.
func (c *TokenCache) Set(ctx context.Context, userID int64, generation int64, tokens []domain.DeviceToken) (bool, error) {
	encoded, err := domain.EncodeTokens(tokens)
	if err != nil {
		return false, err
	}

	keys := []string{tokenCacheKey(userID), tokenGenerationKey(userID)}
	stored, err := setIfGenerationScript.Run(ctx, c.client, keys,
		strconv.FormatInt(generation, 10), string(encoded), c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to write token cache: %w", err)
	}
	return stored == 1, nil
}

func (c *TokenCache) Invalidate(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Incr(ctx, tokenGenerationKey(id))
			pipe.PExpire(ctx, tokenGenerationKey(id), c.ttl)
			pipe.Del(ctx, tokenCacheKey(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate token cache: %w", err)
	}
	return nil
}
