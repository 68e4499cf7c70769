package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultIDCacheTTL = 72 * time.Hour

// ProviderIDCache maps a provider's message id to the internal message id so
// delivery reports resolve without a database round trip.
type ProviderIDCache struct {
	client goredis.Cmdable
	ttl    time.Duration
}

func NewProviderIDCache(client goredis.Cmdable, ttl time.Duration) *ProviderIDCache {
	if ttl <= 0 {
		ttl = defaultIDCacheTTL
	}
	return &ProviderIDCache{client: client, ttl: ttl}
}

func (c *ProviderIDCache) Store(ctx context.Context, provider, providerMessageID, messageID string) error {
	if providerMessageID == "" || messageID == "" {
		return nil
	}
	if err := c.client.Set(ctx, idCacheKey(provider, providerMessageID), messageID, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache provider message id: %w", err)
	}
	return nil
}

// Lookup returns the cached message id; a miss is ("", false, nil).
func (c *ProviderIDCache) Lookup(ctx context.Context, provider, providerMessageID string) (string, bool, error) {
	messageID, err := c.client.Get(ctx, idCacheKey(provider, providerMessageID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read provider message id cache: %w", err)
	}
	return messageID, true, nil
}

func idCacheKey(provider, providerMessageID string) string {
	return "pmid:" + strings.ToLower(strings.TrimSpace(provider)) + ":" + providerMessageID
}
