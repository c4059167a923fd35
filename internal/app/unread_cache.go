package app

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// UnreadCache keeps per-user unread totals in Redis so the polling
// endpoints don't recount on every hit. It is strictly a cache: misses
// and Redis failures fall through to the store, and any write that can
// change a total invalidates the affected users.
type UnreadCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewUnreadCache wraps a Redis client; a nil client disables caching.
func NewUnreadCache(client *redis.Client, ttl time.Duration) *UnreadCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &UnreadCache{client: client, ttl: ttl}
}

func unreadKey(userID string) string {
	return "clinichat:unread:" + userID
}

// Get returns the cached total and whether it was present.
func (c *UnreadCache) Get(userID string) (int, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := c.client.Get(ctx, unreadKey(userID)).Result()
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Set stores a freshly computed total.
func (c *UnreadCache) Set(userID string, total int) {
	if c == nil || c.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.client.Set(ctx, unreadKey(userID), strconv.Itoa(total), c.ttl).Err()
}

// Invalidate drops cached totals for the given users.
func (c *UnreadCache) Invalidate(userIDs ...string) {
	if c == nil || c.client == nil || len(userIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, unreadKey(id))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.client.Del(ctx, keys...).Err()
}
