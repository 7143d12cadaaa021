package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackoff implements BackoffState over a shared Redis instance, so
// every local worker backing off from the same flaky peer converges on the
// same delay instead of rediscovering the failure independently.
type redisBackoff struct {
	client *redis.Client
	base   time.Duration
	cap    time.Duration
}

// NewRedisBackoff constructs a BackoffState backed by client. base is the
// initial backoff on first failure; cap bounds the exponential growth.
func NewRedisBackoff(client *redis.Client, base, cap time.Duration) BackoffState {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	return &redisBackoff{client: client, base: base, cap: cap}
}

func (b *redisBackoff) key(peerURL string) string {
	return fmt.Sprintf("wubloader:backfill:backoff:%s", peerURL)
}

func (b *redisBackoff) Backoff(ctx context.Context, peerURL string) time.Duration {
	ttl, err := b.client.PTTL(ctx, b.key(peerURL)).Result()
	if err != nil || ttl <= 0 {
		return 0
	}
	return ttl
}

func (b *redisBackoff) RecordFailure(ctx context.Context, peerURL string) {
	key := b.key(peerURL)
	count, err := b.client.Incr(ctx, key+":count").Result()
	if err != nil {
		count = 1
	}
	delay := b.base * time.Duration(1<<uint(min64(count-1, 10)))
	if delay > b.cap {
		delay = b.cap
	}
	b.client.Set(ctx, key, "1", delay)
	b.client.Expire(ctx, key+":count", b.cap*2)
}

func (b *redisBackoff) RecordSuccess(ctx context.Context, peerURL string) {
	key := b.key(peerURL)
	b.client.Del(ctx, key, key+":count")
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
