package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wubloader/internal/testsupport/redisstub"
)

func TestRedisBackoffGrowsThenClearsOnSuccess(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backoff := NewRedisBackoff(client, 100*time.Millisecond, time.Second)
	ctx := context.Background()
	peer := "http://peer.example/"

	assert.Equal(t, time.Duration(0), backoff.Backoff(ctx, peer), "no failures yet")

	backoff.RecordFailure(ctx, peer)
	first := backoff.Backoff(ctx, peer)
	assert.Greater(t, first, time.Duration(0), "backoff should be set after a failure")

	backoff.RecordFailure(ctx, peer)
	second := backoff.Backoff(ctx, peer)
	assert.Greater(t, second, first, "repeated failures should grow the backoff")

	backoff.RecordSuccess(ctx, peer)
	assert.Equal(t, time.Duration(0), backoff.Backoff(ctx, peer), "success clears the backoff")
}
