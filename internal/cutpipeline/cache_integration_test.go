package cutpipeline

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wubloader/internal/testsupport/redisstub"
)

func TestCacheRoundTripsThroughRedis(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewCache(client, time.Minute)
	ctx := context.Background()

	key := Key("full", []string{"a", "b"}, "fade:0.5", "640x360+10+20")
	_, ok := cache.Get(ctx, key)
	assert.False(t, ok, "unset key should miss")

	require.NoError(t, cache.Set(ctx, key, []byte("cut bytes")))

	data, ok := cache.Get(ctx, key)
	require.True(t, ok, "set key should hit")
	assert.Equal(t, []byte("cut bytes"), data)
}
