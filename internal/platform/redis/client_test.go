package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shepherd/internal/platform/config"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("no url means no client", func(t *testing.T) {
		client, err := New(ctx, config.RedisConfig{})
		require.NoError(t, err)
		assert.Nil(t, client)
	})

	t.Run("connects and applies pool settings", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := New(ctx, config.RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 4, MinIdleConns: 1})
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		assert.Equal(t, 4, client.Options().PoolSize)
		require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
		got, err := mr.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)
	})

	t.Run("bad url is an error", func(t *testing.T) {
		_, err := New(ctx, config.RedisConfig{URL: "://nope"})
		assert.Error(t, err)
	})
}
