//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisContainer backs session, dedupe and rate limit stores in integration
// tests.
type RedisContainer struct {
	Container testcontainers.Container
	Client    *redis.Client
}

func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	fail := func(step string, err error) {
		_ = container.Terminate(ctx)
		t.Fatalf("%s: %v", step, err)
	}

	url, err := container.ConnectionString(ctx)
	if err != nil {
		fail("redis connection string", err)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		fail("parse redis url", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		fail("ping redis", err)
	}
	return &RedisContainer{Container: container, Client: client}
}

// Flush empties the database so suites sharing the container start clean.
func (r *RedisContainer) Flush(t *testing.T) {
	t.Helper()
	if err := r.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
}
