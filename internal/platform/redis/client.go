// Package redis builds the shared go-redis client used for sessions,
// follow-up dedupe and login throttling.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"shepherd/internal/platform/config"
)

// New connects and pings. It returns nil, nil when no URL is configured so
// callers fall back to in-memory stores.
func New(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
