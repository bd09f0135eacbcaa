package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "followup:dedupe:"

// Redis shares the dedupe window between processes with SET NX PX.
type Redis struct {
	client redis.Cmdable
}

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("claim dedupe key: %w", err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release dedupe key: %w", err)
	}
	return nil
}
