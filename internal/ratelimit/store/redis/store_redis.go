package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"shepherd/internal/ratelimit"
)

const keyPrefix = "ratelimit:"

// allowScript trims the window, then adds a member if there is room.
// Scores are unix milliseconds. Returns {allowed, count, oldest}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  count = count + 1
  allowed = 1
end
local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// Store shares sliding windows between replicas using sorted sets.
type Store struct {
	client redis.Cmdable
}

func New(client redis.Cmdable) *Store {
	return &Store{client: client}
}

func (s *Store) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (ratelimit.Result, error) {
	vals, err := allowScript.Run(ctx, s.client, []string{keyPrefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("rate limit allow: %w", err)
	}
	if len(vals) != 3 {
		return ratelimit.Result{}, fmt.Errorf("rate limit allow: unexpected reply %v", vals)
	}
	res := ratelimit.Result{
		Allowed: vals[0] == 1,
		Limit:   limit,
		ResetAt: time.UnixMilli(vals[2]).Add(window).UTC(),
	}
	if res.Allowed {
		res.Remaining = limit - int(vals[1])
	}
	return res, nil
}

func (s *Store) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	k := keyPrefix + key
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", cutoff)
	card := pipe.ZCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rate limit count: %w", err)
	}
	return int(card.Val()), nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	return nil
}
