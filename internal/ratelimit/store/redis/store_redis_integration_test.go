//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"shepherd/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *Store
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisStoreSuite) SetupTest() {
	s.redis.Flush(s.T())
	s.store = New(s.redis.Client)
}

func (s *RedisStoreSuite) TestSlidingWindowOnRealRedis() {
	ctx := context.Background()
	now := time.Date(2026, 5, 3, 9, 30, 0, 0, time.UTC)

	for i := range 3 {
		res, err := s.store.Allow(ctx, "login:ip", 3, time.Minute, now.Add(time.Duration(i)*time.Second))
		s.Require().NoError(err)
		s.True(res.Allowed)
		s.Equal(2-i, res.Remaining)
	}

	res, err := s.store.Allow(ctx, "login:ip", 3, time.Minute, now.Add(10*time.Second))
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.True(res.ResetAt.Equal(now.Add(time.Minute)), res.ResetAt)

	count, err := s.store.Count(ctx, "login:ip", time.Minute, now.Add(61*time.Second))
	s.Require().NoError(err)
	s.Equal(1, count, "two of three entries have left the window")

	ttl, err := s.redis.Client.PTTL(ctx, keyPrefix+"login:ip").Result()
	s.Require().NoError(err)
	s.Positive(ttl, "keys expire on their own")

	s.Require().NoError(s.store.Reset(ctx, "login:ip"))
	count, err = s.store.Count(ctx, "login:ip", time.Minute, now)
	s.Require().NoError(err)
	s.Zero(count)
}
