package ratelimit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"shepherd/internal/ratelimit"
	ratelimitmemory "shepherd/internal/ratelimit/store/memory"
	ratelimitredis "shepherd/internal/ratelimit/store/redis"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/requestcontext"
)

var t0 = time.Date(2026, 5, 3, 9, 30, 0, 0, time.UTC)

type StoreSuite struct {
	suite.Suite
	newStore func() ratelimit.Store
	store    ratelimit.Store
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func() ratelimit.Store { return ratelimitmemory.New() }})
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	suite.Run(t, &StoreSuite{newStore: func() ratelimit.Store {
		mr.FlushAll()
		return ratelimitredis.New(client)
	}})
}

func (s *StoreSuite) SetupTest() {
	s.store = s.newStore()
}

func at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *StoreSuite) TestLimiterAllowsUpToLimit() {
	limiter := ratelimit.NewLimiter("login", s.store, 3, time.Minute)

	for want := 2; want >= 0; want-- {
		res, err := limiter.Allow(at(t0), "203.0.113.7")
		s.Require().NoError(err)
		s.True(res.Allowed)
		s.Equal(want, res.Remaining)
	}

	res, err := limiter.Allow(at(t0.Add(time.Second)), "203.0.113.7")
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Equal(3, res.Limit)
	s.True(res.ResetAt.Equal(t0.Add(time.Minute)), res.ResetAt)
	s.Equal(59*time.Second, res.RetryAfter(t0.Add(time.Second)))

	other, err := limiter.Allow(at(t0), "198.51.100.2")
	s.Require().NoError(err)
	s.True(other.Allowed)
}

func (s *StoreSuite) TestWindowSlides() {
	limiter := ratelimit.NewLimiter("login", s.store, 2, time.Minute)
	for _, ts := range []time.Time{t0, t0.Add(30 * time.Second)} {
		res, err := limiter.Allow(at(ts), "ip")
		s.Require().NoError(err)
		s.True(res.Allowed)
	}

	res, err := limiter.Allow(at(t0.Add(59*time.Second)), "ip")
	s.Require().NoError(err)
	s.False(res.Allowed)

	res, err = limiter.Allow(at(t0.Add(61*time.Second)), "ip")
	s.Require().NoError(err)
	s.True(res.Allowed, "the first request has left the window")
	s.Equal(0, res.Remaining)
}

func (s *StoreSuite) TestLockoutAfterRepeatedFailures() {
	lockout := ratelimit.NewLockout(s.store, 2, 15*time.Minute)
	ctx := at(t0)

	s.Require().NoError(lockout.Check(ctx, "Pastor@Church.example", "ip"))
	s.Require().NoError(lockout.RecordFailure(ctx, "pastor@church.example", "ip"))
	s.Require().NoError(lockout.Check(ctx, "pastor@church.example", "ip"))
	s.Require().NoError(lockout.RecordFailure(ctx, " PASTOR@church.example", "ip"))

	err := lockout.Check(ctx, "pastor@church.example", "ip")
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited), err)
	s.NoError(lockout.Check(ctx, "pastor@church.example", "other-ip"))
	s.NoError(lockout.Check(at(t0.Add(16*time.Minute)), "pastor@church.example", "ip"))

	s.Require().NoError(lockout.Clear(ctx, "pastor@church.example", "ip"))
	s.NoError(lockout.Check(ctx, "pastor@church.example", "ip"))
}

func TestMiddleware(t *testing.T) {
	limiter := ratelimit.NewLimiter("login", ratelimitmemory.New(), 1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		ctx := requestcontext.WithClientMetadata(req.Context(), "203.0.113.7", "test")
		ctx = requestcontext.WithTime(ctx, t0)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req.WithContext(ctx))
		return rr
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := send()
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate_limited")
}
