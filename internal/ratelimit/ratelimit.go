// Package ratelimit throttles login traffic with sliding windows: a request
// budget per client IP and a failure lockout per account and IP.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/requestcontext"
)

// Result is the outcome of one check against a window.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a denied caller should wait, rounded up to a second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || !r.ResetAt.After(now) {
		return 0
	}
	d := r.ResetAt.Sub(now)
	return (d + time.Second - 1).Truncate(time.Second)
}

// Store keeps sliding-window counters. now is passed in so every replica
// measures windows against the request clock.
type Store interface {
	// Allow consumes one slot if fewer than limit are used in the window.
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error)
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	Reset(ctx context.Context, key string) error
}

type options struct {
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Limiter is a request budget per key.
type Limiter struct {
	name   string
	store  Store
	limit  int
	window time.Duration
	options
}

// NewLimiter allows limit requests per key within window.
func NewLimiter(name string, store Store, limit int, window time.Duration, opts ...Option) *Limiter {
	return &Limiter{
		name:    name,
		store:   store,
		limit:   limit,
		window:  window,
		options: buildOptions(opts),
	}
}

func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	res, err := l.store.Allow(ctx, l.name+":"+key, l.limit, l.window, requestcontext.Now(ctx))
	if err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit store unavailable")
	}
	if !res.Allowed {
		l.metrics.IncDenied(l.name)
	}
	return res, nil
}

// Lockout blocks an account from one IP after too many failed logins within
// the window. A success clears the count.
type Lockout struct {
	store    Store
	attempts int
	window   time.Duration
	options
}

func NewLockout(store Store, attempts int, window time.Duration, opts ...Option) *Lockout {
	return &Lockout{
		store:    store,
		attempts: attempts,
		window:   window,
		options:  buildOptions(opts),
	}
}

func lockoutKey(identifier, ip string) string {
	return "lockout:" + strings.ToLower(strings.TrimSpace(identifier)) + "|" + ip
}

// Check returns a rate_limited error while the identifier is locked out.
func (l *Lockout) Check(ctx context.Context, identifier, ip string) error {
	failures, err := l.store.Count(ctx, lockoutKey(identifier, ip), l.window, requestcontext.Now(ctx))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "lockout store unavailable")
	}
	if failures >= l.attempts {
		l.metrics.IncDenied("lockout")
		l.logger.WarnContext(ctx, "login locked out", "failures", failures, "client_ip", ip)
		return dErrors.New(dErrors.CodeRateLimited, "too many failed attempts, try again later")
	}
	return nil
}

func (l *Lockout) RecordFailure(ctx context.Context, identifier, ip string) error {
	// The store never refuses a failure: limit is one past the lockout so
	// the count keeps the window alive while locked.
	if _, err := l.store.Allow(ctx, lockoutKey(identifier, ip), l.attempts+1, l.window, requestcontext.Now(ctx)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "lockout store unavailable")
	}
	return nil
}

func (l *Lockout) Clear(ctx context.Context, identifier, ip string) error {
	if err := l.store.Reset(ctx, lockoutKey(identifier, ip)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "lockout store unavailable")
	}
	return nil
}
