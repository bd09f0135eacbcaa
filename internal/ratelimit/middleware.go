package ratelimit

import (
	"net/http"
	"strconv"

	"shepherd/pkg/platform/httputil"
	"shepherd/pkg/requestcontext"
)

// Middleware spends one slot of the client IP's budget per request. When the
// store is unreachable the request is let through.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := requestcontext.ClientIP(ctx)
		res, err := l.Allow(ctx, ip)
		if err != nil {
			l.logger.ErrorContext(ctx, "rate limit check failed", "limiter", l.name, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			retry := res.RetryAfter(requestcontext.Now(ctx))
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":             "rate_limited",
				"error_description": "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
