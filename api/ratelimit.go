package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// perAccountLimiter keeps one token-bucket limiter per account, applied to
// the sensitive request/renew/stop endpoints so a single account cannot
// hammer the Docker daemon with provisioning calls.
type perAccountLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perMinute func() int
	burst     int
}

func newPerAccountLimiter(perMinute func() int) *perAccountLimiter {
	return &perAccountLimiter{
		limiters:  map[string]*rate.Limiter{},
		perMinute: perMinute,
		burst:     3,
	}
}

func (limiter *perAccountLimiter) allow(accountID string) bool {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	entry, ok := limiter.limiters[accountID]
	if !ok {
		ratePerSecond := rate.Limit(float64(limiter.perMinute()) / 60.0)
		entry = rate.NewLimiter(ratePerSecond, limiter.burst)
		limiter.limiters[accountID] = entry
	}
	return entry.Allow()
}

// RateLimitMiddleware rejects requests beyond the configured per-account
// rate with 429, once AuthMiddleware has already populated the account.
func RateLimitMiddleware(perMinute func() int) func(http.Handler) http.Handler {
	limiter := newPerAccountLimiter(perMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account := accountFromContext(r)
			if account.AccountID != "" && !limiter.allow(account.AccountID) {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
