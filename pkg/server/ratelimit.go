package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// RateLimit caps requests per route template. Zero disables limiting.
type RateLimit struct {
	RequestsPerSecond int
	Burst             int
}

// rateLimiter keeps one limiter per route template.
type rateLimiter struct {
	limit    RateLimit
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

func newRateLimiter(limit RateLimit) *rateLimiter {
	if limit.Burst <= 0 {
		limit.Burst = limit.RequestsPerSecond
	}
	return &rateLimiter{limit: limit, limiters: make(map[string]*rate.Limiter), now: time.Now}
}

func (rl *rateLimiter) limiter(route string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[route]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.limit.RequestsPerSecond), rl.limit.Burst)
		rl.limiters[route] = l
	}
	return l
}

// middleware rejects requests with 429 once a route's limiter is exhausted.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeTemplate(r)
		now := rl.now()
		l := rl.limiter(route)
		allowed := l.AllowN(now, 1)

		remaining := int(l.TokensAt(now))
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit.RequestsPerSecond))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests for "+route)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
