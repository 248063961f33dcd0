package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/identitykit/identity-service/internal/http/response"
)

// RateLimiter is a fixed-window per-client limiter. Window state lives
// in process; each replica enforces its own budget.
type RateLimiter struct {
	mu      sync.Mutex
	store   map[string]*windowState
	limit   int
	window  time.Duration
	keyFunc func(r *http.Request) string
	cleanup time.Time
}

type windowState struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithKey(limit, window, nil)
}

func NewRateLimiterWithKey(limit int, window time.Duration, keyFunc func(r *http.Request) string) *RateLimiter {
	if keyFunc == nil {
		keyFunc = clientIPKey
	}
	return &RateLimiter{
		store:   make(map[string]*windowState),
		limit:   limit,
		window:  window,
		keyFunc: keyFunc,
		cleanup: time.Now().Add(window),
	}
}

func (rl *RateLimiter) allow(key string, now time.Time) (bool, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.cleanup) {
		for k, s := range rl.store {
			if now.After(s.resetAt) {
				delete(rl.store, k)
			}
		}
		rl.cleanup = now.Add(rl.window)
	}

	state, ok := rl.store[key]
	if !ok || now.After(state.resetAt) {
		state = &windowState{resetAt: now.Add(rl.window)}
		rl.store[key] = state
	}
	state.count++
	return state.count <= rl.limit, state.resetAt
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			now := time.Now()
			allowed, resetAt := rl.allow(rl.keyFunc(r), now)
			if !allowed {
				retry := resetAt.Sub(now)
				if retry < time.Second {
					retry = time.Second
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
