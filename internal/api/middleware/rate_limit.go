package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"actsync/internal/pkg/errors"
)

// Route classes.
const (
	ClassWebhook  = "webhook"
	ClassAPIRead  = "api_read"
	ClassAPIWrite = "api_write"
)

const idleTTL = 10 * time.Minute

type bucket struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per client IP and route class. Limits
// are requests per minute with a burst of the full minute.
type RateLimiter struct {
	store  sync.Map // map[string]*bucket
	limits map[string]int
	now    func() time.Time
}

func NewRateLimiter(limits map[string]int) *RateLimiter {
	return &RateLimiter{limits: limits, now: time.Now}
}

// Run evicts idle buckets until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	now := rl.now()
	rl.store.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if now.Sub(b.lastAccess) > idleTTL {
			rl.store.Delete(key)
		}
		b.mu.Unlock()
		return true
	})
}

func (rl *RateLimiter) Allow(key string, perMinute int) bool {
	now := rl.now()
	val, _ := rl.store.LoadOrStore(key, &bucket{
		limiter:    rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		lastAccess: now,
	})

	b := val.(*bucket)
	b.mu.Lock()
	b.lastAccess = now
	b.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) Limit(class string) func(http.HandlerFunc) http.HandlerFunc {
	limit, ok := rl.limits[class]
	if !ok || limit <= 0 {
		limit = 100
	}

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientIP(r)+":"+class, limit) {
				w.Header().Set("Retry-After", "60")
				errors.WriteError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimitExceeded, "Rate limit exceeded", nil)
				return
			}
			next(w, r)
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
