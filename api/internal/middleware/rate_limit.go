package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"field-service-dispatch-system/shared/authx"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/httpx"
)

type RateLimitMiddleware struct {
	Limiter *KeyedLimiter
	Skip    func(*http.Request) bool
}

// Wrap limits per authenticated worker, falling back to the client IP for
// anonymous requests.
func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Limiter == nil || (m.Skip != nil && m.Skip(r)) {
			next.ServeHTTP(w, r)
			return
		}
		key := "ip:" + httpx.ClientIP(r)
		if auth, ok := authx.FromContext(r.Context()); ok && auth.WorkerID != "" {
			key = "worker:" + auth.WorkerID
		}
		if !m.Limiter.Allow(key) {
			w.Header().Set("Retry-After", "1")
			httpx.WriteError(w, r, errx.KindRateLimited, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyedLimiter holds one token bucket per key and forgets keys idle for
// longer than ttl.
type KeyedLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyedLimiter(rps float64, burst int, ttl time.Duration) *KeyedLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &KeyedLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
