package server

import (
	"net"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxLimiters bounds the per-key table; past it the table is reset.
const maxLimiters = 10000

type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// rateLimiter keeps one token bucket per caller. Authenticated callers are
// keyed by user id, everyone else by remote IP.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      logrus.FieldLogger
}

func newRateLimiter(cfg RateLimit, log logrus.FieldLogger) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
		log:      log,
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.limiter(key).Allow() {
			rl.reject(w, r, key)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// exhausted reports whether key has no token left, without spending one.
func (rl *rateLimiter) exhausted(key string) bool {
	return rl.limiter(key).Tokens() < 1
}

// charge spends one token from key's bucket.
func (rl *rateLimiter) charge(key string) {
	rl.limiter(key).Allow()
}

func (rl *rateLimiter) reject(w http.ResponseWriter, r *http.Request, key string) {
	rl.log.WithFields(logrus.Fields{"key": key, "path": r.URL.Path, "method": r.Method}).Warn("rate limit exceeded")
	w.Header().Set("Retry-After", "1")
	respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
}

func clientKey(r *http.Request) string {
	if p, ok := principalFromContext(r.Context()); ok && p.UserID != "" {
		return "user:" + p.UserID
	}
	return ipKey(r)
}

func ipKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
