package httpserver

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds request throughput. A global bucket protects the
// process as a whole; an optional per-client bucket protects expensive
// routes (e.g. the Restreamer's /cut endpoint, which spawns an ffmpeg
// subprocess per request) from a single caller. ProtectedPaths restricts the
// per-client bucket to specific path prefixes; an empty set applies it to
// every request.
type RateLimitConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	PerClientRPS   float64
	PerClientBurst int
	ProtectedPaths []string
}

type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
}

func newTokenBucket(rps float64, burst int) *tokenBucket {
	capacity := float64(burst)
	if capacity <= 0 {
		capacity = 1
	}
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     rps,
		last:     time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	if b.rate <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// rateLimiter holds one global bucket plus a per-client bucket map keyed by
// the caller's resolved IP address.
type rateLimiter struct {
	cfg    RateLimitConfig
	global *tokenBucket

	mu      sync.Mutex
	clients map[string]*tokenBucket
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	limiter := &rateLimiter{cfg: cfg, clients: make(map[string]*tokenBucket)}
	if cfg.GlobalRPS > 0 {
		limiter.global = newTokenBucket(cfg.GlobalRPS, cfg.GlobalBurst)
	}
	return limiter
}

func (l *rateLimiter) allow(clientKey string) bool {
	if l.global != nil && !l.global.allow() {
		return false
	}
	if l.cfg.PerClientRPS <= 0 {
		return true
	}

	l.mu.Lock()
	bucket, ok := l.clients[clientKey]
	if !ok {
		bucket = newTokenBucket(l.cfg.PerClientRPS, l.cfg.PerClientBurst)
		l.clients[clientKey] = bucket
	}
	l.mu.Unlock()

	return bucket.allow()
}

func (l *rateLimiter) protects(path string) bool {
	if len(l.cfg.ProtectedPaths) == 0 {
		return true
	}
	for _, prefix := range l.cfg.ProtectedPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func rateLimitMiddleware(limiter *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil || !limiter.protects(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		clientKey := resolveClientIP(r)
		if !limiter.allow(clientKey) {
			if logger != nil {
				logger.Warn("rate limit exceeded", "client", clientKey, "path", r.URL.Path)
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
