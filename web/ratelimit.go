// Package web holds HTTP middleware shared by the dashboard and ops surfaces.
package web

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the per-client token bucket.
type RateLimitConfig struct {
	// Every is the refill period for one token.
	Every time.Duration
	Burst int
	// IdleTTL is how long an unused client bucket is kept.
	IdleTTL time.Duration
}

// DefaultRateLimit allows short bursts of UI polling while capping abuse.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{Every: 100 * time.Millisecond, Burst: 30, IdleTTL: time.Hour}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per remote IP.
type RateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRateLimiter starts a limiter and its idle-bucket sweeper. Call Close to
// stop the sweeper.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimit()
	if cfg.Every <= 0 {
		cfg.Every = def.Every
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	l := &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow reports whether a request from key may proceed now.
func (l *RateLimiter) Allow(key string) bool {
	return l.limiter(key, time.Now()).Allow()
}

func (l *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(l.cfg.Every), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Middleware rejects over-limit clients with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(l.cfg.Every.Seconds()))))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the sweeper.
func (l *RateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *RateLimiter) sweep() {
	defer close(l.done)
	t := time.NewTicker(l.cfg.IdleTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			l.evictIdle(now)
		}
	}
}

func (l *RateLimiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
