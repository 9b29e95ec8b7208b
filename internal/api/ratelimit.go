package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a per-IP token bucket refilled once per window.
type RateLimiter struct {
	mu           sync.Mutex
	requests     map[string]*bucket
	rate         int           // requests per window
	window       time.Duration // time window
	maxCacheSize int           // maximum number of IPs to track
	now          func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows rate requests per window from each client IP.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:     make(map[string]*bucket),
		rate:         rate,
		window:       window,
		maxCacheSize: 10000,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow checks if a request from the given IP should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.requests[ip]
	if !ok {
		if len(rl.requests) >= rl.maxCacheSize {
			rl.evictOldest(now)
		}
		rl.requests[ip] = &bucket{tokens: rl.rate - 1, lastRefill: now}
		return true
	}

	if now.Sub(b.lastRefill) >= rl.window {
		b.tokens = rl.rate - 1
		b.lastRefill = now
		return true
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// evictOldest drops stale buckets, then an arbitrary tenth if still full.
func (rl *RateLimiter) evictOldest(now time.Time) {
	rl.prune(now)
	if len(rl.requests) < rl.maxCacheSize {
		return
	}
	toRemove := len(rl.requests) / 10
	for ip := range rl.requests {
		if toRemove <= 0 {
			break
		}
		delete(rl.requests, ip)
		toRemove--
	}
}

func (rl *RateLimiter) prune(now time.Time) {
	for ip, b := range rl.requests {
		if now.Sub(b.lastRefill) > rl.window*2 {
			delete(rl.requests, ip)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// clientIP uses the TCP peer address only; X-Forwarded-For can be spoofed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			rl.prune(rl.now())
			rl.mu.Unlock()
		}
	}
}
