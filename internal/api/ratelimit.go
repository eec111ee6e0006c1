package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimitedCode is the error code of a 429 response
const rateLimitedCode = "RateLimited"

// RateLimiter implements sliding window rate limiting
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*slidingWindow
	limit    int
	window   time.Duration
	keyFunc  func(r *http.Request) string
	now      func() time.Time
	cleanupT *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

// slidingWindow holds the request times of one key, oldest first
type slidingWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// RateLimitConfig defines rate limit parameters
type RateLimitConfig struct {
	Limit   int           // Max requests per window
	Window  time.Duration // Time window
	KeyFunc func(r *http.Request) string
}

// NewRateLimiter creates a rate limiter and starts its cleanup goroutine
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = GetClientIP
	}

	rl := &RateLimiter{
		windows: make(map[string]*slidingWindow),
		limit:   cfg.Limit,
		window:  cfg.Window,
		keyFunc: cfg.KeyFunc,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	rl.cleanupT = time.NewTicker(cfg.Window)
	go rl.cleanup()

	return rl
}

// cleanup drops keys whose window has emptied
func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.cleanupT.C:
			rl.mu.Lock()
			now := rl.now()
			for key, sw := range rl.windows {
				sw.mu.Lock()
				sw.pruneOld(now, rl.window)
				if len(sw.timestamps) == 0 {
					delete(rl.windows, key)
				}
				sw.mu.Unlock()
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			rl.cleanupT.Stop()
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call multiple times.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// Allow records the request if its key is under the limit. Otherwise it
// returns false and how long until the oldest request leaves the window.
func (rl *RateLimiter) Allow(r *http.Request) (bool, time.Duration) {
	key := rl.keyFunc(r)
	now := rl.now()

	rl.mu.Lock()
	sw, exists := rl.windows[key]
	if !exists {
		sw = &slidingWindow{}
		rl.windows[key] = sw
	}
	rl.mu.Unlock()

	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.pruneOld(now, rl.window)
	if len(sw.timestamps) >= rl.limit {
		return false, sw.timestamps[0].Add(rl.window).Sub(now)
	}
	sw.timestamps = append(sw.timestamps, now)
	return true, 0
}

func (sw *slidingWindow) pruneOld(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(sw.timestamps) && sw.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		sw.timestamps = sw.timestamps[i:]
	}
}

// Middleware rejects requests over the limit with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.Allow(r); !ok {
			respondRateLimited(w, wait, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondRateLimited(w http.ResponseWriter, wait time.Duration, msg string) {
	secs := int(wait.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	respondJSON(w, http.StatusTooManyRequests, ErrorBody{Error: ErrorDetail{
		Kind:    "rate_limit",
		Code:    rateLimitedCode,
		Message: msg,
	}})
}

// GetClientIP extracts the client IP from a request.
// chi middleware.RealIP already sets r.RemoteAddr from X-Real-IP / X-Forwarded-For,
// so we only need to strip the port. Do NOT re-read those headers here: an attacker
// can spoof X-Forwarded-For to bypass per-IP rate limits.
func GetClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may not have a port (e.g. unix socket)
		return r.RemoteAddr
	}
	return host
}

// RateLimiters holds all rate limiters for the application
type RateLimiters struct {
	Global *RateLimiter
	Write  *RateLimiter
}

// NewRateLimiters creates the standard rate limiters
func NewRateLimiters() *RateLimiters {
	return &RateLimiters{
		// Global: 100 requests per minute per IP
		Global: NewRateLimiter(RateLimitConfig{
			Limit:   100,
			Window:  time.Minute,
			KeyFunc: GetClientIP,
		}),
		// Write: 20 submissions or votes per minute per IP
		Write: NewRateLimiter(RateLimitConfig{
			Limit:   20,
			Window:  time.Minute,
			KeyFunc: GetClientIP,
		}),
	}
}

// Stop stops all rate limiter cleanup goroutines
func (rls *RateLimiters) Stop() {
	rls.Global.Stop()
	rls.Write.Stop()
}

// WriteGuardMiddleware applies the stricter submission rate limit
func WriteGuardMiddleware(writeRL *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ok, wait := writeRL.Allow(r); !ok {
				respondRateLimited(w, wait, "submission rate limit exceeded (max "+strconv.Itoa(writeRL.limit)+"/min)")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
