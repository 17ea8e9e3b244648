package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

type fixedWindow struct {
	hits  int
	until time.Time
}

// take counts a hit, opening a new window when the current one has passed.
func (fw *fixedWindow) take(now time.Time, limit int, span time.Duration) rateDecision {
	if !now.Before(fw.until) {
		fw.hits, fw.until = 0, now.Add(span)
	}
	if fw.hits >= limit {
		return rateDecision{count: fw.hits, windowEnd: fw.until}
	}
	fw.hits++
	return rateDecision{allowed: true, count: fw.hits, windowEnd: fw.until}
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*fixedWindow
	now     func() time.Time
	done    chan struct{}
	closed  sync.Once
}

// NewMemoryRateLimiter returns a limiter local to this process. Expired
// windows are swept every few minutes until Close.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		entries: make(map[string]*fixedWindow),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go rl.sweep(5 * time.Minute)
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	fw, ok := rl.entries[key]
	if !ok {
		fw = &fixedWindow{}
		rl.entries[key] = fw
	}
	return fw.take(rl.now(), limit, window)
}

func (rl *memoryRateLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.cleanup(rl.now())
		}
	}
}

func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, fw := range rl.entries {
		if !now.Before(fw.until) {
			delete(rl.entries, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.closed.Do(func() { close(rl.done) })
}

// withRateLimit meters next under class. Counters are kept per class and key.
func (r *Router) withRateLimit(class rateClass, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if class.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(class.name+"|"+key, class.limit, class.window)
		r.applyRateHeaders(w, class.limit, decision)
		if !decision.allowed {
			r.metrics.limited(class.name, keyKind(key))
			w.Header().Set("Retry-After", retryAfter(decision.windowEnd, time.Now()))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// handlerAuthRate authenticates then rate limits per user.
func (r *Router) handlerAuthRate(class rateClass, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(class, r.rateLimitKeyUser, next))
}

// handlerAuthPerm authenticates, rate limits and checks a permission.
func (r *Router) handlerAuthPerm(class rateClass, permission string, next http.HandlerFunc) http.HandlerFunc {
	return r.handlerAuthRate(class, r.requirePermission(permission, next))
}

func (r *Router) rateLimitKeyUser(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

func rateLimitKeyIP(req *http.Request) string {
	if host := clientIP(req); host != "" {
		return "ip:" + host
	}
	return "ip:unknown"
}

// keyKind reduces a limiter key to its low-cardinality prefix for metrics.
func keyKind(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && kind != "" {
		return kind
	}
	return "unknown"
}

func retryAfter(windowEnd, now time.Time) string {
	secs := int(windowEnd.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
