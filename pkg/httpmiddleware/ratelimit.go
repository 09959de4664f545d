package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the maximum number of requests allowed per window.
	Max int
	// Window is the duration of each sliding window.
	Window time.Duration
	// KeyFunc extracts the rate limit key from a request. Defaults to the
	// client IP from RemoteAddr; put chi's middleware.RealIP in front when
	// running behind a proxy.
	KeyFunc func(*http.Request) string
	// Skip exempts requests from the limit, e.g. health probes.
	Skip func(*http.Request) bool
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type window struct {
	start time.Time
	count int
	// prev is the count of the window before start.
	prev int
}

// Limiter approximates a sliding window by weighting the previous fixed
// window by its overlap with the current one.
type Limiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu   sync.Mutex
	keys map[string]*window
}

// NewLimiter creates a Limiter. Max below 1 is treated as 1 and a zero
// window as one minute.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientIP
	}
	if cfg.Max < 1 {
		cfg.Max = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{cfg: cfg, now: time.Now, keys: make(map[string]*window)}
}

// Allow records a request for key if it fits in the window.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.advance(key, now)
	resetAt := w.start.Add(l.cfg.Window)
	overlap := 1 - float64(now.Sub(w.start))/float64(l.cfg.Window)
	used := float64(w.prev)*math.Max(overlap, 0) + float64(w.count)
	if used >= float64(l.cfg.Max) {
		return Decision{ResetAt: resetAt}
	}
	w.count++
	return Decision{
		Allowed:   true,
		Remaining: max(l.cfg.Max-int(math.Ceil(used))-1, 0),
		ResetAt:   resetAt,
	}
}

// advance returns the window for key aligned to now. Callers hold l.mu.
func (l *Limiter) advance(key string, now time.Time) *window {
	start := now.Truncate(l.cfg.Window)
	w, ok := l.keys[key]
	switch {
	case !ok:
		w = &window{start: start}
		l.keys[key] = w
	case start.Equal(w.start.Add(l.cfg.Window)):
		w.prev, w.count, w.start = w.count, 0, start
	case start.After(w.start):
		w.prev, w.count, w.start = 0, 0, start
	}
	return w
}

// Prune drops keys idle for two windows and returns how many were dropped.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-2 * l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, w := range l.keys {
		if w.start.Before(cutoff) {
			delete(l.keys, key)
			n++
		}
	}
	return n
}

// Run prunes idle keys every two windows until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * l.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Middleware enforces the limit. Every limited response carries the
// X-RateLimit-* headers; rejected requests get 429 with Retry-After.
func (l *Limiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.cfg.Skip != nil && l.cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Allow(l.cfg.KeyFunc(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				wait := max(d.ResetAt.Sub(l.now()), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit returns a rate limiting middleware without background pruning.
func RateLimit(cfg RateLimitConfig) Middleware {
	return NewLimiter(cfg).Middleware()
}

// RateLimitWithCleanup is like RateLimit but prunes idle keys until ctx is
// cancelled.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := NewLimiter(cfg)
	go l.Run(ctx)
	return l.Middleware()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
