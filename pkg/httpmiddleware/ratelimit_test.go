package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(n int) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(RateLimitConfig{Max: n, Window: time.Minute})
	l.now = c.now
	return l, c
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l, c := newTestLimiter(4)

	for i := range 4 {
		d := l.Allow("k")
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 3-i, d.Remaining)
	}
	assert.False(t, l.Allow("k").Allowed)

	// Halfway into the next window the previous one still counts for half.
	c.advance(90 * time.Second)
	d := l.Allow("k")
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, c.t.Truncate(time.Minute).Add(time.Minute), d.ResetAt)
	assert.True(t, l.Allow("k").Allowed)
	assert.False(t, l.Allow("k").Allowed)

	// A gap of more than one window forgets everything.
	c.advance(100 * time.Second)
	d = l.Allow("k")
	require.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1)

	assert.True(t, l.Allow("a").Allowed)
	assert.True(t, l.Allow("b").Allowed)
	assert.False(t, l.Allow("a").Allowed)
}

func TestLimiter_Prune(t *testing.T) {
	l, c := newTestLimiter(1)
	l.Allow("old")
	c.advance(90 * time.Second)
	l.Allow("fresh")

	assert.Equal(t, 0, l.Prune())
	c.advance(90 * time.Second)
	assert.Equal(t, 1, l.Prune())
	assert.Len(t, l.keys, 1)
	assert.Contains(t, l.keys, "fresh")
}

func TestLimiter_Middleware(t *testing.T) {
	l, c := newTestLimiter(2)
	c.advance(30 * time.Second)
	handler := l.Middleware()(okHandler())

	serve := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	for range 2 {
		w := serve("10.0.0.1:9999")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := serve("10.0.0.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"code":429,"message":"rate limit exceeded","retryable":true}`, w.Body.String())

	assert.Equal(t, http.StatusOK, serve("10.0.0.2:1234").Code)
}

func TestRateLimit_KeyFuncAndSkip(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		Max:    1,
		Window: time.Minute,
		KeyFunc: func(r *http.Request) string {
			return r.Header.Get("X-Session")
		},
		Skip: func(r *http.Request) bool {
			return r.URL.Path == "/livez"
		},
	})(okHandler())

	serve := func(path, session string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Session", session)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve("/pay", "a"))
	assert.Equal(t, http.StatusTooManyRequests, serve("/pay", "a"))
	assert.Equal(t, http.StatusOK, serve("/pay", "b"))
	for range 3 {
		assert.Equal(t, http.StatusOK, serve("/livez", "a"))
	}
}
