package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func serve(h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitMiddleware_BlocksExcessiveRequests(t *testing.T) {
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	// reorg-check allows a burst of one.
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/admin/v1/reorg-check", "").Code)
	rec := serve(h, http.MethodPost, "/admin/v1/reorg-check", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other endpoints and other clients have their own buckets.
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/admin/v1/backfill", "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/admin/v1/reorg-check", "10.0.0.9:5000").Code)
}

func TestRateLimitMiddleware_ProxyHeaders(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rules := WithRules([]RateLimitRule{{RPS: 0, Burst: 1}})

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/health", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	untrusted := NewRateLimitMiddleware(logger, rules)
	defer untrusted.Stop()
	assert.Equal(t, "192.0.2.1", untrusted.clientIP(req), "headers ignored by default")

	trusted := NewRateLimitMiddleware(logger, rules, WithTrustedProxyHeaders())
	defer trusted.Stop()
	assert.Equal(t, "203.0.113.7", trusted.clientIP(req))
}

func TestRateLimitMiddleware_UnmatchedPassesThrough(t *testing.T) {
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithRules([]RateLimitRule{{Method: http.MethodPost, Prefix: "/admin/v1/backfill", RPS: 0, Burst: 0}}))
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/admin/v1/health", "").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodPost, "/admin/v1/backfill", "").Code)
	assert.Equal(t, 1, rl.LimiterCount())
}

func TestRateLimitMiddleware_EvictsStaleLimiters(t *testing.T) {
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Stop()
	now := time.Unix(1_700_000_000, 0)
	rl.nowFunc = func() time.Time { return now }
	h := rl.Wrap(okHandler())

	serve(h, http.MethodGet, "/admin/v1/health", "10.0.0.1:1")
	serve(h, http.MethodGet, "/admin/v1/health", "10.0.0.2:1")
	assert.Equal(t, 2, rl.LimiterCount())

	now = now.Add(staleLimiterTTL + time.Second)
	rl.evictStale()
	assert.Zero(t, rl.LimiterCount())
}
