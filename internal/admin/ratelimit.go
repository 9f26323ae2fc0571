package admin

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute
)

// RateLimitRule limits requests matching Method (empty matches any) and
// path Prefix. The first matching rule wins.
type RateLimitRule struct {
	Method string
	Prefix string
	RPS    rate.Limit
	Burst  int
}

func (r RateLimitRule) key() string { return r.Method + ":" + r.Prefix }

// DefaultRateLimitRules guards the mutating endpoints tighter than reads.
var DefaultRateLimitRules = []RateLimitRule{
	{Method: http.MethodPost, Prefix: "/admin/v1/backfill", RPS: rate.Limit(1.0 / 60), Burst: 2},
	{Method: http.MethodPost, Prefix: "/admin/v1/reorg-check", RPS: rate.Limit(1.0 / 30), Burst: 1},
	{Method: http.MethodPost, Prefix: "/admin/v1/reconcile", RPS: rate.Limit(1.0 / 10), Burst: 2},
	{Method: http.MethodGet, Prefix: "/admin/v1/", RPS: 5, Burst: 20},
	{RPS: 1, Burst: 5},
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware applies per-rule, per-client token buckets. Stale
// buckets are swept by a background goroutine until Stop is called.
type RateLimitMiddleware struct {
	mu           sync.Mutex
	limiters     map[string]*limiterEntry
	rules        []RateLimitRule
	trustProxies bool
	logger       *slog.Logger
	nowFunc      func() time.Time
	stopOnce     sync.Once
	stopCh       chan struct{}
}

// RateLimitOption configures a RateLimitMiddleware.
type RateLimitOption func(*RateLimitMiddleware)

// WithRules replaces the default per-endpoint rules.
func WithRules(rules []RateLimitRule) RateLimitOption {
	return func(rl *RateLimitMiddleware) { rl.rules = rules }
}

// WithTrustedProxyHeaders keys clients by X-Forwarded-For / X-Real-IP. Only
// enable behind a proxy that overwrites those headers.
func WithTrustedProxyHeaders() RateLimitOption {
	return func(rl *RateLimitMiddleware) { rl.trustProxies = true }
}

// NewRateLimitMiddleware creates a per-IP, per-endpoint rate limiter.
func NewRateLimitMiddleware(logger *slog.Logger, opts ...RateLimitOption) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		limiters: make(map[string]*limiterEntry),
		rules:    DefaultRateLimitRules,
		logger:   logger.With("component", "admin_ratelimit"),
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.cleanupLoop()
	return rl
}

// Stop is safe to call more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount returns the number of active limiter entries.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Wrap applies the rate limit before delegating to next.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule, ok := rl.match(r.Method, r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		client := rl.clientIP(r)
		if !rl.limiter(rule, client).Allow() {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			rl.logger.Warn("admin API rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", client,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) match(method, path string) (RateLimitRule, bool) {
	for _, rule := range rl.rules {
		if rule.Method != "" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		if !strings.HasPrefix(path, rule.Prefix) {
			continue
		}
		return rule, true
	}
	return RateLimitRule{}, false
}

func (rl *RateLimitMiddleware) limiter(rule RateLimitRule, client string) *rate.Limiter {
	key := rule.key() + "|" + client
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	entry := &limiterEntry{limiter: rate.NewLimiter(rule.RPS, rule.Burst), lastSeen: now}
	rl.limiters[key] = entry
	return entry.limiter
}

func (rl *RateLimitMiddleware) clientIP(r *http.Request) string {
	if rl.trustProxies {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
