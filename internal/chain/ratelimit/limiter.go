package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every RPC call of one chain.
type Limiter struct {
	limiter *rate.Limiter
	chain   string
}

func NewLimiter(rps float64, burst int, chain string) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		chain:   chain,
	}
}

// Wait consumes exactly one token, blocking until it is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.RPCRateLimitWaits.WithLabelValues(l.chain).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Call waits for a token, runs fn and records the call outcome for method.
func (l *Limiter) Call(ctx context.Context, method string, fn func(context.Context) error) error {
	if err := l.Wait(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	RecordRPCCall(l.chain, method, err)
	return err
}

func RecordRPCCall(chain, method string, err error) {
	metrics.RPCCallsTotal.WithLabelValues(chain, method, ClassifyRPCError(err)).Inc()
}

// ClassifyRPCError buckets an RPC error for the calls_total status label.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "execution reverted"):
		return "reverted"
	case strings.Contains(lower, "circuit breaker is open"):
		return "circuit_open"
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	default:
		return "client_error"
	}
}
