package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowWithinBurst(t *testing.T) {
	const burst = 5
	l := NewLimiter(100, burst, "ethereum")

	for i := 0; i < burst; i++ {
		start := time.Now()
		require.NoError(t, l.Wait(context.Background()))
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	}
}

func TestLimiter_WaitWhenExhausted(t *testing.T) {
	l := NewLimiter(10, 1, "ethereum")

	require.NoError(t, l.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_ContextCancellation(t *testing.T) {
	l := NewLimiter(1, 1, "ethereum")
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestLimiter_Call(t *testing.T) {
	l := NewLimiter(100, 5, "ethereum")
	boom := errors.New("boom")

	calls := 0
	err := l.Call(context.Background(), "eth_getLogs", func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{errors.New("execution reverted: not owner"), "reverted"},
		{errors.New("circuit breaker is open"), "circuit_open"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("http status 429: slow down"), "rate_limited"},
		{errors.New("http status 503: unavailable"), "server_error"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("invalid params"), "client_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyRPCError(tt.err))
	}
}
