package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mgamer/indexer-v3-sub004/internal/chain/evm"
	"github.com/mgamer/indexer-v3-sub004/internal/circuitbreaker"
)

func TestClassify_ExplicitMarkers(t *testing.T) {
	transient := Classify(Transient(errors.New("rpc timed out")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("invalid params")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)
}

func TestClassify_RepresentativeRuntimeErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
	}{
		{
			name:          "grpc unavailable transient",
			err:           status.Error(codes.Unavailable, "collector unavailable"),
			expectedClass: ClassTransient,
		},
		{
			name:          "context deadline transient",
			err:           context.DeadlineExceeded,
			expectedClass: ClassTransient,
		},
		{
			name:          "invalid params terminal",
			err:           errors.New("eth_getLogs: invalid params: block range too large"),
			expectedClass: ClassTerminal,
		},
		{
			name:          "unknown defaults terminal",
			err:           errors.New("unexpected failure"),
			expectedClass: ClassTerminal,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			decision := Classify(tc.err)
			assert.Equal(t, tc.expectedClass, decision.Class)
		})
	}
}

func TestClassify_DomainErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
		reason        string
	}{
		{"jsonrpc internal", fmt.Errorf("eth_getLogs: %w", &evm.RPCError{Code: -32603, Message: "internal"}), ClassTransient, "jsonrpc_server_transient"},
		{"jsonrpc server range", &evm.RPCError{Code: -32010, Message: "busy"}, ClassTransient, "jsonrpc_server_range"},
		{"jsonrpc reverted", &evm.RPCError{Code: 3, Message: "execution reverted"}, ClassTerminal, "jsonrpc_terminal"},
		{"serialization failure", fmt.Errorf("apply: %w", &pq.Error{Code: "40001"}), ClassTransient, "sqlstate_40001"},
		{"deadlock", &pq.Error{Code: "40P01"}, ClassTransient, "sqlstate_40P01"},
		{"too many connections", &pq.Error{Code: "53300"}, ClassTransient, "sqlstate_class_53"},
		{"unique violation", &pq.Error{Code: "23505"}, ClassTerminal, "sqlstate_23505"},
		{"circuit open", fmt.Errorf("rpc: %w", circuitbreaker.ErrCircuitOpen), ClassTransient, "circuit_open"},
		{"kafka leader unavailable", kafka.LeaderNotAvailable, ClassTransient, "kafka_temporary"},
		{"kafka message too large", kafka.MessageSizeTooLarge, ClassTerminal, "kafka_terminal"},
		{"abi decode", errors.New("decode TransferSingle: abi: cannot unmarshal string into uint256"), ClassTerminal, "message_terminal"},
		{"rpc rate limit", errors.New("http status 429: too many requests"), ClassTransient, "message_transient"},
		{"unknown", errors.New("unexpected failure"), ClassTerminal, ReasonUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			decision := Classify(tc.err)
			assert.Equal(t, tc.expectedClass, decision.Class)
			assert.Equal(t, tc.reason, decision.Reason)
		})
	}
}

func TestBackoff(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := Backoff(0, time.Second, time.Minute)
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)

		d = Backoff(3, time.Second, time.Minute)
		assert.LessOrEqual(t, d, 8*time.Second)
		assert.GreaterOrEqual(t, d, 6400*time.Millisecond)

		d = Backoff(30, time.Second, time.Minute)
		assert.LessOrEqual(t, d, time.Minute)
		assert.GreaterOrEqual(t, d, 48*time.Second)
	}
}

func TestSleep_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
