package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/segmentio/kafka-go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mgamer/indexer-v3-sub004/internal/chain/evm"
	"github.com/mgamer/indexer-v3-sub004/internal/circuitbreaker"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	if grpcStatus, ok := status.FromError(err); ok {
		switch grpcStatus.Code() {
		case codes.Canceled:
			return Decision{Class: ClassTerminal, Reason: "grpc_canceled"}
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
			return Decision{Class: ClassTransient, Reason: "grpc_" + strings.ToLower(grpcStatus.Code().String())}
		default:
			return Decision{Class: ClassTerminal, Reason: "grpc_" + strings.ToLower(grpcStatus.Code().String())}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return Decision{Class: ClassTransient, Reason: "circuit_open"}
	}

	var rpcErr *evm.RPCError
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(pqErr.Code)
	}

	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) {
		if kafkaErr.Temporary() {
			return Decision{Class: ClassTransient, Reason: "kafka_temporary"}
		}
		return Decision{Class: ClassTerminal, Reason: "kafka_terminal"}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: ReasonUnknown}
}

// ReasonUnknown marks a terminal decision made only by default.
const ReasonUnknown = "unknown_terminal_default"

func classifySQLState(code pq.ErrorCode) Decision {
	switch code {
	case "40001", "40P01", "55P03", "57014":
		// serialization_failure, deadlock_detected, lock_not_available, query_canceled
		return Decision{Class: ClassTransient, Reason: "sqlstate_" + string(code)}
	}
	switch code.Class() {
	case "08", "53", "57":
		// connection exception, insufficient resources, operator intervention
		return Decision{Class: ClassTransient, Reason: "sqlstate_class_" + string(code.Class())}
	}
	return Decision{Class: ClassTerminal, Reason: "sqlstate_" + string(code)}
}

// Backoff returns the delay before retry number attempt (0-based): initial
// doubled per attempt, capped at max, with up to 20% jitter.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	d := initial
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d - jitter
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func classifyJSONRPCCode(code int) Decision {
	if code == -32603 || code == -32005 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	}
	if code <= -32000 && code >= -32099 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"temporary",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"payload too large",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"abi: cannot unmarshal",
	"length mismatch",
	"unknown order kind",
	"invalid argument",
	"invalid params",
	"method not found",
	"parse error",
	"execution reverted",
	"not found",
	"constraint violation",
	"invalid input syntax",
}
