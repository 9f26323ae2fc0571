package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mgamer/indexer-v3-sub004/internal/chain/ratelimit"
	"github.com/mgamer/indexer-v3-sub004/internal/circuitbreaker"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
)

// Client is a JSON-RPC client for EVM nodes. Every request passes the rate
// limiter and the circuit breaker; a reverted call does not trip the breaker.
type Client struct {
	httpClient *http.Client
	rpcURL     string
	chain      string
	requestID  atomic.Int64
	limiter    *ratelimit.Limiter
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

type Option func(*Client)

func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = ratelimit.NewLimiter(rps, burst, c.chain) }
}

func WithBreaker(failureThreshold int, openTimeout time.Duration) Option {
	return func(c *Client) {
		c.breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: failureThreshold,
			OpenTimeout:      openTimeout,
			Countable:        countsAgainstBreaker,
			OnStateChange: func(from, to circuitbreaker.State) {
				metrics.RPCBreakerState.WithLabelValues(c.chain).Set(float64(to))
				c.logger.Warn("rpc circuit breaker state change", "from", from.String(), "to", to.String())
			},
		})
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(rpcURL, chain string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcURL:     rpcURL,
		chain:      chain,
		logger:     logger.With("component", "evm_rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewLimiter(1000, 1000, chain)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(circuitbreaker.Config{Countable: countsAgainstBreaker})
	}
	return c
}

// countsAgainstBreaker excludes errors the node returns for a healthy
// request, such as reverts and invalid params.
func countsAgainstBreaker(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == -32603 || rpcErr.Code == -32005
	}
	return !errors.Is(err, context.Canceled)
}

func (c *Client) newRequest(method string, params []interface{}) Request {
	return Request{
		JSONRPC: "2.0",
		ID:      int(c.requestID.Add(1)),
		Method:  method,
		Params:  params,
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.limiter.Call(ctx, method, func(ctx context.Context) error {
		return c.breaker.Do(func() error {
			var rpcResp Response
			if err := c.post(ctx, c.newRequest(method, params), &rpcResp); err != nil {
				return err
			}
			if rpcResp.Error != nil {
				return rpcResp.Error
			}
			result = rpcResp.Result
			return nil
		})
	})
	return result, err
}

// callBatch sends requests as one JSON-RPC batch and returns responses in
// request order.
func (c *Client) callBatch(ctx context.Context, method string, requests []Request) ([]Response, error) {
	if len(requests) == 0 {
		return []Response{}, nil
	}
	var ordered []Response
	err := c.limiter.Call(ctx, method, func(ctx context.Context) error {
		return c.breaker.Do(func() error {
			var responses []Response
			if err := c.post(ctx, requests, &responses); err != nil {
				return err
			}
			byID := make(map[int]Response, len(responses))
			for _, r := range responses {
				byID[r.ID] = r
			}
			ordered = make([]Response, len(requests))
			for i, req := range requests {
				r, ok := byID[req.ID]
				if !ok {
					return fmt.Errorf("batch response missing id %d", req.ID)
				}
				ordered[i] = r
			}
			return nil
		})
	})
	return ordered, err
}

func (c *Client) post(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
