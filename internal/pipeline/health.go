package pipeline

import (
	"slices"
	"sync"
	"time"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
)

// HealthStatus is the state reported on /healthz.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed realtime
	// ticks before the pipeline reports unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the p95 tick latency above which a
	// healthy pipeline reports degraded.
	DefaultDegradedLatencyThreshold = 5 * time.Second

	latencyWindowSize = 10
)

// Health tracks realtime tick outcomes for one chain/network.
type Health struct {
	mu                       sync.RWMutex
	chain                    model.Chain
	network                  model.Network
	status                   HealthStatus
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	lastError                string
	headBlock                int64
	cursorBlock              int64
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	nowFn                    func() time.Time
}

func NewHealth(chain model.Chain, network model.Network) *Health {
	return &Health{
		chain:                    chain,
		network:                  network,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		nowFn:                    time.Now,
	}
}

// SetUnhealthyThreshold overrides DefaultUnhealthyThreshold. Values below one
// are ignored.
func (h *Health) SetUnhealthyThreshold(n int) {
	if n < 1 {
		return
	}
	h.mu.Lock()
	h.unhealthyThreshold = n
	h.mu.Unlock()
}

// RecordTick records one realtime tick. It reports whether the tick moved
// the pipeline out of the unhealthy state.
func (h *Health) RecordTick(latency time.Duration, head, cursor int64) (recovered bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	recovered = h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.lastError = ""
	if head > 0 {
		h.headBlock = head
	}
	if cursor > 0 {
		h.cursorBlock = cursor
	}
	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, latency)
	if h.latencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return recovered
}

// RecordFailure records a failed tick. It reports whether this call moved
// the pipeline to unhealthy.
func (h *Health) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	return false
}

// latencyDegraded must be called with mu held.
func (h *Health) latencyDegraded() bool {
	n := len(h.recentLatencies)
	if n < 2 {
		return false
	}
	sorted := slices.Clone(h.recentLatencies)
	slices.Sort(sorted)
	idx := (95*n - 1) / 100
	return sorted[min(max(idx, 0), n-1)] > h.degradedLatencyThreshold
}

func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Chain:               string(h.chain),
		Network:             string(h.network),
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		HeadBlock:           h.headBlock,
		CursorBlock:         h.cursorBlock,
		LastError:           h.lastError,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
}

// Serving reports whether /healthz should answer 200.
func (s HealthSnapshot) Serving() bool {
	return s.Status != string(HealthStatusUnhealthy)
}

// HealthSnapshot is a point-in-time view of pipeline health (JSON-safe).
type HealthSnapshot struct {
	Chain               string     `json:"chain"`
	Network             string     `json:"network"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	HeadBlock           int64      `json:"head_block,omitempty"`
	CursorBlock         int64      `json:"cursor_block,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}
