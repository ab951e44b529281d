package pipeline

import (
	"slices"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusStopped   HealthStatus = "STOPPED"

	// DefaultUnhealthyThreshold is the number of consecutive failures
	// before a component is considered unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the P95 latency threshold
	// before a component is considered degraded.
	DefaultDegradedLatencyThreshold = 5 * time.Second

	// latencyWindowSize is the number of recent latencies tracked.
	latencyWindowSize = 10
)

// TransitionFunc observes status changes into and out of UNHEALTHY.
type TransitionFunc func(component string, from, to HealthStatus, consecutiveFailures int)

// ComponentHealth tracks the health state of one running component
// (subscriber, consumer, backfill worker).
type ComponentHealth struct {
	mu                       sync.RWMutex
	name                     string
	status                   HealthStatus
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	onTransition             TransitionFunc
}

func NewComponentHealth(name string, unhealthyThreshold int) *ComponentHealth {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	return &ComponentHealth{
		name:                     name,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       unhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
	}
}

func (h *ComponentHealth) Name() string { return h.name }

// OnTransition registers fn; it runs outside the lock.
func (h *ComponentHealth) OnTransition(fn TransitionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTransition = fn
}

// SetStatus sets the health status directly.
func (h *ComponentHealth) SetStatus(status HealthStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
}

// RecordSuccess records a successful cycle.
func (h *ComponentHealth) RecordSuccess() {
	h.RecordSuccessWithRecovery()
}

// RecordSuccessWithRecovery records a success and returns true if it
// represents a recovery from an unhealthy state.
func (h *ComponentHealth) RecordSuccessWithRecovery() bool {
	h.mu.Lock()
	now := time.Now()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	if h.isLatencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	to, fn := h.status, h.onTransition
	h.mu.Unlock()

	if wasUnhealthy && fn != nil {
		fn(h.name, HealthStatusUnhealthy, to, 0)
	}
	return wasUnhealthy
}

// RecordLatency records a processing latency and updates degraded state.
func (h *ComponentHealth) RecordLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, d)

	if h.status == HealthStatusHealthy || h.status == HealthStatusDegraded {
		if h.isLatencyDegraded() {
			h.status = HealthStatusDegraded
		} else if h.status == HealthStatusDegraded && h.consecutiveFailures == 0 {
			h.status = HealthStatusHealthy
		}
	}
}

// isLatencyDegraded returns true if the P95 latency exceeds the threshold.
// Must be called with mu held.
func (h *ComponentHealth) isLatencyDegraded() bool {
	if len(h.recentLatencies) < 2 {
		return false
	}
	return h.percentileLatency(95) > h.degradedLatencyThreshold
}

// percentileLatency computes the given percentile from recent latencies.
// Must be called with mu held.
func (h *ComponentHealth) percentileLatency(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(h.recentLatencies)
	slices.Sort(sorted)
	idx := (pct*n - 1) / 100
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// RecordFailure records a failure. Returns true if the component
// transitioned to unhealthy on this call.
func (h *ComponentHealth) RecordFailure() bool {
	h.mu.Lock()
	now := time.Now()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	from := h.status
	transitioned := false
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		transitioned = true
	}
	failures, fn := h.consecutiveFailures, h.onTransition
	h.mu.Unlock()

	if transitioned && fn != nil {
		fn(h.name, from, HealthStatusUnhealthy, failures)
	}
	return transitioned
}

// Snapshot returns the current health state.
func (h *ComponentHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Component:           h.name,
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
}

// HealthSnapshot is a point-in-time view of component health (JSON-safe).
type HealthSnapshot struct {
	Component           string     `json:"component"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}
