package mealgate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of a gateway action.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker is a per-action circuit breaker for the AI gateway. While an
// action is unhealthy the Gate refuses it before any quota is reserved.
type HealthTracker struct {
	mu      sync.Mutex
	actions map[Action]*actionHealth
	now     func() time.Time
}

type actionHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithHealthClock overrides time.Now.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthTracker) { h.now = now }
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	h := &HealthTracker{
		actions: make(map[Action]*actionHealth),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GetHealth returns the current state of an action.
func (h *HealthTracker) GetHealth(action Action) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ah, ok := h.actions[action]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed: let one trial through.
	if ah.state == HealthUnhealthy && h.now().Sub(ah.unhealthyAt) >= healthUnhealthyPeriod {
		ah.state = HealthHalfOpen
	}
	return ah.state
}

// Available reports whether the action may be attempted.
func (h *HealthTracker) Available(action Action) bool {
	return h.GetHealth(action) != HealthUnhealthy
}

// RecordSuccess closes the breaker for an action.
func (h *HealthTracker) RecordSuccess(action Action) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ah := h.getOrCreate(action)
	ah.state = HealthHealthy
	ah.failures = ah.failures[:0]
}

// RecordFailure records a failed gateway call for an action.
func (h *HealthTracker) RecordFailure(action Action) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ah := h.getOrCreate(action)
	now := h.now()

	// A failed half-open trial reopens the breaker.
	if ah.state == HealthHalfOpen {
		ah.state = HealthUnhealthy
		ah.unhealthyAt = now
		return
	}
	if ah.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := ah.failures[:0]
	for _, t := range ah.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ah.failures = append(valid, now)

	if len(ah.failures) >= healthFailureThreshold {
		ah.state = HealthUnhealthy
		ah.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(action Action) *actionHealth {
	ah, ok := h.actions[action]
	if !ok {
		ah = &actionHealth{state: HealthHealthy}
		h.actions[action] = ah
	}
	return ah
}
