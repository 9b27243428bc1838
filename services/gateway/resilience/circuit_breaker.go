// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows requests through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects all requests immediately.
	CircuitOpen

	// CircuitHalfOpen allows a single trial request to test recovery.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive general (non-timeout)
	// failures before opening. Default: 3
	FailureThreshold int

	// TimeoutThreshold is the number of consecutive gateway timeouts
	// before opening. Tracked independently of general failures because
	// upstream 504s are expected to be transient under load.
	// Default: 3
	TimeoutThreshold int

	// Cooldown is the duration to wait before transitioning from open to
	// half-open. Default: 2m
	Cooldown time.Duration
}

// DefaultBreakerConfig returns sensible defaults for the circuit breaker.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		TimeoutThreshold: 3,
		Cooldown:         2 * time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.TimeoutThreshold <= 0 {
		c.TimeoutThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Minute
	}
	return c
}

// CircuitBreaker implements the circuit breaker pattern with two independent
// failure tallies.
//
// The breaker has three states:
//   - Closed: normal operation, requests pass through
//   - Open: a threshold was exceeded, requests are rejected immediately
//   - Half-Open: cooldown elapsed, a single trial request is allowed
//
// Unlike a single-counter breaker, consecutive gateway timeouts (HTTP 504)
// are tallied separately from other failures. A burst of slow-but-recovering
// upstream responses trips the breaker on its own threshold, while hard
// errors (auth failure, connection refused) trip on theirs. A timeout resets
// the general streak and vice versa; success resets both.
//
// Thread Safety: safe for concurrent use. One instance exists per adapter
// instance, shared by every in-flight request against that provider.
type CircuitBreaker struct {
	config BreakerConfig

	state               CircuitState
	consecutiveFailures int
	consecutiveTimeouts int
	halfOpenInFlight    bool
	lastFailureTime     time.Time
	lastStateChange     time.Time

	mu sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config.withDefaults(),
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Allow checks whether a request should be allowed through.
//
// Closed always allows. Open allows only once the cooldown has elapsed
// since the last failure, at which point the breaker advances to half-open
// and the caller becomes the single trial request. Half-open allows exactly
// one in-flight trial; further callers are rejected until the trial
// resolves via RecordSuccess or RecordFailure.
//
// Thread Safety: safe for concurrent use.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if now.Sub(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.transitionTo(CircuitHalfOpen, now)
			cb.halfOpenInFlight = true
			return true
		}
		return false

	case CircuitHalfOpen:
		if !cb.halfOpenInFlight {
			cb.halfOpenInFlight = true
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request.
//
// Resets both failure tallies. A success during the half-open trial closes
// the circuit.
//
// Thread Safety: safe for concurrent use.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.consecutiveTimeouts = 0

	if cb.state == CircuitHalfOpen {
		cb.transitionTo(CircuitClosed, time.Now())
	}
}

// RecordFailure records a failed request, classified by err.
//
// A gateway timeout (IsGatewayTimeout) increments only the timeout tally and
// trips the breaker when TimeoutThreshold consecutive timeouts accumulate;
// the general tally is left untouched. Any other failure resets the timeout
// tally, increments the general tally, and trips on FailureThreshold.
// A failure during the half-open trial re-opens immediately.
//
// Cancellation (IsCancellation) is neutral: it touches no tally and does not
// extend the cooldown, but it does release the half-open trial slot so a
// cancelled trial cannot wedge the breaker.
//
// Thread Safety: safe for concurrent use.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if IsCancellation(err) {
		cb.halfOpenInFlight = false
		return
	}

	now := time.Now()
	cb.lastFailureTime = now

	if cb.state == CircuitHalfOpen {
		cb.transitionTo(CircuitOpen, now)
		return
	}
	if cb.state != CircuitClosed {
		return
	}

	if IsGatewayTimeout(err) {
		cb.consecutiveTimeouts++
		if cb.consecutiveTimeouts >= cb.config.TimeoutThreshold {
			cb.transitionTo(CircuitOpen, now)
		}
		return
	}

	cb.consecutiveTimeouts = 0
	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.transitionTo(CircuitOpen, now)
	}
}

// ReleaseTrial frees the half-open trial slot without recording an
// outcome. Callers use it when an attempt admitted by Allow is abandoned
// before it reaches the upstream, so the abandoned attempt cannot leave
// the breaker stuck with its single trial permanently claimed.
//
// Thread Safety: safe for concurrent use.
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.halfOpenInFlight = false
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's tallies and timestamps.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		ConsecutiveTimeouts: cb.consecutiveTimeouts,
		LastFailureTime:     cb.lastFailureTime,
		LastStateChange:     cb.lastStateChange,
	}
}

// Reset returns the breaker to the closed state with zeroed tallies.
// Primarily for tests and manual intervention.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.consecutiveTimeouts = 0
	cb.halfOpenInFlight = false
	cb.lastStateChange = time.Now()
}

// transitionTo changes the circuit state.
// Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, now time.Time) {
	cb.state = newState
	cb.lastStateChange = now
	cb.halfOpenInFlight = false

	if newState == CircuitClosed {
		cb.consecutiveFailures = 0
		cb.consecutiveTimeouts = 0
	}
}

// BreakerStats contains circuit breaker statistics.
type BreakerStats struct {
	State               CircuitState
	ConsecutiveFailures int
	ConsecutiveTimeouts int
	LastFailureTime     time.Time
	LastStateChange     time.Time
}
