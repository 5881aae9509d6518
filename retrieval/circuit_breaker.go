// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

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

	// CircuitHalfOpen allows limited requests to test recovery.
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureRateThreshold is the fraction of failed calls within the
	// sliding window that opens the circuit. Default: 0.5
	FailureRateThreshold float64

	// WindowSize is the number of recent call outcomes considered when
	// computing the failure rate. Default: 10
	WindowSize int

	// MinSamples is the minimum number of recorded outcomes before the
	// failure rate is evaluated at all. Default: 4
	MinSamples int

	// ResetTimeout is the duration to wait before transitioning from open to half-open.
	// Default: 30s
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is the max probe requests allowed in half-open state.
	// Default: 2
	HalfOpenMaxRequests int

	// SuccessThreshold is the number of consecutive probe successes in
	// half-open required to close. Default: 1
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns sensible defaults for the circuit breaker.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           10,
		MinSamples:           4,
		ResetTimeout:         30 * time.Second,
		HalfOpenMaxRequests:  2,
		SuccessThreshold:     1,
	}
}

// CircuitBreaker implements the circuit breaker pattern for fault tolerance.
//
// The circuit breaker has three states:
// - Closed: Normal operation, requests pass through; outcomes feed a
//   count-based sliding window and the circuit opens when the window's
//   failure rate crosses the threshold.
// - Open: Requests are rejected immediately until ResetTimeout elapses.
// - Half-Open: A limited number of probe requests are allowed; a probe
//   success closes the circuit, a probe failure reopens it.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state                CircuitState
	window               []bool // true = failure
	windowPos            int
	windowCount          int
	consecutiveSuccesses int
	halfOpenRequests     int
	lastFailureTime      time.Time
	lastStateChange      time.Time

	mu sync.RWMutex
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
//
// Inputs:
//   - config: Configuration for thresholds and timeouts. Zero-valued
//     fields fall back to the defaults.
//
// Outputs:
//   - *CircuitBreaker: A new circuit breaker in closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureRateThreshold <= 0 {
		config.FailureRateThreshold = def.FailureRateThreshold
	}
	if config.WindowSize <= 0 {
		config.WindowSize = def.WindowSize
	}
	if config.MinSamples <= 0 {
		config.MinSamples = def.MinSamples
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		window:          make([]bool, config.WindowSize),
		lastStateChange: time.Now(),
	}
}

// Allow checks if a request should be allowed through.
//
// Returns true if the request is allowed, false if it should be rejected.
// In half-open state, this also tracks the number of probe requests.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if now.Sub(cb.lastFailureTime) >= cb.config.ResetTimeout {
			cb.transitionTo(CircuitHalfOpen, now)
			cb.halfOpenRequests = 1
			return true
		}
		return false

	case CircuitHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request.
//
// In half-open state, consecutive probe successes close the circuit.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.recordOutcome(false)

	case CircuitHalfOpen:
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed, now)
		}
	}
}

// RecordFailure records a failed request.
//
// In closed state the sliding-window failure rate may open the circuit;
// any failure in half-open reopens it immediately.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.lastFailureTime = now

	switch cb.state {
	case CircuitClosed:
		cb.recordOutcome(true)
		if cb.windowCount >= cb.config.MinSamples &&
			cb.failureRate() >= cb.config.FailureRateThreshold {
			cb.transitionTo(CircuitOpen, now)
		}

	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen, now)
	}
}

// State returns the current circuit state.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		State:           cb.state,
		WindowSamples:   cb.windowCount,
		FailureRate:     cb.failureRate(),
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset resets the circuit breaker to closed state and clears the window.
//
// This is primarily for testing or manual intervention.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.window = make([]bool, cb.config.WindowSize)
	cb.windowPos = 0
	cb.windowCount = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0
	cb.lastStateChange = time.Now()
}

// recordOutcome pushes one call outcome into the ring buffer.
// Must be called with lock held.
func (cb *CircuitBreaker) recordOutcome(failed bool) {
	cb.window[cb.windowPos] = failed
	cb.windowPos = (cb.windowPos + 1) % len(cb.window)
	if cb.windowCount < len(cb.window) {
		cb.windowCount++
	}
}

// failureRate computes the failed fraction of the recorded window.
// Must be called with at least a read lock held.
func (cb *CircuitBreaker) failureRate() float64 {
	if cb.windowCount == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < cb.windowCount; i++ {
		if cb.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(cb.windowCount)
}

// transitionTo changes the circuit state.
// Must be called with lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, now time.Time) {
	cb.state = newState
	cb.lastStateChange = now
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0

	if newState == CircuitClosed {
		cb.window = make([]bool, cb.config.WindowSize)
		cb.windowPos = 0
		cb.windowCount = 0
	}
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	State           CircuitState
	WindowSamples   int
	FailureRate     float64
	LastFailureTime time.Time
	LastStateChange time.Time
}

// TimeSinceLastFailure returns the duration since the last failure.
func (s CircuitBreakerStats) TimeSinceLastFailure() time.Duration {
	if s.LastFailureTime.IsZero() {
		return 0
	}
	return time.Since(s.LastFailureTime)
}

// TimeSinceStateChange returns the duration since the last state change.
func (s CircuitBreakerStats) TimeSinceStateChange() time.Duration {
	return time.Since(s.LastStateChange)
}
