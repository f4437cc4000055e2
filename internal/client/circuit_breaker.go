package client

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerState is the circuit state of the telemetry sink.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker is a consecutive-failure circuit breaker. After maxFailures
// failures in a row it opens for the cooldown period, then admits a
// probe request to decide between closing and re-opening. Thread-safe.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	maxFailures int
	cooldown    time.Duration
	lastFailure time.Time
}

func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{maxFailures: maxFailures, cooldown: cooldown}
}

// Allow reports whether a request may proceed. An open circuit whose
// cooldown has expired moves to half-open and admits the caller as a
// probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.setState(BreakerHalfOpen)
			return true
		}
		return false
	default:
		// half-open admits probes until one resolves the state
		return true
	}
}

// Success clears the failure count and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != BreakerClosed {
		b.setState(BreakerClosed)
	}
}

// Failure records one failure, opening the circuit at the threshold or
// on a failed half-open probe.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	if b.state == BreakerHalfOpen || (b.state == BreakerClosed && b.failures >= b.maxFailures) {
		b.setState(BreakerOpen)
	}
}

func (b *Breaker) setState(s BreakerState) {
	log.Debug().
		Str("from", b.state.String()).
		Str("to", s.String()).
		Msg("Sink breaker state change")
	b.state = s
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
