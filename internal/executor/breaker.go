package executor

import (
	"sync"
	"time"

	"github.com/tbancroft/stampede/internal/config"
)

// BreakerState represents the circuit breaker state for one executor.
type BreakerState int

const (
	// BreakerClosed is normal operation.
	BreakerClosed BreakerState = iota
	// BreakerOpen refuses work until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen admits exactly one probe task.
	BreakerHalfOpen
)

// String returns a human-readable representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is the per-executor circuit breaker. Transient failures increment
// a consecutive-failure counter; reaching the threshold opens the circuit
// for a cooldown that doubles on each failed probe, capped at a maximum.
type Breaker struct {
	mu sync.Mutex

	state BreakerState
	// consecutive counts transient failures since the last success.
	consecutive int
	// openedAt is when the circuit last opened.
	openedAt time.Time
	// cooldown is the current refusal window.
	cooldown time.Duration
	// probeInFlight marks that the half-open probe slot is taken.
	probeInFlight bool

	threshold    int
	baseCooldown time.Duration
	maxCooldown  time.Duration

	now func() time.Time
}

// NewBreaker creates a closed breaker from the configuration.
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		state:        BreakerClosed,
		threshold:    cfg.FailureThreshold,
		baseCooldown: cfg.OpenCooldown(),
		cooldown:     cfg.OpenCooldown(),
		maxCooldown:  cfg.MaxCooldown(),
		now:          time.Now,
	}
}

// Allow reports whether the executor may take work right now. In the open
// state it transitions to half-open once the cooldown has elapsed and then
// grants a single probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure counter; a successful half-open probe
// closes the circuit and restores the base cooldown.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	b.probeInFlight = false
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.cooldown = b.baseCooldown
	}
}

// RecordFailure notes one transient failure. Reaching the threshold opens
// the circuit; a failed half-open probe re-opens it with a doubled cooldown,
// capped at the maximum. Returns true when the circuit opened on this call.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probeInFlight = false
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
		return true
	case BreakerClosed:
		b.consecutive++
		if b.consecutive >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			return true
		}
	}
	return false
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}

// CooldownRemaining returns how long until an open circuit will probe, or
// zero when work is allowed.
func (b *Breaker) CooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return 0
	}
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
