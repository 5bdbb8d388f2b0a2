package governor

import (
	"sync"
	"time"
)

// BreakerState is a circuit breaker's current state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// minWindowSamples gates the error-rate trip so a single early failure
// cannot open the circuit on a tiny sample.
const minWindowSamples = 10

// outcome is one recorded call result inside the rolling window.
type outcome struct {
	at time.Time
	ok bool
}

// breaker is a per-plugin circuit breaker. It trips open on consecutive
// failures or on a high error rate over the rolling window. An open
// circuit transitions to half-open after the cooldown and admits one
// trial call; the trial's outcome decides between closing and re-opening.
// Operators can also force-close with reset.
type breaker struct {
	mu sync.Mutex

	failureThreshold   int
	errorRateThreshold float64
	window             time.Duration
	cooldown           time.Duration

	state               BreakerState
	consecutiveFailures int
	outcomes            []outcome
	openedAt            time.Time
	trialInFlight       bool
}

func newBreaker(failureThreshold int, errorRateThreshold float64, window, cooldown time.Duration) *breaker {
	return &breaker{
		failureThreshold:   failureThreshold,
		errorRateThreshold: errorRateThreshold,
		window:             window,
		cooldown:           cooldown,
		state:              BreakerClosed,
	}
}

// allow reports whether a call may proceed, transitioning open to
// half-open once the cooldown has elapsed. In half-open exactly one
// trial call is admitted at a time.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		return true
	case BreakerHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// refusing reports whether a call would be refused right now, without
// consuming the half-open trial slot or transitioning state. Admission
// checks use this so a refusal has no side effects.
func (b *breaker) refusing(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		return now.Sub(b.openedAt) < b.cooldown
	case BreakerHalfOpen:
		return b.trialInFlight
	}
	return false
}

func (b *breaker) recordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.trialInFlight = false
		b.consecutiveFailures = 0
		b.outcomes = nil
		return
	}
	b.consecutiveFailures = 0
	b.outcomes = append(b.pruned(now), outcome{at: now, ok: true})
}

func (b *breaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.trialInFlight = false
		b.openedAt = now
		return
	}

	b.consecutiveFailures++
	b.outcomes = append(b.pruned(now), outcome{at: now, ok: false})

	if b.consecutiveFailures >= b.failureThreshold {
		b.trip(now)
		return
	}
	if len(b.outcomes) >= minWindowSamples && b.errorRate() >= b.errorRateThreshold {
		b.trip(now)
	}
}

// reset forces the breaker closed regardless of state.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.outcomes = nil
	b.trialInFlight = false
}

// trip opens the circuit. Caller holds mu.
func (b *breaker) trip(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.trialInFlight = false
}

// pruned returns outcomes still inside the window. Caller holds mu.
func (b *breaker) pruned(now time.Time) []outcome {
	cutoff := now.Add(-b.window)
	kept := b.outcomes[:0]
	for _, o := range b.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	return kept
}

// errorRate over the current outcomes. Caller holds mu.
func (b *breaker) errorRate() float64 {
	if len(b.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, o := range b.outcomes {
		if !o.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(b.outcomes))
}

// BreakerStatus is a point-in-time snapshot for operators.
type BreakerStatus struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ErrorRate           float64      `json:"error_rate"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
}

func (b *breaker) status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStatus{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		ErrorRate:           b.errorRate(),
		OpenedAt:            b.openedAt,
	}
}
