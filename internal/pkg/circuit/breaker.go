package circuit

import (
	"sync"
	"time"

	"marketcache/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Health is the provider health record read before every call.
type Health struct {
	Provider            string    `json:"provider"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Healthy             bool      `json:"is_healthy"`
	UnhealthyUntil      time.Time `json:"unhealthy_until,omitempty"`
	State               string    `json:"state"`
}

// CircuitBreaker tracks one provider. All transitions happen under mu and never do I/O;
// the state-change hook runs on its own goroutine.
type CircuitBreaker struct {
	mu             sync.Mutex
	state          State
	failures       int
	threshold      int
	timeout        time.Duration
	unhealthyUntil time.Time
	trialUntil     time.Time
	name           string
	now            func() time.Time
	onStateChange  func(name string, from, to State)
}

type Option func(*CircuitBreaker)

func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// NewCircuitBreaker opens after threshold consecutive failures and stays open for timeout.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	cb := &CircuitBreaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		state:     StateClosed,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

// Allow reports whether a call may go out. Once the cool-down has elapsed the window is cleared
// and one trial call is let through; only a later failure marks the provider unhealthy again.
// Other callers are refused while the trial is out. A trial that never reports back releases
// its slot after another timeout.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(cb.unhealthyUntil) {
			return false
		}
		cb.unhealthyUntil = time.Time{}
		cb.transition(StateHalfOpen)
	default:
		if now.Before(cb.trialUntil) {
			return false
		}
	}
	cb.trialUntil = now.Add(cb.timeout)
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.unhealthyUntil = time.Time{}
	cb.trialUntil = time.Time{}
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.trialUntil = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	case StateOpen:
		cb.unhealthyUntil = cb.now().Add(cb.timeout)
	}
}

func (cb *CircuitBreaker) open() {
	cb.unhealthyUntil = cb.now().Add(cb.timeout)
	cb.transition(StateOpen)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Health() Health {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Health{
		Provider:            cb.name,
		ConsecutiveFailures: cb.failures,
		Healthy:             cb.state != StateOpen,
		UnhealthyUntil:      cb.unhealthyUntil,
		State:               cb.state.String(),
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
	} else {
		logger.Warnf("CircuitBreaker %s state change: %s -> %s (failures=%d/%d, timeout=%s)",
			cb.name, from, to, cb.failures, cb.threshold, cb.timeout)
	}
}
