package resilience

import (
	"sync"

	"github.com/go-i2p/tunlock/lib/metrics"
)

// CircuitState is the debounced view of a stream of results.
//
//	Closed --FailureThreshold failures--> Open
//	Open --success--> HalfOpen --SuccessThreshold successes--> Closed
//	HalfOpen --failure--> Open
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half-open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig sets how many consecutive results flip the circuit.
// Zero values take the defaults of 3 failures and 2 successes.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
}

// CircuitBreaker turns flapping probe results into a stable up/down signal.
// Callers feed it results; nothing is gated on it.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	streak   int
	onChange func(from, to CircuitState)
}

// NewCircuitBreaker returns a closed breaker. name labels its metrics.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return &CircuitBreaker{name: name, cfg: cfg}
}

// SetStateChangeCallback registers fn for state changes. fn runs on the
// goroutine that recorded the result, outside the lock.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == CircuitOpen
}

// RecordSuccess feeds one good result. The first success while open moves
// to half-open and counts towards closing.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.record(true)
}

// RecordFailure feeds one bad result.
func (cb *CircuitBreaker) RecordFailure() {
	cb.record(false)
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	var changes [][2]CircuitState

	move := func(to CircuitState) {
		changes = append(changes, [2]CircuitState{cb.state, to})
		cb.state = to
		cb.streak = 0
	}

	switch {
	case cb.state == CircuitClosed && ok:
		cb.streak = 0
	case cb.state == CircuitClosed:
		cb.streak++
		if cb.streak >= cb.cfg.FailureThreshold {
			move(CircuitOpen)
		}
	case cb.state == CircuitOpen && ok:
		move(CircuitHalfOpen)
		fallthrough
	case cb.state == CircuitHalfOpen && ok:
		cb.streak++
		if cb.streak >= cb.cfg.SuccessThreshold {
			move(CircuitClosed)
		}
	case cb.state == CircuitHalfOpen:
		move(CircuitOpen)
	}
	fn := cb.onChange
	cb.mu.Unlock()

	for _, c := range changes {
		cb.changed(c[0], c[1], fn)
	}
}

func (cb *CircuitBreaker) changed(from, to CircuitState, fn func(from, to CircuitState)) {
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(to))
	if to == CircuitOpen {
		metrics.CircuitBreakerTrips.WithLabelValues(cb.name).Inc()
	}
	log.WithField("circuit", cb.name).
		WithField("from", from.String()).
		WithField("to", to.String()).
		Debug("circuit state changed")
	if fn != nil {
		fn(from, to)
	}
}
