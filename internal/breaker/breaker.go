// Package breaker implements the three-state circuit breaker guarding the
// upstream classification API.
//
// State machine:
//
//	Closed    — calls proceed; consecutive failures are counted. Reaching
//	            the threshold opens the circuit.
//	Open      — calls fail immediately with ErrOpen. After the reset
//	            timeout, the next Allow moves the circuit to HalfOpen.
//	HalfOpen  — exactly one probe call is admitted; concurrent callers see
//	            ErrOpen. Probe success closes the circuit, probe failure
//	            reopens it.
//
// The caller decides what counts as a failure; the breaker only counts what
// is reported to it.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sifthq/aisorter/internal/logging"
)

// ErrOpen is returned by Allow while the circuit is open or a half-open
// probe is already in flight.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Observer receives state transitions, typically to drive metrics.
type Observer interface {
	StateChanged(from, to string)
}

type noopObserver struct{}

func (noopObserver) StateChanged(from, to string) {}

// Config for a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed.
	ResetTimeout time.Duration

	Logger   logging.Logger
	Observer Observer
}

// Breaker is safe for concurrent use. Transitions are serialized under one
// mutex so at most one half-open probe ever exists.
type Breaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	failureThreshold int
	resetTimeout     time.Duration
	logger           logging.Logger
	observer         Observer

	now func() time.Time
}

// New creates a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		logger:           cfg.Logger,
		observer:         cfg.Observer,
		now:              time.Now,
	}
}

// Allow asks whether a call may proceed. On success the caller must later
// invoke exactly one of ReportSuccess, ReportFailure, or ReportAbandoned.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil
	}
	return ErrOpen
}

// ReportSuccess records a successful call.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.transitionLocked(StateClosed)
	}
}

// ReportFailure records a failed call.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.transitionLocked(StateOpen)
	}
}

// ReportAbandoned records a call that ended without an upstream verdict,
// typically caller cancellation. It releases a half-open probe slot so the
// next Allow can probe again, but changes no state and leaves the
// closed-state failure streak alone: only a probe that actually succeeded
// may close the circuit.
func (b *Breaker) ReportAbandoned() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// transitionLocked changes state and notifies. Caller holds mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.consecutiveFailures = 0
		b.openedAt = time.Time{}
	}

	b.logger.Info("circuit breaker state changed", map[string]interface{}{
		"from":                 from.String(),
		"to":                   to.String(),
		"consecutive_failures": b.consecutiveFailures,
	})
	b.observer.StateChanged(from.String(), to.String())
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the closed-state failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// OpenedAt returns when the circuit last opened, zero if closed.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// setClock replaces the time source. Test helper.
func (b *Breaker) setClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
