// Package resiliency protects calls to external trust services (timestamp
// authorities, blockchain anchors, artifact storage) with circuit breakers,
// retry with exponential backoff, and rate limiting.
package resiliency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the externally visible breaker state.
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
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// circuitState is the internal sum type. Each variant carries only the data
// that is meaningful in that state.
type circuitState interface {
	state() State
	failures() int
}

type closedState struct{ failureCount int }

type openState struct{ failureCount int }

type halfOpenState struct{ failureCount int }

func (closedState) state() State      { return StateClosed }
func (s closedState) failures() int   { return s.failureCount }
func (openState) state() State        { return StateOpen }
func (s openState) failures() int     { return s.failureCount }
func (halfOpenState) state() State    { return StateHalfOpen }
func (s halfOpenState) failures() int { return s.failureCount }

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failureCount"`
	SuccessCount    int        `json:"successCount"`
	LastFailureTime *time.Time `json:"lastFailureTime,omitempty"`
}

// StateChangeFunc observes breaker transitions. It runs synchronously with
// the breaker lock released.
type StateChangeFunc func(name string, from, to State)

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChangeHook registers a transition observer.
func WithStateChangeHook(fn StateChangeFunc) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// WithBreakerLogger sets the logger used for transitions.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

// CircuitBreaker is a three-state failure detector for one named service.
// It is safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu           sync.Mutex
	current      circuitState
	successCount int
	lastFailure  time.Time

	now      func() time.Time
	onChange StateChangeFunc
	logger   *slog.Logger
}

// NewCircuitBreaker creates a closed breaker. Zero config fields fall back to
// the service-name defaults of ConfigForService.
func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:    name,
		config:  ConfigForService(name, &cfg),
		current: closedState{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the service name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() BreakerConfig { return cb.config }

// CanExecute reports whether a call may proceed. An open breaker moves to
// half-open and admits the call once ResetTimeout has elapsed since the last
// recorded failure.
func (cb *CircuitBreaker) CanExecute() error {
	cb.mu.Lock()
	var change func()
	var err error
	if s, ok := cb.current.(openState); ok {
		if cb.now().Sub(cb.lastFailure) >= cb.config.ResetTimeout {
			change = cb.transition(halfOpenState{failureCount: s.failureCount})
		} else {
			err = &CircuitOpenError{ServiceName: cb.name}
		}
	}
	cb.mu.Unlock()
	if change != nil {
		change()
	}
	return err
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var change func()
	switch cb.current.(type) {
	case closedState:
		cb.current = closedState{}
		cb.successCount++
	case halfOpenState:
		change = cb.transition(closedState{})
		cb.successCount = 0
	}
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}

// RecordFailure registers a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	now := cb.now()
	cb.lastFailure = now
	var change func()
	switch s := cb.current.(type) {
	case closedState:
		n := s.failureCount + 1
		if n >= cb.config.FailureThreshold {
			change = cb.transition(openState{failureCount: n})
		} else {
			cb.current = closedState{failureCount: n}
		}
	case halfOpenState:
		change = cb.transition(openState{failureCount: s.failureCount + 1})
	case openState:
		cb.current = openState{failureCount: s.failureCount + 1}
	}
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}

// Execute runs fn if the breaker admits it and records the outcome. A call
// abandoned because the caller's context was canceled is not counted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.CanExecute(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
	default:
		cb.RecordFailure()
	}
	return err
}

// Run is Execute for functions that return a value.
func Run[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current.state()
}

// Stats returns a snapshot.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := Stats{
		Name:         cb.name,
		State:        cb.current.state().String(),
		FailureCount: cb.current.failures(),
		SuccessCount: cb.successCount,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		st.LastFailureTime = &t
	}
	return st
}

// ForceOpen opens the breaker as if a failure happened now.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	now := cb.now()
	cb.lastFailure = now
	change := cb.transition(openState{failureCount: cb.current.failures()})
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}

// ForceClose closes the breaker and clears the failure count.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	change := cb.transition(closedState{})
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}

// Reset returns the breaker to its initial state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.transition(closedState{})
	cb.successCount = 0
	cb.lastFailure = time.Time{}
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}

// transition must be called with mu held. It returns the notification to run
// after unlocking, or nil when the visible state did not change.
func (cb *CircuitBreaker) transition(next circuitState) func() {
	from := cb.current.state()
	cb.current = next
	to := next.state()
	if from == to {
		return nil
	}
	name, hook, logger := cb.name, cb.onChange, cb.logger
	return func() {
		logger.Info("circuit breaker state change",
			"service", name,
			"from", from.String(),
			"to", to.String(),
		)
		if hook != nil {
			hook(name, from, to)
		}
	}
}
