package clients

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/RickSF09/eva-sub001/pkg/logging"
)

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker. Zero values fall back
// to a 15s open delay, a 0.5 failure ratio over 10 requests and a single
// half-open trial call.
type CircuitBreakerConfig struct {
	Name         string
	MaxRequests  uint32 // successes needed in half-open before closing
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32

	// IsFailure decides whether an error counts against the breaker. Nil
	// counts every non-nil error.
	IsFailure func(error) bool

	Logger        logging.Logger
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// CircuitBreaker guards calls to the payment provider.
type CircuitBreaker struct {
	cb   circuitbreaker.CircuitBreaker[any]
	name string
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "circuit-breaker"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}

	failureThreshold := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(failureThreshold, uint(cfg.MinRequests)).
		WithDelay(cfg.Timeout).
		WithSuccessThreshold(uint(cfg.MaxRequests))

	if cfg.IsFailure != nil {
		isFailure := cfg.IsFailure
		builder = builder.HandleIf(func(_ any, err error) bool {
			return err != nil && isFailure(err)
		})
	}

	if cfg.OnStateChange != nil || cfg.Logger != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			fromState := convertState(event.OldState)
			toState := convertState(event.NewState)

			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"circuit_breaker": cfg.Name,
					"from_state":      fromState.String(),
					"to_state":        toState.String(),
				}).Warn("circuit breaker state change")
			}

			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, fromState, toState)
			}
		})
	}

	return &CircuitBreaker{
		cb:   builder.Build(),
		name: cfg.Name,
	}
}

func convertState(state circuitbreaker.State) CircuitBreakerState {
	switch state {
	case circuitbreaker.ClosedState:
		return StateClosed
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// CallContext executes fn through the circuit breaker, handing it ctx.
func (cb *CircuitBreaker) CallContext(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := failsafe.With(cb.cb).WithContext(ctx).Get(func() (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return convertState(cb.cb.State())
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen returns true if the circuit breaker is open
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.cb.IsOpen()
}

// IsCircuitOpen reports whether err came from a rejected call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrOpen)
}
