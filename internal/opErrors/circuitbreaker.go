package opErrors

import (
	"context"
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half_open"
)

// CircuitBreaker stops calling a consistently failing operation for a cool-
// down period instead of retrying it into the ground.
type CircuitBreaker struct {
	maxFailures     int
	resetTimeout    time.Duration
	failureCount    int
	lastFailureTime time.Time
	state           CircuitState
}

func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitStateClosed,
	}
}

// Execute runs fn through the breaker, rejecting the call outright while the
// circuit is open and the reset timeout hasn't elapsed.
func (cb *CircuitBreaker) Execute(operation string, fn RetryableFunc) error {
	if cb.state == CircuitStateOpen {
		if time.Since(cb.lastFailureTime) < cb.resetTimeout {
			return NewErrorBuilder().
				Category(ErrorCategoryResource).
				Severity(ErrorSeverityHigh).
				Operation(operation).
				Message("circuit breaker is open, operation rejected").
				Suggestion("wait for the circuit breaker to reset or check the underlying service").
				Metadata("circuit_state", string(cb.state)).
				Metadata("failures", cb.failureCount).
				Build()
		}
		cb.state = CircuitStateHalfOpen
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailureTime = time.Now()
	if cb.failureCount >= cb.maxFailures {
		cb.state = CircuitStateOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount = 0
	cb.state = CircuitStateClosed
}

func (cb *CircuitBreaker) GetState() CircuitState {
	return cb.state
}

func (cb *CircuitBreaker) GetFailureCount() int {
	return cb.failureCount
}

// RetryWithCircuitBreaker combines retry with a circuit breaker: the breaker
// gates the whole retried attempt, not each individual attempt within it.
func RetryWithCircuitBreaker(ctx context.Context, retryConfig *RetryConfig, cb *CircuitBreaker, operation string, fn RetryableFunc) error {
	return cb.Execute(operation, func() error {
		return RetryWithContext(ctx, retryConfig, operation, fn)
	})
}

// ErrorHandlerConfig configures a per-runner ErrorHandler.
type ErrorHandlerConfig struct {
	CircuitBreakerEnabled bool
	MaxFailures           int
	ResetTimeout          time.Duration
}

// DefaultErrorHandlerConfig matches the defaults a registry-publish runner
// would want: trip after 5 consecutive failures, cool down for a minute.
func DefaultErrorHandlerConfig() *ErrorHandlerConfig {
	return &ErrorHandlerConfig{
		CircuitBreakerEnabled: true,
		MaxFailures:           5,
		ResetTimeout:          1 * time.Minute,
	}
}

// ErrorHandler owns one CircuitBreaker per named operation, lazily created,
// so a runner handling many distinct operations doesn't need to plumb its
// own map.
type ErrorHandler struct {
	config  *ErrorHandlerConfig
	mu      sync.Mutex
	circuit map[string]*CircuitBreaker
}

func NewErrorHandler(config *ErrorHandlerConfig) *ErrorHandler {
	if config == nil {
		config = DefaultErrorHandlerConfig()
	}
	return &ErrorHandler{
		config:  config,
		circuit: make(map[string]*CircuitBreaker),
	}
}

func (h *ErrorHandler) getOrCreateCircuitBreaker(operation string) *CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.circuit[operation]
	if !ok {
		cb = NewCircuitBreaker(h.config.MaxFailures, h.config.ResetTimeout)
		h.circuit[operation] = cb
	}
	return cb
}

// Execute runs fn under retry plus (if enabled) the per-operation circuit
// breaker.
func (h *ErrorHandler) Execute(ctx context.Context, retryConfig *RetryConfig, operation string, fn RetryableFunc) error {
	if !h.config.CircuitBreakerEnabled {
		return RetryWithContext(ctx, retryConfig, operation, fn)
	}
	cb := h.getOrCreateCircuitBreaker(operation)
	return RetryWithCircuitBreaker(ctx, retryConfig, cb, operation, fn)
}

// CircuitBreakerStatus reports on one operation's breaker for diagnostics.
type CircuitBreakerStatus struct {
	Operation    string
	State        CircuitState
	FailureCount int
}

// GetCircuitBreakerStatus returns the status of every breaker the handler
// has created so far.
func (h *ErrorHandler) GetCircuitBreakerStatus() []CircuitBreakerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	statuses := make([]CircuitBreakerStatus, 0, len(h.circuit))
	for op, cb := range h.circuit {
		statuses = append(statuses, CircuitBreakerStatus{
			Operation:    op,
			State:        cb.GetState(),
			FailureCount: cb.GetFailureCount(),
		})
	}
	return statuses
}
