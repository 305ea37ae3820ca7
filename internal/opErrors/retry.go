package opErrors

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior for a retryable operation. The engine
// itself never retries; this exists for runners like runners/registry that
// choose to retry their own flaky external calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	RetryableErrors []ErrorCategory
}

// DefaultRetryConfig returns a moderate retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableErrors: []ErrorCategory{
			ErrorCategoryNetwork,
			ErrorCategoryRegistry,
			ErrorCategoryResource,
			ErrorCategoryCache,
			ErrorCategoryTimeout,
		},
	}
}

// AggressiveRetryConfig retries more, faster, for operations worth the cost.
func AggressiveRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     60 * time.Second,
		Multiplier:      2.5,
		Jitter:          true,
		RetryableErrors: []ErrorCategory{
			ErrorCategoryNetwork,
			ErrorCategoryRegistry,
			ErrorCategoryResource,
			ErrorCategoryCache,
			ErrorCategoryTimeout,
		},
	}
}

// ConservativeRetryConfig retries sparingly.
func ConservativeRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      2,
		InitialInterval: 2 * time.Second,
		MaxInterval:     15 * time.Second,
		Multiplier:      1.5,
		Jitter:          false,
		RetryableErrors: []ErrorCategory{
			ErrorCategoryNetwork,
			ErrorCategoryRegistry,
		},
	}
}

// RetryableFunc is the unit of work passed to the retry helpers.
type RetryableFunc func() error

// RetryWithContext retries fn according to config until it succeeds, hits a
// non-retryable error, exhausts MaxRetries, or ctx is cancelled.
func RetryWithContext(ctx context.Context, config *RetryConfig, operation string, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return NewErrorBuilder().
				Category(ErrorCategoryTimeout).
				Severity(ErrorSeverityCritical).
				Operation(operation).
				Message("operation cancelled by context").
				Cause(ctx.Err()).
				Build()
		default:
		}

		if attempt > 0 {
			waitTime := interval
			if config.Jitter {
				waitTime = addJitter(interval)
			}

			select {
			case <-ctx.Done():
				return NewErrorBuilder().
					Category(ErrorCategoryTimeout).
					Severity(ErrorSeverityCritical).
					Operation(operation).
					Message("operation cancelled during retry wait").
					Cause(ctx.Err()).
					Build()
			case <-time.After(waitTime):
			}

			interval = time.Duration(float64(interval) * config.Multiplier)
			if interval > config.MaxInterval {
				interval = config.MaxInterval
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if !isRetryableError(err, config) {
				return err
			}
			if attempt < config.MaxRetries {
				continue
			}
		} else {
			return nil
		}
	}

	return NewErrorBuilder().
		Category(ErrorCategoryNetwork).
		Severity(ErrorSeverityHigh).
		Operation(operation).
		Message(fmt.Sprintf("operation failed after %d retries", config.MaxRetries)).
		Cause(lastErr).
		Suggestion("check the underlying issue and try again later").
		Metadata("max_retries", config.MaxRetries).
		Metadata("last_error", lastErr.Error()).
		Build()
}

func isRetryableError(err error, config *RetryConfig) bool {
	if buildErr, ok := err.(*BuildError); ok {
		if !buildErr.IsRetryable() {
			return false
		}
		for _, category := range config.RetryableErrors {
			if buildErr.Category == category {
				return true
			}
		}
		return false
	}
	return isRetryableByMessage(err.Error())
}

func isRetryableByMessage(errMsg string) bool {
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"network unreachable",
		"temporary failure",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
		"too many requests",
		"rate limit",
		"throttled",
		"timeout",
		"deadline exceeded",
		"i/o timeout",
		"no route to host",
		"host unreachable",
	}

	for _, pattern := range retryablePatterns {
		if containsFold(errMsg, pattern) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// addJitter adds up to 25% random jitter to avoid thundering herd.
func addJitter(interval time.Duration) time.Duration {
	jitter := time.Duration(rand.Float64() * 0.25 * float64(interval))
	return interval + jitter
}

// ExponentialBackoff computes the wait time for a given attempt without
// performing the wait, useful for tests and for runners that want to log the
// planned delay before sleeping.
func ExponentialBackoff(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration, jitter bool) time.Duration {
	if attempt <= 0 {
		return 0
	}
	interval := initialInterval
	for i := 1; i < attempt; i++ {
		interval = time.Duration(float64(interval) * multiplier)
		if interval > maxInterval {
			interval = maxInterval
			break
		}
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	if jitter {
		interval = addJitter(interval)
	}
	return interval
}

// RetryMetrics tracks aggregate retry statistics for one operation name.
type RetryMetrics struct {
	TotalAttempts     int
	SuccessfulRetries int
	FailedRetries     int
	AverageAttempts   float64
	TotalWaitTime     time.Duration
	MaxWaitTime       time.Duration
}

// RetryTracker accumulates RetryMetrics per operation for observability.
type RetryTracker struct {
	metrics map[string]*RetryMetrics
}

func NewRetryTracker() *RetryTracker {
	return &RetryTracker{metrics: make(map[string]*RetryMetrics)}
}

func (rt *RetryTracker) RecordAttempt(operation string, attempt int, waitTime time.Duration, success bool) {
	if rt.metrics[operation] == nil {
		rt.metrics[operation] = &RetryMetrics{}
	}

	metrics := rt.metrics[operation]
	metrics.TotalAttempts++
	metrics.TotalWaitTime += waitTime
	if waitTime > metrics.MaxWaitTime {
		metrics.MaxWaitTime = waitTime
	}
	if success {
		metrics.SuccessfulRetries++
	} else {
		metrics.FailedRetries++
	}
	if metrics.SuccessfulRetries > 0 {
		metrics.AverageAttempts = float64(metrics.TotalAttempts) / float64(metrics.SuccessfulRetries)
	}
}

func (rt *RetryTracker) GetMetrics(operation string) *RetryMetrics {
	return rt.metrics[operation]
}
