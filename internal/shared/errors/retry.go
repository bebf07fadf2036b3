package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"navi/internal/shared/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // Retries after the first attempt (default: 3)
	BaseDelay    time.Duration // Delay before the first retry (default: 1s)
	MaxDelay     time.Duration // Cap on the backoff delay (default: 30s)
	Multiplier   float64       // Backoff growth factor (default: 2)
	JitterFactor float64       // Randomization factor (default: 0.25 = ±25%)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.25,
	}
}

// StoreRetryConfig is the schedule for transient storage errors:
// 100ms, 400ms, 1.6s.
func StoreRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   4,
		JitterFactor: 0,
	}
}

// ToolRetryConfig is the schedule for retryable tool errors: 500ms, 2s.
func ToolRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   4,
		JitterFactor: 0,
	}
}

// BackendRetryConfig is the schedule for transient backend transport errors.
func BackendRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.25,
	}
}

// Retry executes fn, retrying transient failures with exponential backoff.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes fn, retrying transient failures with exponential
// backoff, and returns its result. Non-transient errors surface immediately.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)

	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Retry succeeded on attempt %d/%d", attempt+1, config.MaxAttempts+1)
			}
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			logger.Warn("Retries exhausted after %d attempts: %v", config.MaxAttempts+1, err)
			break
		}

		delay := backoffDelay(attempt, config)
		logger.Debug("Attempt %d failed (%v), retrying in %v", attempt+1, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func backoffDelay(attempt int, config RetryConfig) time.Duration {
	base := config.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	multiplier := config.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := float64(base) * math.Pow(multiplier, float64(attempt))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
		if delay < 0 {
			delay = float64(base)
		}
	}
	return time.Duration(delay)
}
