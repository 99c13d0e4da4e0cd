// Package retry bounds outbound provider calls with a per-attempt timeout
// and an exponential-backoff retry policy. The policy consults only the
// retryability classification carried on the error, never its content.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bearing-app/consistency-engine/pkg/errors"
	"github.com/bearing-app/consistency-engine/pkg/observability"
)

const (
	// DefaultBaseDelay is the initial backoff interval
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxRetries bounds retries after the first attempt
	DefaultMaxRetries = 2
	// DefaultAttemptTimeout bounds a single outbound HTTP attempt
	DefaultAttemptTimeout = 20 * time.Second
)

// Config contains retry configuration
type Config struct {
	BaseDelay      time.Duration
	MaxRetries     int
	AttemptTimeout time.Duration
}

// Policy executes operations under a retry discipline
type Policy interface {
	Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff retries transient failures with
// base×2^attempt plus uniform jitter in [0, base).
type ExponentialBackoff struct {
	config Config
	logger observability.Logger
}

// NewExponentialBackoff creates the default retry policy
func NewExponentialBackoff(config Config, logger observability.Logger) *ExponentialBackoff {
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultAttemptTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ExponentialBackoff{config: config, logger: logger}
}

// Execute runs fn, retrying retryable-classified failures. Each attempt is
// bounded by the configured timeout; a deadline overrun is reclassified as a
// gateway timeout before the retry decision. The last classified error is
// returned as-is after attempts are exhausted.
func (e *ExponentialBackoff) Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = errors.Wrap(err, 504, errors.CodeGatewayTimeout, label+" timed out", true)
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}
		if attempt == e.config.MaxRetries {
			break
		}

		delay := e.NextDelay(attempt)
		e.logger.Warn("retrying operation", map[string]interface{}{
			"operation": label,
			"attempt":   attempt + 1,
			"delay_ms":  delay.Milliseconds(),
			"error":     errors.CodeOf(err),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// NextDelay computes base×2^attempt plus uniform jitter in [0, base)
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	base := float64(e.config.BaseDelay)
	delay := base*math.Pow(2, float64(attempt)) + rand.Float64()*base
	return time.Duration(delay)
}

// Do executes fn under the policy and returns its result
func Do[T any](ctx context.Context, p Policy, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, label, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
