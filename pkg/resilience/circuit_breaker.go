// Package resilience wraps provider calls in a circuit breaker so a
// misbehaving upstream sheds load instead of stacking up retries.
package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bearing-app/consistency-engine/pkg/errors"
	"github.com/bearing-app/consistency-engine/pkg/observability"
)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name         string        `mapstructure:"name"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// Breaker is an explicitly constructed circuit breaker. Non-retryable
// classified errors (caller mistakes, permission failures) do not count as
// breaker failures; only transient upstream trouble trips it.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// NewBreaker creates a circuit breaker with the given configuration
func NewBreaker(config CircuitBreakerConfig, logger observability.Logger) *Breaker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 5
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.FailureRatio == 0 {
		config.FailureRatio = 0.5
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= config.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.IsRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), logger: logger}
}

// Execute runs fn through the breaker. An open breaker surfaces as a
// retryable service-unavailable classification so callers report the same
// stable message they use for any upstream outage.
func (b *Breaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	resultCh := make(chan struct {
		result interface{}
		err    error
	}, 1)

	go func() {
		result, err := b.cb.Execute(fn)
		resultCh <- struct {
			result interface{}
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.err == gobreaker.ErrOpenState || res.err == gobreaker.ErrTooManyRequests {
			return nil, errors.Unavailable(res.err)
		}
		return res.result, res.err
	}
}
