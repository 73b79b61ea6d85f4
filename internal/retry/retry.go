// Package retry wraps exchange side-effects with bounded retries, exponential
// backoff and a circuit breaker. Only transient failures are retried; domain
// rejections surface immediately.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/fault"
	"spot-trading-engine/internal/metrics"
)

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = circuitbreaker.ErrOpen

const (
	// defaultCallTimeout bounds each individual attempt.
	defaultCallTimeout = 10 * time.Second
	// maxBackoff caps the exponential delay between attempts.
	maxBackoff = 30 * time.Second
	// jitterFactor spreads retry delays by ±20%.
	jitterFactor = 0.2
)

// Executor runs exchange calls through a retry policy and a shared circuit
// breaker. One executor guards one adapter; the breaker's failure count is
// the main throttle against a degraded exchange.
type Executor struct {
	log         zerolog.Logger
	metrics     *metrics.Registry
	callTimeout time.Duration
	breaker     circuitbreaker.CircuitBreaker[any]
	pipeline    failsafe.Executor[any]
}

// New builds an executor from the retry configuration. The breaker opens
// after three fully exhausted executions' worth of failures and cools off
// for a minute before letting a trial call through.
func New(cfg config.RetryConfig, log zerolog.Logger, reg *metrics.Registry) *Executor {
	baseDelay := time.Duration(cfg.BaseDelayMs) * time.Millisecond

	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return fault.IsTransient(err)
		}).
		WithBackoff(baseDelay, maxBackoff).
		WithJitterFactor(jitterFactor).
		WithMaxRetries(cfg.MaxAttempts - 1).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil
		}).
		WithFailureThreshold(uint(3 * cfg.MaxAttempts)).
		WithDelay(60 * time.Second).
		Build()

	return &Executor{
		log:         log.With().Str("component", "retry").Logger(),
		metrics:     reg,
		callTimeout: defaultCallTimeout,
		breaker:     breaker,
		pipeline:    failsafe.With[any](policy, breaker),
	}
}

// Execute runs fn under the retry and breaker policies. Each attempt gets
// its own deadline derived from ctx; when every attempt fails, the last
// error is returned as-is so callers can classify it.
func (e *Executor) Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	err := e.pipeline.WithContext(ctx).RunWithExecution(func(exec failsafe.Execution[any]) error {
		if n := exec.Attempts(); n > 1 {
			if e.metrics != nil {
				e.metrics.Inc("retry.attempts")
			}
			e.log.Warn().
				Str("op", label).
				Int("attempt", n).
				AnErr("last_error", exec.LastError()).
				Msg("retrying exchange call")
		}

		attemptCtx, cancel := context.WithTimeout(exec.Context(), e.callTimeout)
		defer cancel()
		return fn(attemptCtx)
	})

	if err != nil {
		if e.metrics != nil && IsCircuitOpen(err) {
			e.metrics.Inc("retry.circuit_open")
		}
		e.log.Debug().Str("op", label).Err(err).Msg("exchange call failed")
	}
	return err
}

// IsCircuitOpen reports whether err means the breaker refused the call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// BreakerState exposes the breaker for health reporting.
func (e *Executor) BreakerState() string {
	switch {
	case e.breaker.IsOpen():
		return "open"
	case e.breaker.IsHalfOpen():
		return "half_open"
	default:
		return "closed"
	}
}

// Do runs a value-returning call through the executor. The zero value is
// returned alongside any error.
func Do[T any](e *Executor, ctx context.Context, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, label, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
