// pkg/backoff/backoff.go
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var metrics = struct {
	Retries   *prometheus.CounterVec
	Failures  *prometheus.CounterVec
	Successes *prometheus.CounterVec
	Delays    *prometheus.HistogramVec
}{
	Retries: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kalshi", Subsystem: "backoff", Name: "retries_total",
			Help: "Number of back-off retry attempts",
		},
		[]string{"op"},
	),
	Failures: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kalshi", Subsystem: "backoff", Name: "failures_total",
			Help: "Number of operations that gave up after retries",
		},
		[]string{"op"},
	),
	Successes: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kalshi", Subsystem: "backoff", Name: "successes_total",
			Help: "Number of operations that eventually succeeded",
		},
		[]string{"op"},
	),
	Delays: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kalshi", Subsystem: "backoff", Name: "retry_delay_seconds",
			Help:    "Histogram of retry delays (seconds)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	),
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config contains tunables for exponential back-off.
//
// All zero values are treated as "use reasonable default".
type Config struct {
	// InitialInterval is the first delay before retrying.
	InitialInterval time.Duration `mapstructure:"initial_interval"`

	// RandomizationFactor adds ±jitter to each delay.
	// Accepted range: 0.0 ≤ f ≤ 1.0
	RandomizationFactor float64 `mapstructure:"randomization_factor"`

	// Multiplier multiplies the previous delay to get the next one.
	Multiplier float64 `mapstructure:"multiplier"`

	// MaxInterval caps each individual delay.
	MaxInterval time.Duration `mapstructure:"max_interval"`

	// MaxElapsedTime is the total time allowed for all retries
	// before giving up. Zero → unlimited.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`

	// PerAttemptTimeout limits every single call of fn.
	// Zero → no per-attempt timeout.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
}

// Validate performs cheap sanity checks.
func (c Config) Validate() error {
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		return fmt.Errorf("backoff: randomization_factor must be in [0,1]")
	}
	if c.Multiplier != 0 && c.Multiplier < 1 {
		return fmt.Errorf("backoff: multiplier must be ≥ 1")
	}
	if c.MaxElapsedTime < 0 {
		return fmt.Errorf("backoff: max_elapsed_time must be ≥ 0")
	}
	return nil
}

// RetryableFunc is a unit of work that may be re-executed until it
// succeeds or the back-off strategy gives up.
type RetryableFunc func(ctx context.Context) error

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrMaxRetries is returned from Execute when fn was still failing after
// all retries were exhausted (or ctx was cancelled between attempts).
type ErrMaxRetries struct {
	Err      error // last error returned by fn
	Attempts int   // number of attempts performed
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: %d attempt(s) failed: %v", e.Attempts, e.Err)
}
func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent marks an error as non-retryable. Execute returns the wrapped
// error as is, without ErrMaxRetries.
func Permanent(err error) error { return backoff.Permanent(err) }

// -----------------------------------------------------------------------------
// Core
// -----------------------------------------------------------------------------

// Execute runs fn with an exponential back-off defined by cfg, emitting
// Prometheus metrics labelled by op and structured logs via log.
func Execute(ctx context.Context, op string, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("backoff: invalid config: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = cfg.MaxElapsedTime
	boCtx := backoff.WithContext(bo, ctx)

	attempts := 0
	permanent := false
	operation := func() error {
		attempts++
		var err error
		if cfg.PerAttemptTimeout > 0 {
			atCtx, cancel := context.WithTimeout(ctx, cfg.PerAttemptTimeout)
			err = fn(atCtx)
			cancel()
		} else {
			err = fn(ctx)
		}
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			permanent = true
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		metrics.Retries.WithLabelValues(op).Inc()
		metrics.Delays.WithLabelValues(op).Observe(delay.Seconds())
		log.Warn("back-off retry",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(operation, boCtx, notify); err != nil {
		metrics.Failures.WithLabelValues(op).Inc()
		if permanent {
			log.Error("back-off aborted: permanent error",
				zap.String("op", op),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return err
		}
		log.Error("back-off give-up",
			zap.String("op", op),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return &ErrMaxRetries{Err: err, Attempts: attempts}
	}

	metrics.Successes.WithLabelValues(op).Inc()
	return nil
}
