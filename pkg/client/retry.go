package client

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/partner-proxy/internal/clock"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
	"github.com/Sternrassler/partner-proxy/pkg/metrics"
)

// Prometheus metrics for retry operations.
var (
	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partner_retry_backoff_seconds",
		Help:    "Wait before a retry by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})
)

const (
	outcomePermanent = metrics.OutcomePermanent
	outcomeExhausted = metrics.OutcomeExhausted
	outcomeCancelled = metrics.OutcomeCancelled
)

// RetryPolicy holds the configuration for retry logic. It is an immutable
// value; pass a different policy per call to change behaviour.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the initial call).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`

	// BaseDelay is the backoff for the first retry.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" validate:"gt=0"`

	// MaxDelay caps every backoff.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" validate:"gtefield=BaseDelay"`

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" validate:"gte=1"`

	// JitterEnabled scales each backoff by a random factor in [0.5, 1.0].
	JitterEnabled bool `yaml:"jitter_enabled" json:"jitter_enabled"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
	}
}

// BackoffDelay returns min(BaseDelay * BackoffMultiplier^attempt, MaxDelay)
// for a zero-based attempt index, before jitter.
func (p RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// jittered scales d by a factor in [0.5, 1.0] derived from r in [0, 1).
func (p RetryPolicy) jittered(d time.Duration, r float64) time.Duration {
	if !p.JitterEnabled {
		return d
	}
	return time.Duration(float64(d) * (0.5 + r*0.5))
}

// ExecutorConfig holds the retry executor dependencies.
type ExecutorConfig struct {
	Clock   clock.Clock
	Metrics *metrics.Aggregator
	Logger  *zerolog.Logger

	// Rand returns values in [0, 1) for jitter. Defaults to math/rand/v2.
	Rand func() float64
}

// Executor runs remote calls under a RetryPolicy, consulting Classify after
// every failure.
type Executor struct {
	clock   clock.Clock
	metrics *metrics.Aggregator
	logger  zerolog.Logger
	rand    func() float64
}

// NewExecutor creates a retry executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Executor{
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  logging.OrDefault(cfg.Logger, "retry"),
		rand:    cfg.Rand,
	}
}

// Execute calls fn until it succeeds, fails permanently, runs out of
// attempts or ctx is done.
//
// Transient failures wait BackoffDelay(n) with jitter, where n counts
// transient retries only. A rate-limited failure waits exactly the requested
// time, consumes one attempt and leaves the backoff exponent unchanged.
//
// Failures are returned as *ClassifiedError.
func (e *Executor) Execute(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := e.clock.Now()
	backoffIndex := 0
	var (
		lastErr error
		class   Classification
	)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return e.fail(class, attempt-1, start, outcomeCancelled, lastErr)
		}

		err := fn(ctx)
		if err == nil {
			e.metrics.Record(metrics.CallSucceeded())
			if attempt > 1 {
				e.logger.Info().
					Int("attempt", attempt).
					Msg("Call succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class = Classify(err)

		if ctx.Err() != nil {
			return e.fail(class, attempt, start, outcomeCancelled, err)
		}

		if class.Class == ErrorClassPermanent {
			return e.fail(class, attempt, start, outcomePermanent, err)
		}

		if attempt >= maxAttempts {
			return e.fail(class, attempt, start, outcomeExhausted, err)
		}

		var wait time.Duration
		if class.Class == ErrorClassRateLimited {
			wait = class.RetryAfter
		} else {
			wait = policy.jittered(policy.BackoffDelay(backoffIndex), e.rand())
			backoffIndex++
		}

		e.metrics.Record(metrics.RetryAttempt(string(class.Class)))
		retryBackoffSeconds.WithLabelValues(string(class.Class)).Observe(wait.Seconds())

		e.logger.Warn().
			Err(err).
			Str("error_class", string(class.Class)).
			Int("attempt", attempt).
			Dur("retry_after", wait).
			Msg("Retrying call after wait")

		if err := clock.Sleep(ctx, e.clock, wait); err != nil {
			e.logger.Warn().
				Str("error_class", string(class.Class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry wait")
			return e.fail(class, attempt, start, outcomeCancelled,
				fmt.Errorf("%w (last error: %w)", err, lastErr))
		}
	}
}

func (e *Executor) fail(class Classification, attempts int, start time.Time, outcome string, err error) error {
	if class.Class == "" {
		class = Classify(err)
	}
	e.metrics.Record(metrics.CallFailed(outcome))

	ce := &ClassifiedError{
		Class:      class.Class,
		Attempts:   attempts,
		Elapsed:    e.clock.Now().Sub(start),
		RetryAfter: class.RetryAfter,
		Outcome:    outcome,
		Err:        err,
	}

	ev := e.logger.Error()
	if outcome == outcomeCancelled {
		ev = e.logger.Warn()
	}
	ev.Err(err).
		Str("error_class", string(ce.Class)).
		Str("outcome", outcome).
		Int("attempts", attempts).
		Dur("elapsed", ce.Elapsed).
		Msg("Call failed")

	return ce
}

// String implements fmt.Stringer for log output.
func (p RetryPolicy) String() string {
	return fmt.Sprintf("attempts=%d base=%s max=%s mult=%.1f jitter=%t",
		p.MaxAttempts, p.BaseDelay, p.MaxDelay, p.BackoffMultiplier, p.JitterEnabled)
}
