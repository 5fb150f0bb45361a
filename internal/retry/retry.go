// Package retry runs API attempts under the shared rate limiter and retries
// transient failures with a deterministic exponential delay.
//
// A single attempt reports an Outcome: OK with a value, Retriable with the
// error that may go away, or Fatal with the error that will not. Execute owns
// the loop; attempts never retry themselves.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/johnayoung/go-crypto-pipeline/internal/errors"
	"github.com/johnayoung/go-crypto-pipeline/internal/logger"
	"github.com/johnayoung/go-crypto-pipeline/internal/metrics"
	"github.com/johnayoung/go-crypto-pipeline/internal/ratelimit"
)

// Kind tags an attempt Outcome.
type Kind int

const (
	KindOK Kind = iota
	KindRetriable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRetriable:
		return "retriable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one attempt.
type Outcome[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// OK wraps a successful value.
func OK[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: KindOK, Value: v}
}

// Retriable wraps an error worth another attempt.
func Retriable[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: KindRetriable, Err: err}
}

// Fatal wraps an error that ends the operation.
func Fatal[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: KindFatal, Err: err}
}

// Classify turns a (value, error) pair into an Outcome using ShouldRetry.
func Classify[T any](v T, err error) Outcome[T] {
	switch {
	case err == nil:
		return OK(v)
	case apperrors.ShouldRetry(err):
		return Retriable[T](err)
	default:
		return Fatal[T](err)
	}
}

// Config holds the retry tunables.
type Config struct {
	MaxRetries    int     // retries after the first attempt
	BackoffFactor float64 // delay before retry k (zero-based) is BackoffFactor^k seconds
}

// DefaultConfig returns three retries with a 1.5 factor.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BackoffFactor: 1.5}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy combines the retry tunables with the limiter every attempt waits on.
type Policy struct {
	config    Config
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	metrics   *metrics.Recorder
	sleep     SleepFunc
	component string
}

// Option configures a Policy.
type Option func(*Policy)

// WithLogger sets the logger used for per-attempt records.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) { p.logger = logger }
}

// WithMetrics records attempts, retries and limiter waits.
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Policy) { p.metrics = m }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(p *Policy) { p.sleep = sleep }
}

// WithComponent names the component in terminal errors.
func WithComponent(component string) Option {
	return func(p *Policy) { p.component = component }
}

// NewPolicy creates a policy. limiter may be nil to disable rate limiting.
func NewPolicy(cfg Config, limiter *ratelimit.Limiter, opts ...Option) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	p := &Policy{
		config:    cfg,
		limiter:   limiter,
		logger:    slog.Default(),
		sleep:     sleepContext,
		component: "retry",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShouldRetry reports whether err is worth another attempt.
func (p *Policy) ShouldRetry(err error) bool {
	return apperrors.ShouldRetry(err)
}

// ComputeDelay returns the wait before retrying after zero-based attempt.
func (p *Policy) ComputeDelay(attempt int) time.Duration {
	return ComputeDelay(attempt, p.config.BackoffFactor)
}

// MaxAttempts is MaxRetries + 1.
func (p *Policy) MaxAttempts() int {
	return p.config.MaxRetries + 1
}

// Limiter returns the limiter shared by all attempts.
func (p *Policy) Limiter() *ratelimit.Limiter {
	return p.limiter
}

// ComputeDelay returns factor^attempt seconds. There is no jitter, so the
// sequence is deterministic and non-decreasing for factor >= 1.
func ComputeDelay(attempt int, factor float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(math.Pow(factor, float64(attempt)) * float64(time.Second))
}

// FactorBackOff is a backoff.BackOff yielding ComputeDelay for successive attempts.
type FactorBackOff struct {
	Factor  float64
	attempt int
}

// NewFactorBackOff creates a FactorBackOff starting at attempt zero.
func NewFactorBackOff(factor float64) *FactorBackOff {
	return &FactorBackOff{Factor: factor}
}

// NextBackOff returns the next backoff interval
func (b *FactorBackOff) NextBackOff() time.Duration {
	d := ComputeDelay(b.attempt, b.Factor)
	b.attempt++
	return d
}

// Reset resets the backoff to its initial state
func (b *FactorBackOff) Reset() {
	b.attempt = 0
}

var _ backoff.BackOff = (*FactorBackOff)(nil)

// Execute runs attempt up to MaxAttempts times. Records carry the run and
// coin identifiers found in ctx. Before each attempt it waits on
// the limiter. A Retriable outcome is retried after ComputeDelay while attempts
// remain; a Fatal outcome or exhaustion returns a *errors.ClassifiedError that
// wraps the last underlying error and records the attempt count.
func Execute[T any](ctx context.Context, p *Policy, operation string, attempt func(ctx context.Context) Outcome[T]) (T, error) {
	var zero T
	log := logger.FromContext(ctx, p.logger)

	delays := backoff.WithMaxRetries(NewFactorBackOff(p.config.BackoffFactor), uint64(p.config.MaxRetries))
	delays.Reset()

	for n := 1; ; n++ {
		if p.limiter != nil {
			waited, err := p.limiter.Wait(ctx)
			p.metrics.ObserveRateLimitWait(waited)
			if err != nil {
				return zero, apperrors.Classify(
					fmt.Errorf("rate limiter wait before attempt %d: %w", n, err), p.component, operation)
			}
		}

		start := time.Now()
		out := attempt(ctx)
		elapsed := time.Since(start)

		switch out.Kind {
		case KindOK:
			p.metrics.ObserveAttempt(operation, "ok", elapsed)
			if n > 1 {
				log.Info("operation succeeded after retry",
					"api_call", operation,
					"attempts", n)
			}
			return out.Value, nil

		case KindFatal:
			p.metrics.ObserveAttempt(operation, "fatal", elapsed)
			log.Warn("operation failed with non-retryable error",
				"api_call", operation,
				"attempt", n,
				"error", errString(out.Err))
			return zero, apperrors.NewExhaustedError(out.Err, p.component, operation, n)
		}

		// Retriable
		delay := delays.NextBackOff()
		if delay == backoff.Stop {
			p.metrics.ObserveAttempt(operation, "exhausted", elapsed)
			log.Error("operation failed after all retries",
				"api_call", operation,
				"attempts", n,
				"error", errString(out.Err))
			return zero, apperrors.NewExhaustedError(out.Err, p.component, operation, n)
		}

		p.metrics.ObserveAttempt(operation, "retry", elapsed)
		log.Warn("operation failed, retrying",
			"api_call", operation,
			"attempt", n,
			"max_attempts", p.MaxAttempts(),
			"delay", delay,
			"error", errString(out.Err))

		if err := p.sleep(ctx, delay); err != nil {
			return zero, apperrors.Classify(
				fmt.Errorf("canceled during backoff after %d attempts (last error: %v): %w", n, out.Err, err),
				p.component, operation)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
