package resiliency

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// RetryEvent describes a failed attempt that is about to be retried.
type RetryEvent struct {
	Attempt     int
	MaxAttempts int
	Err         error
	Delay       time.Duration
}

// RetryFunc observes retries. It is called before the backoff wait.
type RetryFunc func(RetryEvent)

// Result summarizes an Execute call.
type Result struct {
	Success    bool
	Err        error
	Attempts   int
	TotalDelay time.Duration
}

// RetrierOption customizes a Retrier.
type RetrierOption func(*Retrier)

// WithClassifier consults c before the built-in retryability rules.
func WithClassifier(c Classifier) RetrierOption {
	return func(r *Retrier) { r.classifier = c }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) RetrierOption {
	return func(r *Retrier) { r.random = fn }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithRetryLogger sets the logger used for retry decisions.
func WithRetryLogger(l *slog.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = l }
}

// Retrier re-runs operations that fail with retryable errors, waiting an
// exponentially growing, jittered delay between attempts.
type Retrier struct {
	config     RetryConfig
	classifier Classifier
	random     func() float64
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

// NewRetrier creates a Retrier. MaxAttempts below 1 is treated as 1.
func NewRetrier(cfg RetryConfig, opts ...RetrierOption) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	r := &Retrier{
		config: cfg,
		random: rand.Float64,
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Retrier) Config() RetryConfig { return r.config }

// CalculateDelay returns the wait after the zero-based attempt. The base
// delay is min(MaxDelay, InitialDelay * BackoffFactor^attempt); uniform
// jitter of ±JitterFactor of the base is added and the result clamped to
// [0, MaxDelay], so saturated delays still spread over
// [MaxDelay*(1-JitterFactor), MaxDelay].
func (r *Retrier) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt))
	if math.IsNaN(base) {
		base = 0
	}
	limit := float64(r.config.MaxDelay)
	if r.config.MaxDelay > 0 && base > limit {
		base = limit
	}

	d := base + base*r.config.JitterFactor*(r.random()*2-1)
	if r.config.MaxDelay > 0 && d > limit {
		d = limit
	}
	if d < 0 || math.IsNaN(d) {
		d = 0
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// IsRetryable reports whether err should be retried by this Retrier.
func (r *Retrier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if r.classifier != nil {
		if retry, ok := r.classifier.Classify(err); ok {
			return retry
		}
	}
	return IsRetryable(err)
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// exhausts MaxAttempts. A non-retryable error is returned unchanged; after
// exhaustion the result is a *MaxRetriesExceededError. If ctx is canceled
// during a wait, ctx.Err() is returned.
func (r *Retrier) Execute(ctx context.Context, fn func(context.Context) error, onRetry RetryFunc) error {
	return r.ExecuteWithResult(ctx, fn, onRetry).Err
}

// ExecuteWithResult is Execute that also reports attempts and total delay.
func (r *Retrier) ExecuteWithResult(ctx context.Context, fn func(context.Context) error, onRetry RetryFunc) Result {
	var (
		lastErr     error
		total       time.Duration
		maxAttempts = r.config.MaxAttempts
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return Result{Success: true, Attempts: attempt, TotalDelay: total}
		}
		lastErr = err

		if !r.IsRetryable(err) {
			r.logger.Debug("non-retryable error", "attempt", attempt, "error", err)
			return Result{Err: err, Attempts: attempt, TotalDelay: total}
		}
		if attempt == maxAttempts {
			break
		}

		delay := r.CalculateDelay(attempt - 1)
		if onRetry != nil {
			onRetry(RetryEvent{Attempt: attempt, MaxAttempts: maxAttempts, Err: err, Delay: delay})
		}
		r.logger.Debug("retrying",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if werr := r.sleep(ctx, delay); werr != nil {
			return Result{Err: werr, Attempts: attempt, TotalDelay: total}
		}
		total += delay
	}
	return Result{
		Err:        &MaxRetriesExceededError{Attempts: maxAttempts, LastErr: lastErr},
		Attempts:   maxAttempts,
		TotalDelay: total,
	}
}

// Do is Execute for functions that return a value.
func Do[T any](ctx context.Context, r *Retrier, fn func(context.Context) (T, error), onRetry RetryFunc) (T, error) {
	var out T
	err := r.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, onRetry)
	return out, err
}

// DoWithResult is ExecuteWithResult for functions that return a value.
func DoWithResult[T any](ctx context.Context, r *Retrier, fn func(context.Context) (T, error), onRetry RetryFunc) (T, Result) {
	var out T
	res := r.ExecuteWithResult(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, onRetry)
	return out, res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
