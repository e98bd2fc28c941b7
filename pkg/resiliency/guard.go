package resiliency

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
)

// ServiceAttribute labels guarded-call telemetry with the trust service name.
const ServiceAttribute = attribute.Key("evidence.trust_service")

// Instrumenter wraps an operation in a span and RED metrics. The returned
// function records the outcome.
type Instrumenter interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// Guard composes the protections for calls to a named external service:
// rate limit, then circuit breaker, then retry. The breaker sees one outcome
// per guarded call, after all retries.
type Guard struct {
	registry    *Registry
	limiter     Limiter
	retries     map[string]RetryConfig
	classifiers map[string]Classifier
	retryOpts   []RetrierOption
	instr       Instrumenter
	logger      *slog.Logger
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithLimiter throttles calls before they reach the breaker.
func WithLimiter(l Limiter) GuardOption {
	return func(g *Guard) { g.limiter = l }
}

// WithServiceRetry overrides the retry preset for one service. Zero fields
// keep the preset values.
func WithServiceRetry(service string, cfg RetryConfig) GuardOption {
	return func(g *Guard) { g.retries[service] = cfg }
}

// WithServiceClassifier installs a retry classifier for one service.
func WithServiceClassifier(service string, c Classifier) GuardOption {
	return func(g *Guard) { g.classifiers[service] = c }
}

// WithRetrierOptions applies opts to every Retrier the guard builds.
func WithRetrierOptions(opts ...RetrierOption) GuardOption {
	return func(g *Guard) { g.retryOpts = append(g.retryOpts, opts...) }
}

// WithInstrumenter records a span and metrics per guarded call.
func WithInstrumenter(i Instrumenter) GuardOption {
	return func(g *Guard) { g.instr = i }
}

// WithGuardLogger sets the logger.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard creates a Guard over registry. A nil registry gets a fresh one.
func NewGuard(registry *Registry, opts ...GuardOption) *Guard {
	if registry == nil {
		registry = NewRegistry()
	}
	g := &Guard{
		registry:    registry,
		retries:     make(map[string]RetryConfig),
		classifiers: make(map[string]Classifier),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the breaker registry.
func (g *Guard) Registry() *Registry { return g.registry }

// RetryConfig returns the effective retry configuration for service.
func (g *Guard) RetryConfig(service string) RetryConfig {
	cfg := RetryConfigForService(service)
	if o, ok := g.retries[service]; ok {
		cfg = cfg.Merge(o)
	}
	return cfg
}

// Do runs fn against service under every configured protection.
func (g *Guard) Do(ctx context.Context, service string, fn func(context.Context) error) error {
	done := func(error) {}
	if g.instr != nil {
		ctx, done = g.instr.TrackOperation(ctx, "resiliency."+service,
			ServiceAttribute.String(service))
	}
	err := g.execute(ctx, service, fn)
	done(err)
	return err
}

func (g *Guard) execute(ctx context.Context, service string, fn func(context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, service); err != nil {
			return fmt.Errorf("%s: %w", service, err)
		}
	}

	opts := append([]RetrierOption{WithRetryLogger(g.logger)}, g.retryOpts...)
	if c, ok := g.classifiers[service]; ok {
		opts = append(opts, WithClassifier(c))
	}
	retrier := NewRetrier(g.RetryConfig(service), opts...)
	breaker := g.registry.GetBreaker(service)

	return breaker.Execute(ctx, func(ctx context.Context) error {
		return retrier.Execute(ctx, fn, func(ev RetryEvent) {
			g.logger.Warn("trust service call failed, retrying",
				"service", service,
				"attempt", ev.Attempt,
				"max_attempts", ev.MaxAttempts,
				"delay_ms", ev.Delay.Milliseconds(),
				"error", ev.Err,
			)
		})
	})
}

// Guarded is Guard.Do for functions that return a value.
func Guarded[T any](ctx context.Context, g *Guard, service string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, service, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
