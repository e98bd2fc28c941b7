package resiliency

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit is a token-bucket policy: RequestsPerMinute refill with Burst
// capacity.
type RateLimit struct {
	RequestsPerMinute int `json:"requestsPerMinute" yaml:"requests_per_minute"`
	Burst             int `json:"burst" yaml:"burst"`
}

func (l RateLimit) perSecond() float64 {
	return float64(l.RequestsPerMinute) / 60.0
}

func (l RateLimit) burst() int {
	if l.Burst < 1 {
		return 1
	}
	return l.Burst
}

// Limiter throttles outbound calls per service. Wait blocks until the call
// may proceed or ctx is done.
type Limiter interface {
	Wait(ctx context.Context, service string) error
}

// LocalLimiter is an in-process Limiter. Services without a policy are not
// throttled.
type LocalLimiter struct {
	mu       sync.Mutex
	policies map[string]RateLimit
	limiters map[string]*rate.Limiter
}

// NewLocalLimiter creates a limiter with per-service policies.
func NewLocalLimiter(policies map[string]RateLimit) *LocalLimiter {
	p := make(map[string]RateLimit, len(policies))
	for k, v := range policies {
		p[k] = v
	}
	return &LocalLimiter{
		policies: p,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait implements Limiter.
func (l *LocalLimiter) Wait(ctx context.Context, service string) error {
	lim := l.limiterFor(service)
	if lim == nil {
		return ctx.Err()
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", service, err)
	}
	return nil
}

// Allow reports whether a call may proceed now without waiting.
func (l *LocalLimiter) Allow(service string) bool {
	lim := l.limiterFor(service)
	return lim == nil || lim.Allow()
}

func (l *LocalLimiter) limiterFor(service string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[service]; ok {
		return lim
	}
	policy, ok := l.policies[service]
	if !ok || policy.RequestsPerMinute <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())
	l.limiters[service] = lim
	return lim
}
