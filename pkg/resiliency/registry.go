package resiliency

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry hands out one CircuitBreaker per service name, creating breakers
// lazily with ConfigForService defaults plus any registered overrides.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	overrides map[string]BreakerConfig
	opts      []BreakerOption
	logger    *slog.Logger
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithServiceConfig overrides the breaker configuration for one service.
func WithServiceConfig(name string, cfg BreakerConfig) RegistryOption {
	return func(r *Registry) { r.overrides[name] = cfg }
}

// WithBreakerOptions applies opts to every breaker the registry creates.
func WithBreakerOptions(opts ...BreakerOption) RegistryOption {
	return func(r *Registry) { r.opts = append(r.opts, opts...) }
}

// WithRegistryLogger sets the logger handed to created breakers.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		overrides: make(map[string]BreakerConfig),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetBreaker returns the breaker for name, creating it on first use. At most
// one breaker ever exists per name.
func (r *Registry) GetBreaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.overrides[name]
	opts := append([]BreakerOption{WithBreakerLogger(r.logger)}, r.opts...)
	cb := NewCircuitBreaker(name, cfg, opts...)
	r.breakers[name] = cb
	return cb
}

// AllStats returns a snapshot of every breaker, sorted by name.
func (r *Registry) AllStats() []Stats {
	breakers := r.snapshot()
	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	return out
}

// ResetAll resets every breaker.
func (r *Registry) ResetAll() {
	for _, cb := range r.snapshot() {
		cb.Reset()
	}
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	breakers := r.snapshot()
	names := make([]string, len(breakers))
	for i, cb := range breakers {
		names[i] = cb.Name()
	}
	return names
}

func (r *Registry) snapshot() []*CircuitBreaker {
	r.mu.Lock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
