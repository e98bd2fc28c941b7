package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-evidence/pkg/resiliency"
)

// ResilienceProfile tunes breakers, retries and rate limits per trust
// service. Services absent from the profile keep their class defaults.
type ResilienceProfile struct {
	Name     string                    `yaml:"name" json:"name"`
	Services map[string]ServiceProfile `yaml:"services" json:"services"`
}

// ServiceProfile holds the overrides for one service. Zero fields fall back
// to the service class preset.
type ServiceProfile struct {
	Breaker   BreakerProfile        `yaml:"breaker" json:"breaker"`
	Retry     RetryProfile          `yaml:"retry" json:"retry"`
	RateLimit *resiliency.RateLimit `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	RetryIf   string                `yaml:"retry_if,omitempty" json:"retry_if,omitempty"` // CEL, see resiliency.CELClassifier
}

// BreakerProfile overrides breaker thresholds.
type BreakerProfile struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms" json:"reset_timeout_ms"`
}

// RetryProfile overrides retry backoff. Delays are milliseconds.
type RetryProfile struct {
	MaxAttempts    int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms" json:"max_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor" json:"backoff_factor"`
	JitterFactor   float64 `yaml:"jitter_factor" json:"jitter_factor"`
}

// LoadResilienceProfile reads and validates a YAML profile.
func LoadResilienceProfile(path string) (*ResilienceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load resilience profile: %w", err)
	}
	return ParseResilienceProfile(data)
}

// ParseResilienceProfile decodes a YAML profile. Unknown keys are rejected.
func ParseResilienceProfile(data []byte) (*ResilienceProfile, error) {
	var p ResilienceProfile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse resilience profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate rejects negative and out-of-range settings.
func (p *ResilienceProfile) Validate() error {
	for _, name := range p.ServiceNames() {
		s := p.Services[name]
		switch {
		case s.Breaker.FailureThreshold < 0, s.Breaker.ResetTimeoutMs < 0:
			return fmt.Errorf("service %s: breaker settings must not be negative", name)
		case s.Retry.MaxAttempts < 0, s.Retry.InitialDelayMs < 0, s.Retry.MaxDelayMs < 0:
			return fmt.Errorf("service %s: retry settings must not be negative", name)
		case s.Retry.BackoffFactor != 0 && s.Retry.BackoffFactor < 1:
			return fmt.Errorf("service %s: backoff_factor must be at least 1", name)
		case s.Retry.JitterFactor < 0 || s.Retry.JitterFactor > 1:
			return fmt.Errorf("service %s: jitter_factor must be within [0, 1]", name)
		case s.Retry.MaxDelayMs > 0 && s.Retry.InitialDelayMs > s.Retry.MaxDelayMs:
			return fmt.Errorf("service %s: initial_delay_ms exceeds max_delay_ms", name)
		case s.RateLimit != nil && (s.RateLimit.RequestsPerMinute <= 0 || s.RateLimit.Burst < 0):
			return fmt.Errorf("service %s: rate_limit needs positive requests_per_minute", name)
		}
	}
	return nil
}

// ServiceNames returns the configured services in sorted order.
func (p *ResilienceProfile) ServiceNames() []string {
	names := make([]string, 0, len(p.Services))
	for name := range p.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BreakerConfig converts the breaker overrides.
func (s ServiceProfile) BreakerConfig() resiliency.BreakerConfig {
	return resiliency.BreakerConfig{
		FailureThreshold: s.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(s.Breaker.ResetTimeoutMs) * time.Millisecond,
	}
}

// RetryConfig converts the retry overrides.
func (s ServiceProfile) RetryConfig() resiliency.RetryConfig {
	return resiliency.RetryConfig{
		MaxAttempts:   s.Retry.MaxAttempts,
		InitialDelay:  time.Duration(s.Retry.InitialDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(s.Retry.MaxDelayMs) * time.Millisecond,
		BackoffFactor: s.Retry.BackoffFactor,
		JitterFactor:  s.Retry.JitterFactor,
	}
}

// Applied is a profile turned into resiliency options.
type Applied struct {
	RegistryOptions []resiliency.RegistryOption
	GuardOptions    []resiliency.GuardOption
	RateLimits      map[string]resiliency.RateLimit
}

// Apply compiles the profile. CEL retry_if expressions are compiled here so
// a bad expression fails at startup.
func (p *ResilienceProfile) Apply() (*Applied, error) {
	out := &Applied{RateLimits: make(map[string]resiliency.RateLimit)}
	for _, name := range p.ServiceNames() {
		s := p.Services[name]
		out.RegistryOptions = append(out.RegistryOptions, resiliency.WithServiceConfig(name, s.BreakerConfig()))
		out.GuardOptions = append(out.GuardOptions, resiliency.WithServiceRetry(name, s.RetryConfig()))
		if s.RetryIf != "" {
			c, err := resiliency.NewCELClassifier(s.RetryIf)
			if err != nil {
				return nil, fmt.Errorf("service %s: retry_if: %w", name, err)
			}
			out.GuardOptions = append(out.GuardOptions, resiliency.WithServiceClassifier(name, c))
		}
		if s.RateLimit != nil {
			out.RateLimits[name] = *s.RateLimit
		}
	}
	return out, nil
}
