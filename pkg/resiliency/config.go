package resiliency

import (
	"regexp"
	"strings"
	"time"
)

// ServiceClass groups trust services that share resilience defaults.
type ServiceClass string

const (
	ClassDefault            ServiceClass = "default"
	ClassTimestampAuthority ServiceClass = "timestamping-authority"
	ClassBlockchain         ServiceClass = "blockchain"
)

var (
	tsaPattern        = regexp.MustCompile(`timestamp|(^|[^a-z])tsa([^a-z]|$)|tsa$`)
	blockchainPattern = regexp.MustCompile(`blockchain|anchor`)
)

// ClassifyService derives the service class from a service name.
// "timestamping-authority", "freetsa" and "rfc3161-tsa" are timestamp
// authorities; "blockchain-anchor" and "polygon-blockchain" are blockchain.
func ClassifyService(name string) ServiceClass {
	lower := strings.ToLower(name)
	switch {
	case tsaPattern.MatchString(lower):
		return ClassTimestampAuthority
	case blockchainPattern.MatchString(lower):
		return ClassBlockchain
	default:
		return ClassDefault
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure count at which a closed breaker opens.
	FailureThreshold int `json:"failureThreshold" yaml:"failure_threshold"`
	// ResetTimeout is how long an open breaker waits after the last failure
	// before letting a probe call through.
	ResetTimeout time.Duration `json:"resetTimeout" yaml:"reset_timeout"`
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	TSAResetTimeout         = 5 * time.Minute
	BlockchainResetTimeout  = 1 * time.Minute
)

// ConfigForService returns the breaker configuration for a service name.
// Non-zero fields of override always win.
func ConfigForService(name string, override *BreakerConfig) BreakerConfig {
	cfg := BreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		ResetTimeout:     DefaultResetTimeout,
	}
	switch ClassifyService(name) {
	case ClassTimestampAuthority:
		cfg.ResetTimeout = TSAResetTimeout
	case ClassBlockchain:
		cfg.ResetTimeout = BlockchainResetTimeout
	}
	if override != nil {
		if override.FailureThreshold > 0 {
			cfg.FailureThreshold = override.FailureThreshold
		}
		if override.ResetTimeout > 0 {
			cfg.ResetTimeout = override.ResetTimeout
		}
	}
	return cfg
}

// RetryConfig configures a Retrier.
type RetryConfig struct {
	MaxAttempts   int           `json:"maxAttempts" yaml:"max_attempts"`
	InitialDelay  time.Duration `json:"initialDelay" yaml:"initial_delay"`
	MaxDelay      time.Duration `json:"maxDelay" yaml:"max_delay"`
	BackoffFactor float64       `json:"backoffFactor" yaml:"backoff_factor"`
	JitterFactor  float64       `json:"jitterFactor" yaml:"jitter_factor"`
}

// DefaultRetryConfig is used for services without a specific class.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		JitterFactor:  0.1,
	}
}

// TimestampAuthorityRetryConfig waits longer before the first retry; TSAs
// throttle aggressive clients.
func TimestampAuthorityRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		JitterFactor:  0.1,
	}
}

// BlockchainRetryConfig allows more attempts; anchor submissions commonly
// fail transiently while a node catches up.
func BlockchainRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
		JitterFactor:  0.2,
	}
}

// RetryConfigForService picks the retry preset for a service name.
func RetryConfigForService(name string) RetryConfig {
	switch ClassifyService(name) {
	case ClassTimestampAuthority:
		return TimestampAuthorityRetryConfig()
	case ClassBlockchain:
		return BlockchainRetryConfig()
	default:
		return DefaultRetryConfig()
	}
}

// Merge returns c with the non-zero fields of override applied.
func (c RetryConfig) Merge(override RetryConfig) RetryConfig {
	if override.MaxAttempts > 0 {
		c.MaxAttempts = override.MaxAttempts
	}
	if override.InitialDelay > 0 {
		c.InitialDelay = override.InitialDelay
	}
	if override.MaxDelay > 0 {
		c.MaxDelay = override.MaxDelay
	}
	if override.BackoffFactor > 0 {
		c.BackoffFactor = override.BackoffFactor
	}
	if override.JitterFactor > 0 {
		c.JitterFactor = override.JitterFactor
	}
	return c
}
