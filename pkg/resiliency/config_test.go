package resiliency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyService(t *testing.T) {
	cases := map[string]ServiceClass{
		"timestamping-authority": ClassTimestampAuthority,
		"TimestampService":       ClassTimestampAuthority,
		"freetsa":                ClassTimestampAuthority,
		"rfc3161-tsa":            ClassTimestampAuthority,
		"tsa.digicert":           ClassTimestampAuthority,
		"blockchain-anchor":      ClassBlockchain,
		"polygon-blockchain":     ClassBlockchain,
		"anchor":                 ClassBlockchain,
		"evidence-upload":        ClassDefault,
		"tsarina":                ClassDefault,
		"":                       ClassDefault,
	}
	for name, want := range cases {
		assert.Equal(t, want, ClassifyService(name), name)
	}
}

func TestConfigForService(t *testing.T) {
	assert.Equal(t, BreakerConfig{FailureThreshold: 5, ResetTimeout: 5 * time.Minute}, ConfigForService("timestamping-authority", nil))
	assert.Equal(t, BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute}, ConfigForService("blockchain-anchor", nil))
	assert.Equal(t, BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}, ConfigForService("s3", nil))

	got := ConfigForService("timestamping-authority", &BreakerConfig{ResetTimeout: time.Second})
	assert.Equal(t, BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Second}, got)

	got = ConfigForService("s3", &BreakerConfig{FailureThreshold: 9})
	assert.Equal(t, BreakerConfig{FailureThreshold: 9, ResetTimeout: 30 * time.Second}, got)
}

func TestRetryPresets(t *testing.T) {
	assert.Equal(t, RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2, JitterFactor: 0.1}, DefaultRetryConfig())
	assert.Equal(t, RetryConfig{MaxAttempts: 3, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2, JitterFactor: 0.1}, TimestampAuthorityRetryConfig())
	assert.Equal(t, RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2, JitterFactor: 0.2}, BlockchainRetryConfig())

	assert.Equal(t, TimestampAuthorityRetryConfig(), RetryConfigForService("freetsa"))
	assert.Equal(t, BlockchainRetryConfig(), RetryConfigForService("blockchain-anchor"))
	assert.Equal(t, DefaultRetryConfig(), RetryConfigForService("evidence-upload"))
}

func TestRetryConfigMerge(t *testing.T) {
	merged := DefaultRetryConfig().Merge(RetryConfig{MaxAttempts: 7, MaxDelay: time.Second})
	assert.Equal(t, 7, merged.MaxAttempts)
	assert.Equal(t, time.Second, merged.MaxDelay)
	assert.Equal(t, time.Second, merged.InitialDelay)
	assert.Equal(t, 2.0, merged.BackoffFactor)
}
