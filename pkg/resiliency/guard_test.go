package resiliency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

type recordingInstrumenter struct {
	mu       sync.Mutex
	names    []string
	outcomes []error
}

func (r *recordingInstrumenter) TrackOperation(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return ctx, func(err error) {
		r.mu.Lock()
		r.outcomes = append(r.outcomes, err)
		r.mu.Unlock()
	}
}

type denyLimiter struct{ err error }

func (d denyLimiter) Wait(context.Context, string) error { return d.err }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestGuard_RetriesThenSucceeds(t *testing.T) {
	instr := &recordingInstrumenter{}
	g := NewGuard(nil, WithInstrumenter(instr), WithRetrierOptions(WithSleep(noSleep)))

	calls := 0
	err := g.Do(context.Background(), "timestamping-authority", func(context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPError{Status: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	st := g.Registry().GetBreaker("timestamping-authority").Stats()
	assert.Equal(t, "CLOSED", st.State)
	assert.Equal(t, 0, st.FailureCount, "the breaker sees one outcome per guarded call")
	assert.Equal(t, 1, st.SuccessCount)

	assert.Equal(t, []string{"resiliency.timestamping-authority"}, instr.names)
	assert.Equal(t, []error{nil}, instr.outcomes)
}

func TestGuard_ExhaustedRetriesTripBreaker(t *testing.T) {
	reg := NewRegistry(WithServiceConfig("blockchain-anchor", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}))
	g := NewGuard(reg,
		WithServiceRetry("blockchain-anchor", RetryConfig{MaxAttempts: 2}),
		WithRetrierOptions(WithSleep(noSleep)),
	)
	assert.Equal(t, 2, g.RetryConfig("blockchain-anchor").MaxAttempts)
	assert.Equal(t, time.Minute, g.RetryConfig("blockchain-anchor").MaxDelay)

	calls := 0
	fail := func(context.Context) error { calls++; return &HTTPError{Status: 502} }

	for i := 0; i < 2; i++ {
		err := g.Do(context.Background(), "blockchain-anchor", fail)
		require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	}
	assert.Equal(t, 4, calls)

	err := g.Do(context.Background(), "blockchain-anchor", fail)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 4, calls, "open circuit short-circuits the call")
}

func TestGuard_LimiterRejection(t *testing.T) {
	limErr := errors.New("throttled")
	g := NewGuard(nil, WithLimiter(denyLimiter{err: limErr}))

	called := false
	err := g.Do(context.Background(), "evidence-upload", func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, limErr)
	assert.False(t, called)
	assert.Empty(t, g.Registry().Names(), "rejected calls never reach the breaker")
}

func TestGuard_ServiceClassifier(t *testing.T) {
	c, err := NewCELClassifier(`status == 409`)
	require.NoError(t, err)
	g := NewGuard(nil,
		WithServiceClassifier("blockchain-anchor", c),
		WithRetrierOptions(WithSleep(noSleep)),
	)

	calls := 0
	_, err = Guarded(context.Background(), g, "blockchain-anchor", func(context.Context) (string, error) {
		calls++
		return "", &HTTPError{Status: 409}
	})
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 5, calls)

	calls = 0
	_, err = Guarded(context.Background(), g, "evidence-upload", func(context.Context) (string, error) {
		calls++
		return "", &HTTPError{Status: 409}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "classifier is scoped to its service")
}

func TestGuarded_ReturnsValue(t *testing.T) {
	g := NewGuard(NewRegistry(), WithLimiter(NewLocalLimiter(nil)))
	v, err := Guarded(context.Background(), g, "evidence-upload", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
