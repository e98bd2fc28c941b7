package resiliency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("svc", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}, WithClock(clock.Now))

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	err := cb.CanExecute()
	require.Error(t, err)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "svc", open.ServiceName)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, "circuit breaker open for svc", err.Error())
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("svc", BreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second}, WithClock(clock.Now))

	cb.RecordFailure()
	require.Error(t, cb.CanExecute())

	clock.Advance(29 * time.Second)
	require.Error(t, cb.CanExecute())
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	require.NoError(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	st := cb.Stats()
	assert.Equal(t, 0, st.FailureCount)
	assert.Equal(t, 0, st.SuccessCount)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("svc", BreakerConfig{FailureThreshold: 2, ResetTimeout: 10 * time.Second}, WithClock(clock.Now))

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(10 * time.Second)
	require.NoError(t, cb.CanExecute())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	require.Error(t, cb.CanExecute(), "reset timer restarts from the latest failure")
}

func TestBreaker_LateFailureExtendsOpenWindow(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("svc", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, WithClock(clock.Now))

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	// An in-flight call admitted before the breaker opened fails later.
	clock.Advance(50 * time.Second)
	cb.RecordFailure()
	assert.Equal(t, 2, cb.Stats().FailureCount)

	clock.Advance(11 * time.Second)
	err := cb.CanExecute()
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(49 * time.Second)
	require.NoError(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("svc", BreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, StateClosed, cb.State())
	st := cb.Stats()
	assert.Equal(t, 2, st.FailureCount)
	assert.Equal(t, 1, st.SuccessCount)
	require.NotNil(t, st.LastFailureTime)
}

func TestBreaker_Execute(t *testing.T) {
	cb := NewCircuitBreaker("svc", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, 1, cb.Stats().SuccessCount)

	require.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return errBoom }), errBoom)
	require.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must not invoke the operation")
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreaker("svc", BreakerConfig{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestRun_ReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker("svc", BreakerConfig{})
	v, err := Run(context.Background(), cb, func(context.Context) (string, error) { return "token", nil })
	require.NoError(t, err)
	assert.Equal(t, "token", v)

	v, err = Run(context.Background(), cb, func(context.Context) (string, error) { return "partial", errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, v)
}

func TestBreaker_ForceAndReset(t *testing.T) {
	var transitions []string
	hook := func(name string, from, to State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}
	cb := NewCircuitBreaker("tsa", BreakerConfig{}, WithStateChangeHook(hook))

	cb.ForceOpen()
	assert.Equal(t, StateOpen, cb.State())
	require.Error(t, cb.CanExecute())

	cb.ForceClose()
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.Reset()
	st := cb.Stats()
	assert.Equal(t, "CLOSED", st.State)
	assert.Equal(t, 0, st.SuccessCount)
	assert.Nil(t, st.LastFailureTime)

	assert.Equal(t, []string{"tsa:CLOSED->OPEN", "tsa:OPEN->CLOSED"}, transitions)
}

func TestBreaker_DefaultsFromServiceName(t *testing.T) {
	assert.Equal(t, TSAResetTimeout, NewCircuitBreaker("timestamping-authority", BreakerConfig{}).Config().ResetTimeout)
	assert.Equal(t, BlockchainResetTimeout, NewCircuitBreaker("blockchain-anchor", BreakerConfig{}).Config().ResetTimeout)
	cfg := NewCircuitBreaker("evidence-upload", BreakerConfig{}).Config()
	assert.Equal(t, DefaultResetTimeout, cfg.ResetTimeout)
	assert.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	cb := NewCircuitBreaker("svc", BreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (i+j)%2 == 0 {
					cb.RecordFailure()
				} else {
					_ = cb.CanExecute()
					_ = cb.Stats()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 500, cb.Stats().FailureCount)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
