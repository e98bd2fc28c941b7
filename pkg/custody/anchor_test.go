package custody

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-evidence/pkg/resiliency"
	"github.com/Mindburn-Labs/helm-evidence/pkg/store"
)

type fakeTSA struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	digests  []string
}

func (f *fakeTSA) Timestamp(_ context.Context, digest string) (*TimestampToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return nil, f.err
	}
	f.digests = append(f.digests, digest)
	return &TimestampToken{Authority: "tsa.example", Token: []byte("tst:" + digest), Time: fixedNow}, nil
}

type fakeChain struct {
	mu       sync.Mutex
	failures int // negative fails forever
	err      error
	calls    int
}

func (f *fakeChain) Anchor(_ context.Context, digest string) (*AnchorReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return nil, f.err
	}
	return &AnchorReceipt{Network: "testnet", TxID: "0x" + digest[:16], BlockHeight: 42}, nil
}

func unavailable(service string) error {
	return &resiliency.HTTPError{Status: 503, Service: service}
}

func TestAnchor_BothCollaborators(t *testing.T) {
	tsa := &fakeTSA{failures: 1, err: unavailable("tsa")}
	chain := &fakeChain{}
	s, log := newTestSealer(t, WithTimestampAuthority(tsa), WithChainAnchor(chain))

	pkg, err := s.Seal(context.Background(), "case-42", evidenceFiles(), nil, "")
	require.NoError(t, err)

	res, err := s.Anchor(context.Background(), pkg)
	require.NoError(t, err)
	assert.Equal(t, pkg.MerkleRoot, res.Digest)
	assert.Equal(t, []string{pkg.MerkleRoot}, tsa.digests)
	assert.Equal(t, 2, tsa.calls, "one retry after 503")
	require.NotNil(t, res.Timestamp)
	require.NotNil(t, res.Anchor)
	assert.Equal(t, "testnet", res.Anchor.Network)
	assert.Equal(t, fixedNow, res.AnchoredAt)

	assert.Len(t, log.Query(store.EventFilter{Type: store.EventTimestamp}), 1)
	assert.Len(t, log.Query(store.EventFilter{Type: store.EventAnchored}), 1)
}

func TestAnchor_PartialFailure(t *testing.T) {
	tsa := &fakeTSA{}
	chain := &fakeChain{failures: -1, err: &resiliency.HTTPError{Status: 400, Service: "chain"}}
	s, log := newTestSealer(t, WithTimestampAuthority(tsa), WithChainAnchor(chain))

	pkg, err := s.Seal(context.Background(), "case-42", evidenceFiles(), nil, "")
	require.NoError(t, err)

	res, err := s.Anchor(context.Background(), pkg)
	require.Error(t, err)
	var httpErr *resiliency.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 400, httpErr.Status)
	assert.Equal(t, 1, chain.calls, "client errors are not retried")

	require.NotNil(t, res)
	assert.NotNil(t, res.Timestamp)
	assert.Nil(t, res.Anchor)
	assert.Len(t, log.Query(store.EventFilter{Type: store.EventFailed}), 1)
}

func TestAnchor_BreakerOpensForChain(t *testing.T) {
	chain := &fakeChain{failures: -1, err: unavailable("chain")}
	registry := resiliency.NewRegistry(resiliency.WithServiceConfig(ServiceBlockchain, resiliency.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	}))
	guard := resiliency.NewGuard(registry,
		resiliency.WithServiceRetry(ServiceBlockchain, resiliency.RetryConfig{MaxAttempts: 1}),
		resiliency.WithRetrierOptions(resiliency.WithSleep(noSleep)),
	)
	s, _ := newTestSealer(t, WithChainAnchor(chain), WithGuard(guard))

	pkg, err := s.Seal(context.Background(), "case-42", evidenceFiles(), nil, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = s.Anchor(context.Background(), pkg)
		require.ErrorIs(t, err, resiliency.ErrMaxRetriesExceeded)
	}
	assert.Equal(t, resiliency.StateOpen, registry.GetBreaker(ServiceBlockchain).State())

	_, err = s.Anchor(context.Background(), pkg)
	require.ErrorIs(t, err, resiliency.ErrCircuitOpen)
	assert.Equal(t, 2, chain.calls, "open breaker short-circuits the call")

	assert.Equal(t, resiliency.StateClosed, registry.GetBreaker(ServiceUpload).State())
}

func TestAnchor_RequiresCollaborator(t *testing.T) {
	s, _ := newTestSealer(t)
	pkg, err := s.Seal(context.Background(), "case-42", evidenceFiles(), nil, "")
	require.NoError(t, err)

	_, err = s.Anchor(context.Background(), pkg)
	require.ErrorIs(t, err, ErrNoAnchors)
	_, err = s.Anchor(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidPackage)
}

type emptyTSA struct{ calls int }

func (e *emptyTSA) Timestamp(context.Context, string) (*TimestampToken, error) {
	e.calls++
	return nil, nil
}

type emptyChain struct{ calls int }

func (e *emptyChain) Anchor(context.Context, string) (*AnchorReceipt, error) {
	e.calls++
	return nil, nil
}

func TestAnchor_EmptyResponsesAreErrors(t *testing.T) {
	tsa, chain := &emptyTSA{}, &emptyChain{}
	s, log := newTestSealer(t, WithTimestampAuthority(tsa), WithChainAnchor(chain))

	pkg, err := s.Seal(context.Background(), "case-42", evidenceFiles(), nil, "")
	require.NoError(t, err)

	res, err := s.Anchor(context.Background(), pkg)
	require.ErrorIs(t, err, ErrEmptyResponse)
	assert.Contains(t, err.Error(), "timestamp:")
	assert.Contains(t, err.Error(), "anchor:")
	assert.Equal(t, 1, tsa.calls, "empty responses are not retried")
	assert.Equal(t, 1, chain.calls)

	require.NotNil(t, res)
	assert.Nil(t, res.Timestamp)
	assert.Nil(t, res.Anchor)
	assert.Len(t, log.Query(store.EventFilter{Type: store.EventFailed}), 2)
}
