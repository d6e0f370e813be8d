package gmp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

type recordingHandler struct {
	mu       sync.Mutex
	calls    []*Envelope
	results  []*Envelope
	callErr  error
	failures int
}

func (h *recordingHandler) HandleCall(ctx context.Context, env *Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, env)
	if h.failures > 0 {
		h.failures--
		return &TransientDeliveryError{Err: errors.New("endpoint busy")}
	}
	return h.callErr
}

func (h *recordingHandler) HandleResult(ctx context.Context, env *Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, env)
	return nil
}

func (h *recordingHandler) resultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

func (h *recordingHandler) lastResult() *Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.results[len(h.results)-1]
}

func newLoopbackPair(t *testing.T, local, remote *recordingHandler) (Transport, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	lb := NewLoopback(zap.NewNop())
	localT := lb.Register(RootSubnet(31337), Address{31: 1}, local)
	lb.Register(RootSubnet(31337).Child(14), Address{31: 2}, remote)

	go func() { _ = lb.Run(ctx) }()
	return localT, cancel
}

func TestLoopbackDeliversCallAndResult(t *testing.T) {
	local := &recordingHandler{}
	remote := &recordingHandler{}
	transport, cancel := newLoopbackPair(t, local, remote)
	defer cancel()

	env, err := transport.Dispatch(context.Background(), RootSubnet(31337).Child(14), Address{31: 2}, []byte{1, 2, 3, 4}, uint256.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, KindCall, env.Kind)
	assert.NotZero(t, env.Nonce)

	require.Eventually(t, func() bool { return local.resultCount() == 1 }, time.Second, 10*time.Millisecond)

	result := local.lastResult()
	assert.Equal(t, KindResult, result.Kind)
	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Equal(t, env.ID(), result.Correlates)
}

func TestLoopbackActorErrorBecomesFailureOutcome(t *testing.T) {
	local := &recordingHandler{}
	remote := &recordingHandler{callErr: errors.New("rejected")}
	transport, cancel := newLoopbackPair(t, local, remote)
	defer cancel()

	env, err := transport.Dispatch(context.Background(), RootSubnet(31337).Child(14), Address{31: 2}, []byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return local.resultCount() == 1 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, OutcomeActorErr, local.lastResult().Outcome)
	assert.Equal(t, env.ID(), local.lastResult().Correlates)

	// Actor-level rejections are not redelivered.
	remote.mu.Lock()
	assert.Len(t, remote.calls, 1)
	remote.mu.Unlock()
}

func TestLoopbackRetriesTransientFailures(t *testing.T) {
	local := &recordingHandler{}
	remote := &recordingHandler{failures: 2}
	transport, cancel := newLoopbackPair(t, local, remote)
	defer cancel()

	_, err := transport.Dispatch(context.Background(), RootSubnet(31337).Child(14), Address{31: 2}, []byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return local.resultCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, OutcomeOK, local.lastResult().Outcome)
	remote.mu.Lock()
	assert.Len(t, remote.calls, 3)
	remote.mu.Unlock()
}

func TestLoopbackMissingDestinationIsSystemError(t *testing.T) {
	local := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lb := NewLoopback(zap.NewNop())
	transport := lb.Register(RootSubnet(31337), Address{31: 1}, local)
	go func() { _ = lb.Run(ctx) }()

	_, err := transport.Dispatch(context.Background(), RootSubnet(31337).Child(99), Address{31: 9}, []byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return local.resultCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, OutcomeSystemErr, local.lastResult().Outcome)
}
