package linktoken

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

	"github.com/subnetlink/node/pkg/custody"
	"github.com/subnetlink/node/pkg/db"
	"github.com/subnetlink/node/pkg/gmp"
)

var (
	testUnderlying     = gmp.Address{31: 0x01}
	testLocalContract  = gmp.Address{31: 0x02}
	testLinkedContract = gmp.Address{31: 0x03}
	alice              = gmp.Address{31: 0xa1}
	bob                = gmp.Address{31: 0xb0}
	vault              = gmp.Address{31: 0xff}
)

var (
	testLocalSubnet  = gmp.RootSubnet(31337)
	testLinkedSubnet = gmp.RootSubnet(31337).Child(14)
)

// fakeTransport records dispatches and assigns nonces without delivering
// anything, so tests drive the inbound paths by hand.
type fakeTransport struct {
	mu          sync.Mutex
	nonce       uint64
	dispatched  []*gmp.Envelope
	dispatchErr error
}

func (t *fakeTransport) Dispatch(ctx context.Context, dest gmp.SubnetID, destAddr gmp.Address, payload []byte, value *uint256.Int) (*gmp.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dispatchErr != nil {
		return nil, t.dispatchErr
	}
	t.nonce++
	env := &gmp.Envelope{
		Kind:               gmp.KindCall,
		Origin:             testLocalSubnet,
		OriginAddress:      testLocalContract,
		Destination:        dest,
		DestinationAddress: destAddr,
		Nonce:              t.nonce,
		Value:              value,
		Payload:            payload,
	}
	t.dispatched = append(t.dispatched, env)
	return env, nil
}

type testFixture struct {
	lt        *LinkedToken
	book      *custody.TokenBook
	strategy  *custody.LockVault
	transport *fakeTransport
	events    chan Event
}

func newTestLinkedToken(t *testing.T) *testFixture {
	t.Helper()

	book := custody.NewTokenBook()
	book.Mint(alice, uint256.NewInt(1000))
	strategy := custody.NewLockVault(book, vault)

	transport := &fakeTransport{}
	events := make(chan Event, 16)

	lt := NewLinkedToken(zap.NewNop(), &db.MockLedgerDB{}, strategy, testUnderlying, testLinkedSubnet, events)
	lt.BindTransport(transport)
	require.NoError(t, lt.SetLinkedContract(testLinkedContract))

	return &testFixture{lt: lt, book: book, strategy: strategy, transport: transport, events: events}
}

// resultFor builds a properly authenticated result envelope settling env.
func resultFor(env *gmp.Envelope, outcome gmp.Outcome) *gmp.Envelope {
	return &gmp.Envelope{
		Kind:               gmp.KindResult,
		Origin:             testLinkedSubnet,
		OriginAddress:      testLinkedContract,
		Destination:        testLocalSubnet,
		DestinationAddress: testLocalContract,
		Nonce:              env.Nonce + 1000,
		Value:              uint256.NewInt(0),
		Outcome:            outcome,
		Correlates:         env.ID(),
	}
}

// callFrom builds a properly authenticated inbound call envelope.
func callFrom(payload []byte, value *uint256.Int) *gmp.Envelope {
	return &gmp.Envelope{
		Kind:               gmp.KindCall,
		Origin:             testLinkedSubnet,
		OriginAddress:      testLinkedContract,
		Destination:        testLocalSubnet,
		DestinationAddress: testLocalContract,
		Nonce:              42,
		Value:              value,
		Payload:            payload,
	}
}

func drainEvents(events chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestInitiateTransfer(t *testing.T) {
	f := newTestLinkedToken(t)

	env, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	require.NoError(t, err)

	// The initiator's balance is down by exactly the amount.
	assert.Equal(t, uint256.NewInt(900), f.book.BalanceOf(alice))
	assert.Equal(t, uint256.NewInt(100), f.strategy.VaultBalance())

	// Exactly one ledger record, keyed by the envelope identifier.
	pending := f.lt.PendingTransfers()
	require.Len(t, pending, 1)
	assert.Equal(t, env.ID(), pending[0].ID)
	assert.Equal(t, alice, pending[0].Initiator)
	assert.Equal(t, uint256.NewInt(100), pending[0].Amount)

	// The dispatch targeted the linked contract with zero attached value.
	require.Len(t, f.transport.dispatched, 1)
	assert.True(t, f.transport.dispatched[0].Destination.Equal(testLinkedSubnet))
	assert.Equal(t, testLinkedContract, f.transport.dispatched[0].DestinationAddress)
	assert.True(t, f.transport.dispatched[0].Value.IsZero())

	events := drainEvents(f.events)
	require.NotEmpty(t, events)
	sent, ok := events[len(events)-1].(TransferSent)
	require.True(t, ok)
	assert.Equal(t, env.ID(), sent.ID)
	assert.Equal(t, env.Nonce, sent.Nonce)
	assert.Equal(t, uint256.NewInt(100), sent.Amount)
}

func TestInitiateTransferZeroRecipient(t *testing.T) {
	f := newTestLinkedToken(t)

	_, err := f.lt.InitiateTransfer(context.Background(), alice, gmp.Address{}, uint256.NewInt(100))
	assert.ErrorIs(t, err, ErrZeroRecipient)

	// Rejected before any capture.
	assert.Equal(t, uint256.NewInt(1000), f.book.BalanceOf(alice))
	assert.Empty(t, f.lt.PendingTransfers())
	assert.Empty(t, f.transport.dispatched)
}

func TestInitiateTransferZeroAmount(t *testing.T) {
	f := newTestLinkedToken(t)

	_, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(0))
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = f.lt.InitiateTransfer(context.Background(), alice, bob, nil)
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestInitiateTransferNotInitialized(t *testing.T) {
	book := custody.NewTokenBook()
	book.Mint(alice, uint256.NewInt(1000))
	lt := NewLinkedToken(zap.NewNop(), &db.MockLedgerDB{}, custody.NewLockVault(book, vault), testUnderlying, testLinkedSubnet, nil)
	lt.BindTransport(&fakeTransport{})

	_, err := lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, uint256.NewInt(1000), book.BalanceOf(alice))
}

func TestInitiateTransferInsufficientBalance(t *testing.T) {
	f := newTestLinkedToken(t)

	_, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(1001))
	assert.ErrorIs(t, err, custody.ErrInsufficientBalance)
	assert.Empty(t, f.lt.PendingTransfers())
	assert.Empty(t, f.transport.dispatched)
}

func TestInitiateTransferDispatchFailureReversesCapture(t *testing.T) {
	f := newTestLinkedToken(t)
	f.transport.dispatchErr = errors.New("transport wedged")

	_, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	require.Error(t, err)

	// Atomic all-or-nothing: the capture was reversed.
	assert.Equal(t, uint256.NewInt(1000), f.book.BalanceOf(alice))
	assert.True(t, f.strategy.VaultBalance().IsZero())
	assert.Empty(t, f.lt.PendingTransfers())
}

func TestHandleResultFailureRefunds(t *testing.T) {
	f := newTestLinkedToken(t)

	env, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(900), f.book.BalanceOf(alice))

	require.NoError(t, f.lt.HandleResult(context.Background(), resultFor(env, gmp.OutcomeActorErr)))

	// Refund reverses the capture exactly.
	assert.Equal(t, uint256.NewInt(1000), f.book.BalanceOf(alice))
	assert.True(t, f.strategy.VaultBalance().IsZero())
	assert.Empty(t, f.lt.PendingTransfers())
}

func TestHandleResultSuccessKeepsCapture(t *testing.T) {
	f := newTestLinkedToken(t)

	env, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	require.NoError(t, err)

	require.NoError(t, f.lt.HandleResult(context.Background(), resultFor(env, gmp.OutcomeOK)))

	// The capture stands; only the ledger record is gone.
	assert.Equal(t, uint256.NewInt(900), f.book.BalanceOf(alice))
	assert.Equal(t, uint256.NewInt(100), f.strategy.VaultBalance())
	assert.Empty(t, f.lt.PendingTransfers())
}

func TestHandleResultSettlesExactlyOnce(t *testing.T) {
	f := newTestLinkedToken(t)

	env, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	require.NoError(t, err)

	result := resultFor(env, gmp.OutcomeActorErr)
	require.NoError(t, f.lt.HandleResult(context.Background(), result))

	// Redelivering the same result must fail, never double-refund.
	err = f.lt.HandleResult(context.Background(), result)
	assert.ErrorIs(t, err, ErrUnknownTransfer)
	assert.Equal(t, uint256.NewInt(1000), f.book.BalanceOf(alice))
}

func TestHandleResultUnknownIdentifier(t *testing.T) {
	f := newTestLinkedToken(t)

	bogus := &gmp.Envelope{
		Kind:          gmp.KindCall,
		Origin:        testLocalSubnet,
		OriginAddress: testLocalContract,
		Nonce:         999,
		Value:         uint256.NewInt(0),
	}
	err := f.lt.HandleResult(context.Background(), resultFor(bogus, gmp.OutcomeOK))
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestHandleResultWrongOriginSubnet(t *testing.T) {
	f := newTestLinkedToken(t)

	env, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	require.NoError(t, err)

	result := resultFor(env, gmp.OutcomeActorErr)
	result.Origin = gmp.RootSubnet(31337).Child(15)
	assert.ErrorIs(t, f.lt.HandleResult(context.Background(), result), ErrInvalidOriginSubnet)

	// The record survives an unauthenticated settlement attempt.
	assert.Len(t, f.lt.PendingTransfers(), 1)
	assert.Equal(t, uint256.NewInt(900), f.book.BalanceOf(alice))
}

func TestHandleResultWrongOriginContract(t *testing.T) {
	f := newTestLinkedToken(t)

	env, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	require.NoError(t, err)

	result := resultFor(env, gmp.OutcomeActorErr)
	result.OriginAddress = gmp.Address{31: 0xee}
	assert.ErrorIs(t, f.lt.HandleResult(context.Background(), result), ErrInvalidOriginContract)
	assert.Len(t, f.lt.PendingTransfers(), 1)
}

func TestHandleCallReleases(t *testing.T) {
	f := newTestLinkedToken(t)
	// Seed the vault so release has funds to pay out, as if transfers had
	// come in the other direction earlier.
	require.NoError(t, f.strategy.Capture(alice, uint256.NewInt(500)))

	payload := encodeTransferPayload(bob, uint256.NewInt(100))
	require.NoError(t, f.lt.HandleCall(context.Background(), callFrom(payload, nil)))

	assert.Equal(t, uint256.NewInt(100), f.book.BalanceOf(bob))
	// No ledger interaction on the destination side.
	assert.Empty(t, f.lt.PendingTransfers())

	events := drainEvents(f.events)
	require.NotEmpty(t, events)
	received, ok := events[len(events)-1].(TransferReceived)
	require.True(t, ok)
	assert.Equal(t, bob, received.Recipient)
	assert.Equal(t, uint256.NewInt(100), received.Amount)
}

func TestHandleCallWrongSelector(t *testing.T) {
	f := newTestLinkedToken(t)

	payload := encodeTransferPayload(bob, uint256.NewInt(100))
	payload[0] ^= 0xff

	err := f.lt.HandleCall(context.Background(), callFrom(payload, nil))
	var invalid *InvalidEnvelopeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "invalid selector", invalid.Reason)

	// Release was never invoked.
	assert.True(t, f.book.BalanceOf(bob).IsZero())
}

func TestHandleCallShortSelector(t *testing.T) {
	f := newTestLinkedToken(t)

	// Exactly 3 bytes: short selector, not a decode error.
	err := f.lt.HandleCall(context.Background(), callFrom([]byte{0x01, 0x02, 0x03}, nil))
	var invalid *InvalidEnvelopeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "short selector", invalid.Reason)
}

func TestHandleCallMalformedArguments(t *testing.T) {
	f := newTestLinkedToken(t)

	payload := encodeTransferPayload(bob, uint256.NewInt(100))
	err := f.lt.HandleCall(context.Background(), callFrom(payload[:40], nil))
	var invalid *InvalidEnvelopeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "malformed arguments", invalid.Reason)
}

func TestHandleCallWrongOrigin(t *testing.T) {
	f := newTestLinkedToken(t)
	payload := encodeTransferPayload(bob, uint256.NewInt(100))

	env := callFrom(payload, nil)
	env.Origin = gmp.RootSubnet(1)
	assert.ErrorIs(t, f.lt.HandleCall(context.Background(), env), ErrInvalidOriginSubnet)

	env = callFrom(payload, nil)
	env.OriginAddress = gmp.Address{31: 0xee}
	assert.ErrorIs(t, f.lt.HandleCall(context.Background(), env), ErrInvalidOriginContract)

	assert.True(t, f.book.BalanceOf(bob).IsZero())
}

func TestHandleCallUnexpectedValue(t *testing.T) {
	f := newTestLinkedToken(t)

	payload := encodeTransferPayload(bob, uint256.NewInt(100))
	err := f.lt.HandleCall(context.Background(), callFrom(payload, uint256.NewInt(5)))
	assert.ErrorIs(t, err, ErrUnexpectedValue)
}

func TestHandleCallZeroRecipient(t *testing.T) {
	f := newTestLinkedToken(t)

	payload := encodeTransferPayload(gmp.Address{}, uint256.NewInt(100))
	assert.ErrorIs(t, f.lt.HandleCall(context.Background(), callFrom(payload, nil)), ErrZeroRecipient)

	payload = encodeTransferPayload(bob, uint256.NewInt(0))
	assert.ErrorIs(t, f.lt.HandleCall(context.Background(), callFrom(payload, nil)), ErrZeroAmount)
}

func TestForceRemove(t *testing.T) {
	f := newTestLinkedToken(t)

	env, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	require.NoError(t, err)

	require.NoError(t, f.lt.ForceRemove(env.ID()))

	// No refund: the captured value stays in the vault.
	assert.Equal(t, uint256.NewInt(900), f.book.BalanceOf(alice))
	assert.Equal(t, uint256.NewInt(100), f.strategy.VaultBalance())
	assert.Empty(t, f.lt.PendingTransfers())

	// The removal is audited.
	var removed *TransferForceRemoved
	for _, ev := range drainEvents(f.events) {
		if fr, ok := ev.(TransferForceRemoved); ok {
			removed = &fr
		}
	}
	require.NotNil(t, removed)
	assert.Equal(t, env.ID(), removed.ID)
	assert.Equal(t, alice, removed.Initiator)

	// A second removal, or a result for the removed id, both fail.
	assert.ErrorIs(t, f.lt.ForceRemove(env.ID()), ErrUnknownTransfer)
	assert.ErrorIs(t, f.lt.HandleResult(context.Background(), resultFor(env, gmp.OutcomeActorErr)), ErrUnknownTransfer)
}

func TestSetLinkedContractRejectsZero(t *testing.T) {
	f := newTestLinkedToken(t)
	assert.Error(t, f.lt.SetLinkedContract(gmp.Address{}))
}

func TestNotInitializedBlocksInboundPaths(t *testing.T) {
	lt := NewLinkedToken(zap.NewNop(), &db.MockLedgerDB{}, custody.NewBurnMint(custody.NewTokenBook()), testUnderlying, testLinkedSubnet, nil)

	payload := encodeTransferPayload(bob, uint256.NewInt(1))
	assert.ErrorIs(t, lt.HandleCall(context.Background(), callFrom(payload, nil)), ErrNotInitialized)
	assert.ErrorIs(t, lt.HandleResult(context.Background(), resultFor(callFrom(payload, nil), gmp.OutcomeOK)), ErrNotInitialized)
}

func TestLedgerPersistenceRoundTrip(t *testing.T) {
	dbPath := t.TempDir()
	database, err := db.Open(dbPath)
	require.NoError(t, err)
	defer database.Close()

	book := custody.NewTokenBook()
	book.Mint(alice, uint256.NewInt(1000))
	strategy := custody.NewLockVault(book, vault)
	transport := &fakeTransport{}

	lt := NewLinkedToken(zap.NewNop(), database, strategy, testUnderlying, testLinkedSubnet, nil)
	lt.BindTransport(transport)
	require.NoError(t, lt.SetLinkedContract(testLinkedContract))

	env, err := lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	require.NoError(t, err)

	// A fresh instance over the same database sees the unconfirmed
	// transfer and can still settle it.
	restarted := NewLinkedToken(zap.NewNop(), database, strategy, testUnderlying, testLinkedSubnet, nil)
	restarted.BindTransport(transport)
	require.NoError(t, restarted.SetLinkedContract(testLinkedContract))
	require.NoError(t, restarted.LoadPendingTransfers())

	pending := restarted.PendingTransfers()
	require.Len(t, pending, 1)
	assert.Equal(t, env.ID(), pending[0].ID)

	require.NoError(t, restarted.HandleResult(context.Background(), resultFor(env, gmp.OutcomeActorErr)))
	assert.Equal(t, uint256.NewInt(1000), book.BalanceOf(alice))
	assert.Empty(t, restarted.PendingTransfers())
}

func TestAuditPendingTransfers(t *testing.T) {
	f := newTestLinkedToken(t)

	_, err := f.lt.InitiateTransfer(context.Background(), alice, bob, uint256.NewInt(100))
	require.NoError(t, err)

	// Audit neither settles nor removes anything.
	f.lt.AuditPendingTransfers(time.Nanosecond)
	assert.Len(t, f.lt.PendingTransfers(), 1)

	f.lt.AuditPendingTransfers(time.Hour)
	assert.Len(t, f.lt.PendingTransfers(), 1)
}
