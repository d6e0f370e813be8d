// The linktoken package implements the cross-subnet linked-token transfer
// protocol. Value is captured on this subnet, a call envelope is dispatched
// through the GMP transport to the paired contract on the linked subnet, and
// the transfer is held in the unconfirmed ledger until the transport reports
// an outcome. A success outcome makes the capture permanent; a failure
// outcome settles with a refund. Inbound envelopes are authenticated against
// the configured link before any state is touched.
package linktoken

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/subnetlink/node/pkg/custody"
	"github.com/subnetlink/node/pkg/db"
	"github.com/subnetlink/node/pkg/gmp"
)

type pendingEntry struct {
	initiator gmp.Address
	amount    *uint256.Int
	nonce     uint64
	createdAt time.Time
}

// LinkedToken is one deployed instance of the transfer protocol: one
// underlying asset linked to exactly one contract on exactly one paired
// subnet.
type LinkedToken struct {
	logger    *zap.Logger
	db        db.LedgerDB
	custody   custody.Strategy
	transport gmp.Transport

	underlying   gmp.Address
	linkedSubnet gmp.SubnetID

	linkLock       sync.RWMutex
	linkedContract gmp.Address

	eventC chan<- Event

	// pendingLock guards the unconfirmed ledger and its database mirror.
	// Settlement deletes under this lock, which is what preserves the
	// settle-exactly-once guarantee on a concurrent runtime.
	pendingLock sync.Mutex
	pending     map[common.Hash]*pendingEntry
}

// NewLinkedToken creates a protocol instance. The linked subnet is fixed for
// the lifetime of the instance; the linked contract starts unset and every
// transfer operation fails until SetLinkedContract is called. eventC may be
// nil if no external consumer wants event notifications.
func NewLinkedToken(
	logger *zap.Logger,
	ledgerDB db.LedgerDB,
	strategy custody.Strategy,
	underlying gmp.Address,
	linkedSubnet gmp.SubnetID,
	eventC chan<- Event,
) *LinkedToken {
	return &LinkedToken{
		logger:       logger,
		db:           ledgerDB,
		custody:      strategy,
		underlying:   underlying,
		linkedSubnet: linkedSubnet,
		eventC:       eventC,
		pending:      make(map[common.Hash]*pendingEntry),
	}
}

// BindTransport attaches the dispatch side of the GMP transport. It must be
// called before InitiateTransfer; it is separate from the constructor
// because transports hand out their dispatch endpoint only once a handler
// is registered.
func (lt *LinkedToken) BindTransport(transport gmp.Transport) {
	lt.transport = transport
}

// Underlying returns the asset reference this instance custodies.
func (lt *LinkedToken) Underlying() gmp.Address {
	return lt.underlying
}

// LinkedSubnet returns the paired subnet's route.
func (lt *LinkedToken) LinkedSubnet() gmp.SubnetID {
	return lt.linkedSubnet
}

// LinkedContract returns the paired contract, or the zero address while the
// link is uninitialized.
func (lt *LinkedToken) LinkedContract() gmp.Address {
	lt.linkLock.RLock()
	defer lt.linkLock.RUnlock()
	return lt.linkedContract
}

// Initialized reports whether the linked contract has been set.
func (lt *LinkedToken) Initialized() bool {
	return !lt.LinkedContract().IsZero()
}

// SetLinkedContract points the link at the paired contract. Owner-gated by
// the caller (the admin surface). Re-pointing the link while transfers are
// still unconfirmed lets in-flight results authenticate against the new
// contract, so that case is logged loudly rather than rejected.
func (lt *LinkedToken) SetLinkedContract(contract gmp.Address) error {
	if contract.IsZero() {
		return fmt.Errorf("linked contract cannot be the zero address")
	}

	lt.pendingLock.Lock()
	outstanding := len(lt.pending)
	lt.pendingLock.Unlock()

	lt.linkLock.Lock()
	previous := lt.linkedContract
	lt.linkedContract = contract
	lt.linkLock.Unlock()

	if !previous.IsZero() && outstanding > 0 {
		lt.logger.Warn("linked contract changed with transfers still unconfirmed",
			zap.Stringer("previous", previous),
			zap.Stringer("contract", contract),
			zap.Int("outstanding", outstanding),
		)
	}

	lt.logger.Info("link initialized",
		zap.Stringer("underlying", lt.underlying),
		zap.Stringer("linkedSubnet", lt.linkedSubnet),
		zap.Stringer("linkedContract", contract),
	)
	lt.publishEvent(LinkInitialized{
		Underlying:     lt.underlying,
		LinkedSubnet:   lt.linkedSubnet,
		LinkedContract: contract,
	})

	return nil
}

// InitiateTransfer captures amount from caller, dispatches the transfer to
// the linked contract, and records it as unconfirmed. On return the ledger
// holds exactly one new record keyed by the returned envelope's identifier
// and the caller's balance is down by amount; the outcome is not known until
// the transport delivers a result.
func (lt *LinkedToken) InitiateTransfer(ctx context.Context, caller, recipient gmp.Address, amount *uint256.Int) (*gmp.Envelope, error) {
	linkedContract := lt.LinkedContract()
	if linkedContract.IsZero() {
		return nil, ErrNotInitialized
	}
	if recipient.IsZero() {
		return nil, ErrZeroRecipient
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}

	if err := lt.custody.Capture(caller, amount); err != nil {
		return nil, fmt.Errorf("failed to capture funds: %w", err)
	}

	payload := encodeTransferPayload(recipient, amount)
	env, err := lt.transport.Dispatch(ctx, lt.linkedSubnet, linkedContract, payload, uint256.NewInt(0))
	if err != nil {
		// The capture already happened; reverse it so a failed dispatch
		// leaves the caller's balance untouched.
		if rbErr := lt.custody.Release(caller, amount); rbErr != nil {
			lt.logger.Error("failed to reverse capture after dispatch failure",
				zap.Stringer("initiator", caller), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("failed to dispatch transfer: %w", err)
	}

	id := env.ID()

	lt.pendingLock.Lock()
	defer lt.pendingLock.Unlock()

	if _, exists := lt.pending[id]; exists {
		// The transport broke its unique-identifier contract. Reverse the
		// capture and refuse rather than clobber the live record.
		if rbErr := lt.custody.Release(caller, amount); rbErr != nil {
			lt.logger.Error("failed to reverse capture after identifier collision",
				zap.String("id", id.Hex()), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("transport returned duplicate identifier %s", id.Hex())
	}

	entry := &pendingEntry{
		initiator: caller,
		amount:    amount.Clone(),
		nonce:     env.Nonce,
		createdAt: time.Now(),
	}
	if err := lt.db.StorePendingTransfer(&db.PendingTransfer{
		ID:        id,
		Initiator: caller,
		Amount:    entry.amount,
		Nonce:     env.Nonce,
		CreatedAt: entry.createdAt,
	}); err != nil {
		if rbErr := lt.custody.Release(caller, amount); rbErr != nil {
			lt.logger.Error("failed to reverse capture after ledger store failure",
				zap.String("id", id.Hex()), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("failed to persist unconfirmed transfer: %w", err)
	}
	lt.pending[id] = entry

	transfersInitiated.Inc()
	transfersOutstanding.Inc()

	lt.logger.Info("transfer sent",
		zap.Stringer("underlying", lt.underlying),
		zap.Stringer("initiator", caller),
		zap.Stringer("recipient", recipient),
		zap.String("id", id.Hex()),
		zap.Uint64("nonce", env.Nonce),
		zap.Stringer("amount", amount),
	)
	lt.publishEvent(TransferSent{
		Underlying: lt.underlying,
		Initiator:  caller,
		Recipient:  recipient,
		ID:         id,
		Nonce:      env.Nonce,
		Amount:     amount.Clone(),
	})

	return env, nil
}

// HandleCall processes a call envelope delivered by the transport on the
// destination side: it authenticates the envelope, decodes the transfer and
// releases the funds to the recipient. It never touches the unconfirmed
// ledger; deduplication of redelivered envelopes is the transport's job.
func (lt *LinkedToken) HandleCall(ctx context.Context, env *gmp.Envelope) error {
	if !lt.Initialized() {
		return ErrNotInitialized
	}
	if env.Kind != gmp.KindCall {
		return &InvalidEnvelopeError{Reason: fmt.Sprintf("expected call envelope, got %s", env.Kind)}
	}
	if err := lt.authenticate(env); err != nil {
		return err
	}
	if env.Value != nil && !env.Value.IsZero() {
		return ErrUnexpectedValue
	}

	recipient, amount, err := decodeTransferPayload(env.Payload)
	if err != nil {
		authFailures.WithLabelValues("selector").Inc()
		return err
	}
	if recipient.IsZero() {
		return ErrZeroRecipient
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}

	if err := lt.custody.Release(recipient, amount); err != nil {
		return fmt.Errorf("failed to release funds: %w", err)
	}

	transfersReceived.Inc()
	lt.logger.Info("transfer received",
		zap.Stringer("recipient", recipient),
		zap.Stringer("amount", amount),
		zap.String("id", env.IDString()),
	)
	lt.publishEvent(TransferReceived{Recipient: recipient, Amount: amount.Clone()})

	return nil
}

// HandleResult processes a result envelope delivered by the transport on the
// origin side. The correlated ledger record is settled exactly once: a
// failure outcome refunds the initiator, a success outcome leaves the
// capture permanent, and in both cases the record is removed. A result for
// an identifier with no record is an internal consistency violation and is
// returned as ErrUnknownTransfer without any state change.
func (lt *LinkedToken) HandleResult(ctx context.Context, env *gmp.Envelope) error {
	if !lt.Initialized() {
		return ErrNotInitialized
	}
	if env.Kind != gmp.KindResult {
		return &InvalidEnvelopeError{Reason: fmt.Sprintf("expected result envelope, got %s", env.Kind)}
	}
	if err := lt.authenticate(env); err != nil {
		return err
	}

	id := env.Correlates

	lt.pendingLock.Lock()
	defer lt.pendingLock.Unlock()

	entry, exists := lt.pending[id]
	if !exists {
		settleConsistencyErrors.Inc()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id.Hex())
	}

	refunded := false
	if !env.Outcome.OK() {
		if err := lt.custody.Release(entry.initiator, entry.amount); err != nil {
			// Leave the record in place: the refund must land before the
			// transfer can be considered settled.
			return fmt.Errorf("failed to refund initiator %s: %w", entry.initiator, err)
		}
		refunded = true
		transfersRefunded.Inc()
	}

	lt.deletePendingAlreadyLocked(id)
	transfersSettled.WithLabelValues(env.Outcome.String()).Inc()

	lt.logger.Info("transfer settled",
		zap.String("id", id.Hex()),
		zap.Stringer("outcome", env.Outcome),
		zap.Bool("refunded", refunded),
		zap.Stringer("initiator", entry.initiator),
		zap.Stringer("amount", entry.amount),
	)
	lt.publishEvent(TransferSettled{ID: id, Outcome: env.Outcome, Refunded: refunded})

	return nil
}

// ForceRemove deletes the ledger record for id without settling it: no
// refund, no capture reversal. It is the owner's escape hatch for entries
// the transport can never settle, and every use is logged and metered
// because it discards captured value from the protocol's accounting.
func (lt *LinkedToken) ForceRemove(id common.Hash) error {
	lt.pendingLock.Lock()
	defer lt.pendingLock.Unlock()

	entry, exists := lt.pending[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id.Hex())
	}

	lt.deletePendingAlreadyLocked(id)
	forceRemovals.Inc()

	lt.logger.Warn("unconfirmed transfer removed by owner without settlement",
		zap.String("id", id.Hex()),
		zap.Stringer("initiator", entry.initiator),
		zap.Stringer("amount", entry.amount),
	)
	lt.publishEvent(TransferForceRemoved{
		ID:        id,
		Initiator: entry.initiator,
		Amount:    entry.amount.Clone(),
	})

	return nil
}

// deletePendingAlreadyLocked deletes the record from both the map and the
// database. It assumes the caller holds pendingLock.
func (lt *LinkedToken) deletePendingAlreadyLocked(id common.Hash) {
	delete(lt.pending, id)
	transfersOutstanding.Dec()
	if err := lt.db.DeletePendingTransfer(id); err != nil {
		lt.logger.Error("failed to delete pending transfer from the db", zap.String("id", id.Hex()), zap.Error(err))
		// Ignore this error and keep going. The in-memory ledger is
		// authoritative; a stale db record is re-reconciled on restart.
	}
}

// LoadPendingTransfers reloads the unconfirmed ledger from the database on
// start up.
func (lt *LinkedToken) LoadPendingTransfers() error {
	pendingTransfers, err := lt.db.GetPendingTransfers(lt.logger)
	if err != nil {
		return fmt.Errorf("failed to load pending transfers from the db: %w", err)
	}

	lt.pendingLock.Lock()
	defer lt.pendingLock.Unlock()

	for _, p := range pendingTransfers {
		lt.logger.Info("reloaded unconfirmed transfer", zap.String("id", p.ID.Hex()))
		lt.pending[p.ID] = &pendingEntry{
			initiator: p.Initiator,
			amount:    p.Amount.Clone(),
			nonce:     p.Nonce,
			createdAt: p.CreatedAt,
		}
		transfersOutstanding.Inc()
	}

	if len(lt.pending) != 0 {
		lt.logger.Info("reloaded unconfirmed transfers", zap.Int("total", len(lt.pending)))
	} else {
		lt.logger.Info("no unconfirmed transfers to be reloaded")
	}

	return nil
}

// PendingTransfers returns a snapshot of the unconfirmed ledger.
func (lt *LinkedToken) PendingTransfers() []*db.PendingTransfer {
	lt.pendingLock.Lock()
	defer lt.pendingLock.Unlock()

	out := make([]*db.PendingTransfer, 0, len(lt.pending))
	for id, entry := range lt.pending {
		out = append(out, &db.PendingTransfer{
			ID:        id,
			Initiator: entry.initiator,
			Amount:    entry.amount.Clone(),
			Nonce:     entry.nonce,
			CreatedAt: entry.createdAt,
		})
	}
	return out
}

// AuditPendingTransfers surfaces entries older than maxAge for operator
// attention. Liveness is not guaranteed by the protocol, so nothing is
// retried or dropped here; stuck entries are only reported, and removing
// one is the owner's call via ForceRemove.
func (lt *LinkedToken) AuditPendingTransfers(maxAge time.Duration) {
	lt.pendingLock.Lock()
	defer lt.pendingLock.Unlock()

	stale := 0
	for id, entry := range lt.pending {
		age := time.Since(entry.createdAt)
		if age > maxAge {
			stale++
			lt.logger.Warn("unconfirmed transfer is stale",
				zap.String("id", id.Hex()),
				zap.Stringer("initiator", entry.initiator),
				zap.Stringer("amount", entry.amount),
				zap.Duration("age", age),
			)
		}
	}
	stalePendingTransfers.Set(float64(stale))
}

// publishEvent hands the event to the external consumer without ever
// blocking a protocol entry point on a slow reader.
func (lt *LinkedToken) publishEvent(ev Event) {
	if lt.eventC == nil {
		return
	}
	select {
	case lt.eventC <- ev:
	default:
		lt.logger.Error("event channel is full, dropping event", zap.String("kind", ev.EventKind()))
	}
}
