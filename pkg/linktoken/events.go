package linktoken

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/subnetlink/node/pkg/gmp"
)

// Event is implemented by every notification the protocol publishes for
// external indexers.
type Event interface {
	EventKind() string
}

// LinkInitialized is published when the owner sets the linked contract.
type LinkInitialized struct {
	Underlying     gmp.Address
	LinkedSubnet   gmp.SubnetID
	LinkedContract gmp.Address
}

// TransferSent is published when a transfer has been captured and
// dispatched.
type TransferSent struct {
	Underlying gmp.Address
	Initiator  gmp.Address
	Recipient  gmp.Address
	ID         common.Hash
	Nonce      uint64
	Amount     *uint256.Int
}

// TransferReceived is published on the destination side when an inbound
// transfer has been released to its recipient.
type TransferReceived struct {
	Recipient gmp.Address
	Amount    *uint256.Int
}

// TransferSettled is published on the origin side when a result resolves an
// unconfirmed transfer. Refunded is true when the capture was reversed.
type TransferSettled struct {
	ID       common.Hash
	Outcome  gmp.Outcome
	Refunded bool
}

// TransferForceRemoved is published when the owner removes a ledger entry
// without settlement. The captured value for the entry is silently
// discarded from the protocol's accounting, so the event is the audit trail.
type TransferForceRemoved struct {
	ID        common.Hash
	Initiator gmp.Address
	Amount    *uint256.Int
}

func (LinkInitialized) EventKind() string      { return "link-initialized" }
func (TransferSent) EventKind() string         { return "transfer-sent" }
func (TransferReceived) EventKind() string     { return "transfer-received" }
func (TransferSettled) EventKind() string      { return "transfer-settled" }
func (TransferForceRemoved) EventKind() string { return "transfer-force-removed" }
