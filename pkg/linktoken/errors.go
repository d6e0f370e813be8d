package linktoken

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by every transfer operation while the
	// linked contract has not been set.
	ErrNotInitialized = errors.New("linked contract not initialized")

	// ErrZeroRecipient rejects a transfer to the nil address.
	ErrZeroRecipient = errors.New("recipient cannot be the zero address")

	// ErrZeroAmount rejects a transfer of zero value.
	ErrZeroAmount = errors.New("amount cannot be zero")

	// ErrUnexpectedValue rejects an inbound call carrying attached value.
	ErrUnexpectedValue = errors.New("unexpected attached value")

	// ErrInvalidOriginSubnet rejects an envelope whose origin subnet is not
	// the configured linked subnet.
	ErrInvalidOriginSubnet = errors.New("envelope origin is not the linked subnet")

	// ErrInvalidOriginContract rejects an envelope whose origin address is
	// not the configured linked contract.
	ErrInvalidOriginContract = errors.New("envelope origin is not the linked contract")

	// ErrUnknownTransfer indicates a settlement for an identifier with no
	// ledger record. If the transport honors its at-most-once delivery
	// contract this can only mean an internal consistency violation, so
	// callers must treat it as fatal rather than recoverable.
	ErrUnknownTransfer = errors.New("no unconfirmed transfer for identifier")
)

// InvalidEnvelopeError rejects a call envelope whose payload cannot be
// decoded as the expected receive method.
type InvalidEnvelopeError struct {
	Reason string
}

func (e *InvalidEnvelopeError) Error() string {
	return fmt.Sprintf("invalid envelope: %s", e.Reason)
}

// Is makes all InvalidEnvelopeError values match each other under
// errors.Is, regardless of reason.
func (e *InvalidEnvelopeError) Is(target error) bool {
	_, ok := target.(*InvalidEnvelopeError)
	return ok
}
