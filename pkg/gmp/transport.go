package gmp

import (
	"context"

	"github.com/holiman/uint256"
)

// Transport is the generic message-passing layer that carries envelopes
// between subnets. Implementations assign the nonce and guarantee that each
// delivered envelope is processed at most once; the protocol trusts the
// transport to have verified that an inbound envelope truly originated from
// the subnet and contract it claims.
type Transport interface {
	// Dispatch emits a call envelope addressed to destAddr on the dest
	// subnet and returns it with the transport-assigned nonce filled in.
	// The returned envelope's ID is the identifier later results correlate
	// to.
	Dispatch(ctx context.Context, dest SubnetID, destAddr Address, payload []byte, value *uint256.Int) (*Envelope, error)
}

// TransientDeliveryError marks a handler failure as retryable: the
// transport should redeliver the envelope instead of treating the error as
// the call's verdict.
type TransientDeliveryError struct {
	Err error
}

func (e *TransientDeliveryError) Error() string {
	return "transient delivery failure: " + e.Err.Error()
}

func (e *TransientDeliveryError) Unwrap() error {
	return e.Err
}

// Handler receives inbound envelopes from the transport.
type Handler interface {
	// HandleCall is invoked for each call envelope addressed to the
	// handler's contract. The returned error becomes the actor-level
	// outcome of the call.
	HandleCall(ctx context.Context, env *Envelope) error

	// HandleResult is invoked for each result envelope correlating to an
	// envelope previously dispatched by the handler.
	HandleResult(ctx context.Context, env *Envelope) error
}
