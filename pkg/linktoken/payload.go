package linktoken

import (
	"bytes"

	"github.com/holiman/uint256"

	"github.com/subnetlink/node/pkg/gmp"
)

// ReceiveMethodSignature is the method every linked-token call payload
// targets on the paired contract.
const ReceiveMethodSignature = "receiveLinked(address,uint256)"

var receiveSelector = gmp.MethodSelector(ReceiveMethodSignature)

// selector(4) + recipient(32) + amount(32), the EVM ABI layout of the
// receive method's calldata.
const transferPayloadLen = 4 + 32 + 32

// encodeTransferPayload builds the outbound call payload for a transfer of
// amount to recipient.
func encodeTransferPayload(recipient gmp.Address, amount *uint256.Int) []byte {
	buf := new(bytes.Buffer)
	buf.Write(receiveSelector[:])
	buf.Write(recipient[:])
	amountBytes := amount.Bytes32()
	buf.Write(amountBytes[:])
	return buf.Bytes()
}

// decodeTransferPayload validates the selector and decodes the (recipient,
// amount) arguments. A payload shorter than the selector, a selector
// mismatch and malformed arguments are distinct failures so monitoring can
// tell spoofing attempts from protocol bugs.
func decodeTransferPayload(payload []byte) (gmp.Address, *uint256.Int, error) {
	if len(payload) < 4 {
		return gmp.Address{}, nil, &InvalidEnvelopeError{Reason: "short selector"}
	}
	if !bytes.Equal(payload[:4], receiveSelector[:]) {
		return gmp.Address{}, nil, &InvalidEnvelopeError{Reason: "invalid selector"}
	}
	if len(payload) != transferPayloadLen {
		return gmp.Address{}, nil, &InvalidEnvelopeError{Reason: "malformed arguments"}
	}

	var recipient gmp.Address
	copy(recipient[:], payload[4:36])
	amount := new(uint256.Int).SetBytes(payload[36:68])

	return recipient, amount, nil
}
