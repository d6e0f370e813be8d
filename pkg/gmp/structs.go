package gmp

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

type (
	// Envelope is the transport-level message unit carried between subnets.
	// A Call envelope carries a method invocation to the destination
	// contract; a Result envelope carries the destination's verdict back to
	// the origin, correlated by the original envelope identifier.
	Envelope struct {
		// Kind distinguishes calls from results.
		Kind Kind
		// Origin is the subnet the envelope was emitted on.
		Origin SubnetID
		// OriginAddress is the contract that emitted the envelope.
		OriginAddress Address
		// Destination subnet of the envelope
		Destination SubnetID
		// DestinationAddress is the contract the envelope is addressed to.
		DestinationAddress Address
		// Nonce is the transport-assigned sequence number.
		Nonce uint64
		// Value attached to the call. Zero for linked-token transfers.
		Value *uint256.Int
		// Payload of a call: 4-byte method selector followed by the encoded
		// arguments. Empty for results.
		Payload []byte

		// Outcome of the correlated call. Only meaningful for results.
		Outcome Outcome
		// Correlates is the identifier of the call this result settles.
		Correlates common.Hash
		// Ret is the raw return data of the correlated call, if any.
		Ret []byte
	}

	// Kind of an Envelope
	Kind uint8

	// Outcome is the transport's verdict on a dispatched call.
	Outcome uint8

	// Address is a canonical subnet address. If the native address type of a
	// subnet is < 32 bytes the value is zero-padded on the left.
	Address [32]byte

	// Selector is the first 4 bytes of the keccak256 hash of a method
	// signature string, identifying the method a call payload targets.
	Selector [4]byte
)

const (
	KindCall   Kind = 1
	KindResult Kind = 2
)

const (
	// OutcomeOK means the destination processed the call without error.
	OutcomeOK Outcome = 0
	// OutcomeSystemErr means the transport failed to execute the call.
	OutcomeSystemErr Outcome = 1
	// OutcomeActorErr means the destination contract rejected the call.
	OutcomeActorErr Outcome = 2
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	default:
		return fmt.Sprintf("unknown envelope kind: %d", uint8(k))
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeSystemErr:
		return "system-error"
	case OutcomeActorErr:
		return "actor-error"
	default:
		return fmt.Sprintf("unknown outcome: %d", uint8(o))
	}
}

// OK reports whether the outcome is a success. Both error classes settle a
// transfer with a refund.
func (o Outcome) OK() bool {
	return o == OutcomeOK
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) Bytes() []byte {
	return a[:]
}

// IsZero reports whether the address is the nil address.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, a)), nil
}

func (a *Address) UnmarshalJSON(data []byte) error {
	addr, err := StringToAddress(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// StringToAddress converts a hex-encoded address into an Address.
func StringToAddress(value string) (Address, error) {
	var address Address

	// Make sure we have enough to decode
	if len(value) < 2 {
		return address, fmt.Errorf("value must be at least 1 byte")
	}

	// Trim any preceding "0x" to the address
	value = strings.TrimPrefix(value, "0x")

	res, err := hex.DecodeString(value)
	if err != nil {
		return address, err
	}
	if len(res) > 32 {
		return address, fmt.Errorf("value must be no more than 32 bytes")
	}
	copy(address[32-len(res):], res)

	return address, nil
}

// AddressFromEth left-pads a 20-byte native address into the canonical
// 32-byte representation.
func AddressFromEth(addr common.Address) Address {
	var out Address
	copy(out[12:], addr[:])
	return out
}

// EthAddress truncates the canonical address back to its native 20-byte
// form.
func (a Address) EthAddress() common.Address {
	return common.BytesToAddress(a[12:])
}

// MethodSelector derives the 4-byte selector of a method signature string,
// e.g. "receiveLinked(address,uint256)".
func MethodSelector(signature string) Selector {
	var sel Selector
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

func (s Selector) String() string {
	return hex.EncodeToString(s[:])
}

// SubnetID identifies a subnet by its route from the root network: the root
// chain id followed by the actor ids of each child subnet. The string form
// is "/r<root>/<child>/...".
type SubnetID struct {
	Root  uint64
	Route []uint64
}

// RootSubnet returns the id of the root network itself.
func RootSubnet(root uint64) SubnetID {
	return SubnetID{Root: root}
}

// Child returns the id of a child subnet one level below s.
func (s SubnetID) Child(actor uint64) SubnetID {
	route := make([]uint64, 0, len(s.Route)+1)
	route = append(route, s.Route...)
	route = append(route, actor)
	return SubnetID{Root: s.Root, Route: route}
}

// Equal reports structural equality of the full route.
func (s SubnetID) Equal(other SubnetID) bool {
	if s.Root != other.Root || len(s.Route) != len(other.Route) {
		return false
	}
	for i := range s.Route {
		if s.Route[i] != other.Route[i] {
			return false
		}
	}
	return true
}

func (s SubnetID) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "/r%d", s.Root)
	for _, actor := range s.Route {
		fmt.Fprintf(&b, "/%d", actor)
	}
	return b.String()
}

// ParseSubnetID parses the "/r<root>/<child>/..." string form of a subnet
// route.
func ParseSubnetID(s string) (SubnetID, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] != "" || !strings.HasPrefix(parts[1], "r") {
		return SubnetID{}, fmt.Errorf("invalid subnet id %q", s)
	}

	root, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "r"), 10, 64)
	if err != nil {
		return SubnetID{}, fmt.Errorf("invalid root chain id in %q: %w", s, err)
	}

	id := SubnetID{Root: root}
	for _, part := range parts[2:] {
		actor, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return SubnetID{}, fmt.Errorf("invalid route segment %q in %q: %w", part, s, err)
		}
		id.Route = append(id.Route, actor)
	}

	return id, nil
}

func (s SubnetID) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, s)), nil
}

func (s *SubnetID) UnmarshalJSON(data []byte) error {
	id, err := ParseSubnetID(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*s = id
	return nil
}

// ID derives the 256-bit envelope identifier: the keccak256 digest of the
// deterministic binary encoding. The transport-assigned nonce makes the
// identifier unique per dispatch.
func (e *Envelope) ID() common.Hash {
	return crypto.Keccak256Hash(e.serializeBody())
}

func (e *Envelope) IDString() string {
	return e.ID().Hex()
}

func (e *Envelope) serializeBody() []byte {
	buf := new(bytes.Buffer)

	MustWrite(buf, binary.BigEndian, uint8(e.Kind))
	writeSubnetID(buf, e.Origin)
	buf.Write(e.OriginAddress[:])
	writeSubnetID(buf, e.Destination)
	buf.Write(e.DestinationAddress[:])
	MustWrite(buf, binary.BigEndian, e.Nonce)

	value := e.Value
	if value == nil {
		value = uint256.NewInt(0)
	}
	valueBytes := value.Bytes32()
	buf.Write(valueBytes[:])

	MustWrite(buf, binary.BigEndian, uint32(len(e.Payload))) // #nosec G115 -- payload length bounded by transport
	buf.Write(e.Payload)

	if e.Kind == KindResult {
		MustWrite(buf, binary.BigEndian, uint8(e.Outcome))
		buf.Write(e.Correlates[:])
		MustWrite(buf, binary.BigEndian, uint32(len(e.Ret))) // #nosec G115
		buf.Write(e.Ret)
	}

	return buf.Bytes()
}

// Marshal serializes the envelope to its deterministic binary form.
func (e *Envelope) Marshal() ([]byte, error) {
	return e.serializeBody(), nil
}

// UnmarshalEnvelope deserializes the binary representation of an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	reader := bytes.NewReader(data)
	e := &Envelope{}

	var kind uint8
	if err := binary.Read(reader, binary.BigEndian, &kind); err != nil {
		return nil, fmt.Errorf("failed to read kind: %w", err)
	}
	e.Kind = Kind(kind)
	if e.Kind != KindCall && e.Kind != KindResult {
		return nil, fmt.Errorf("invalid envelope kind %d", kind)
	}

	var err error
	if e.Origin, err = readSubnetID(reader); err != nil {
		return nil, fmt.Errorf("failed to read origin subnet: %w", err)
	}
	if n, err := reader.Read(e.OriginAddress[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read origin address [%d]: %w", n, err)
	}
	if e.Destination, err = readSubnetID(reader); err != nil {
		return nil, fmt.Errorf("failed to read destination subnet: %w", err)
	}
	if n, err := reader.Read(e.DestinationAddress[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read destination address [%d]: %w", n, err)
	}
	if err := binary.Read(reader, binary.BigEndian, &e.Nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	var valueBytes [32]byte
	if n, err := reader.Read(valueBytes[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read value [%d]: %w", n, err)
	}
	e.Value = new(uint256.Int).SetBytes(valueBytes[:])

	var payloadLen uint32
	if err := binary.Read(reader, binary.BigEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("failed to read payload length: %w", err)
	}
	if payloadLen > 0 {
		e.Payload = make([]byte, payloadLen)
		if n, err := reader.Read(e.Payload); err != nil || uint32(n) != payloadLen { // #nosec G115
			return nil, fmt.Errorf("failed to read payload [%d]: %w", n, err)
		}
	}

	if e.Kind == KindResult {
		var outcome uint8
		if err := binary.Read(reader, binary.BigEndian, &outcome); err != nil {
			return nil, fmt.Errorf("failed to read outcome: %w", err)
		}
		e.Outcome = Outcome(outcome)
		if n, err := reader.Read(e.Correlates[:]); err != nil || n != 32 {
			return nil, fmt.Errorf("failed to read correlation id [%d]: %w", n, err)
		}
		var retLen uint32
		if err := binary.Read(reader, binary.BigEndian, &retLen); err != nil {
			return nil, fmt.Errorf("failed to read ret length: %w", err)
		}
		if retLen > 0 {
			e.Ret = make([]byte, retLen)
			if n, err := reader.Read(e.Ret); err != nil || uint32(n) != retLen { // #nosec G115
				return nil, fmt.Errorf("failed to read ret [%d]: %w", n, err)
			}
		}
	}

	if reader.Len() != 0 {
		return nil, fmt.Errorf("%d bytes of trailing data", reader.Len())
	}

	return e, nil
}

func writeSubnetID(buf *bytes.Buffer, id SubnetID) {
	MustWrite(buf, binary.BigEndian, id.Root)
	MustWrite(buf, binary.BigEndian, uint32(len(id.Route))) // #nosec G115 -- route depth bounded
	for _, actor := range id.Route {
		MustWrite(buf, binary.BigEndian, actor)
	}
}

func readSubnetID(reader *bytes.Reader) (SubnetID, error) {
	var id SubnetID
	if err := binary.Read(reader, binary.BigEndian, &id.Root); err != nil {
		return id, err
	}
	var routeLen uint32
	if err := binary.Read(reader, binary.BigEndian, &routeLen); err != nil {
		return id, err
	}
	if routeLen > maxRouteDepth {
		return id, fmt.Errorf("route depth %d exceeds limit", routeLen)
	}
	for i := uint32(0); i < routeLen; i++ {
		var actor uint64
		if err := binary.Read(reader, binary.BigEndian, &actor); err != nil {
			return id, err
		}
		id.Route = append(id.Route, actor)
	}
	return id, nil
}

// maxRouteDepth bounds the subnet hierarchy depth accepted off the wire.
const maxRouteDepth = 64

// MustWrite calls binary.Write and panics if it fails. Only used for writes
// to an in-memory buffer, which cannot fail.
func MustWrite(w *bytes.Buffer, order binary.ByteOrder, data interface{}) {
	if err := binary.Write(w, order, data); err != nil {
		panic(fmt.Sprintf("failed to write binary data: %v", data))
	}
}
