package linktoken

import (
	"fmt"

	"github.com/subnetlink/node/pkg/gmp"
)

// authenticate checks that an inbound envelope originates from the
// configured linked subnet and linked contract. These two checks, plus the
// selector check performed during payload decoding on the call path, are the
// sole authentication at this layer: the transport is trusted to have
// already verified that the envelope truly came from the origin it claims.
func (lt *LinkedToken) authenticate(env *gmp.Envelope) error {
	linkedContract := lt.LinkedContract()

	if !env.Origin.Equal(lt.linkedSubnet) {
		authFailures.WithLabelValues("origin_subnet").Inc()
		return fmt.Errorf("%w: got %s, want %s", ErrInvalidOriginSubnet, env.Origin, lt.linkedSubnet)
	}

	if env.OriginAddress != linkedContract {
		authFailures.WithLabelValues("origin_contract").Inc()
		return fmt.Errorf("%w: got %s, want %s", ErrInvalidOriginContract, env.OriginAddress, linkedContract)
	}

	return nil
}
