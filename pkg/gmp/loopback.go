package gmp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

const deliveryQueueSize = 64

// maxDeliveryRetries bounds redelivery attempts for a transiently failing
// endpoint before the call is failed with a system-level outcome.
const maxDeliveryRetries = 5

// Loopback is an in-process transport connecting handlers registered on
// different subnets. It is used in devnet mode and in tests: calls
// dispatched from one endpoint are delivered to the destination handler and
// the handler's verdict is synthesized into a result envelope delivered back
// to the origin. Delivery is asynchronous, mirroring a real GMP layer.
type Loopback struct {
	logger *zap.Logger

	mu        sync.Mutex
	nonce     uint64
	endpoints map[string]*loopbackEndpoint

	deliveryC chan *Envelope
}

type loopbackEndpoint struct {
	transport *Loopback
	subnet    SubnetID
	addr      Address
	handler   Handler
}

func NewLoopback(logger *zap.Logger) *Loopback {
	return &Loopback{
		logger:    logger,
		endpoints: make(map[string]*loopbackEndpoint),
		deliveryC: make(chan *Envelope, deliveryQueueSize),
	}
}

func endpointKey(subnet SubnetID, addr Address) string {
	return subnet.String() + "/" + addr.String()
}

// Register binds a handler to (subnet, addr) and returns the Transport the
// handler should dispatch through. Dispatches through the returned endpoint
// carry (subnet, addr) as their origin.
func (l *Loopback) Register(subnet SubnetID, addr Address, handler Handler) Transport {
	l.mu.Lock()
	defer l.mu.Unlock()

	ep := &loopbackEndpoint{transport: l, subnet: subnet, addr: addr, handler: handler}
	l.endpoints[endpointKey(subnet, addr)] = ep
	return ep
}

// Run processes the delivery queue until the context is cancelled.
func (l *Loopback) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-l.deliveryC:
			l.deliver(ctx, env)
		}
	}
}

func (ep *loopbackEndpoint) Dispatch(ctx context.Context, dest SubnetID, destAddr Address, payload []byte, value *uint256.Int) (*Envelope, error) {
	if value == nil {
		value = uint256.NewInt(0)
	}

	l := ep.transport
	l.mu.Lock()
	l.nonce++
	env := &Envelope{
		Kind:               KindCall,
		Origin:             ep.subnet,
		OriginAddress:      ep.addr,
		Destination:        dest,
		DestinationAddress: destAddr,
		Nonce:              l.nonce,
		Value:              value.Clone(),
		Payload:            payload,
	}
	l.mu.Unlock()

	select {
	case l.deliveryC <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("loopback delivery queue is full")
	}

	return env, nil
}

func (ep *loopbackEndpoint) HandleCall(ctx context.Context, env *Envelope) error {
	return ep.handler.HandleCall(ctx, env)
}

func (ep *loopbackEndpoint) HandleResult(ctx context.Context, env *Envelope) error {
	return ep.handler.HandleResult(ctx, env)
}

// deliver executes one call envelope against its destination handler and
// queues the result envelope back to the origin. A missing destination or
// exhausted redelivery becomes a system-level failure outcome; a handler
// error becomes an actor-level failure outcome.
func (l *Loopback) deliver(ctx context.Context, env *Envelope) {
	outcome := OutcomeOK

	dest := l.endpoint(env.Destination, env.DestinationAddress)
	if dest == nil {
		l.logger.Error("no endpoint registered for destination",
			zap.Stringer("destination", env.Destination),
			zap.Stringer("destinationAddress", env.DestinationAddress),
		)
		outcome = OutcomeSystemErr
	} else {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = 10 * time.Millisecond
		bo := backoff.WithMaxRetries(ebo, maxDeliveryRetries)

		err := backoff.Retry(func() error {
			err := dest.handler.HandleCall(ctx, env)
			if err != nil {
				var transient *TransientDeliveryError
				if errors.As(err, &transient) {
					return err
				}
				// Actor-level rejection. Do not redeliver.
				return backoff.Permanent(err)
			}
			return nil
		}, backoff.WithContext(bo, ctx))

		if err != nil {
			var transient *TransientDeliveryError
			if errors.As(err, &transient) {
				l.logger.Warn("call delivery exhausted retries",
					zap.String("id", env.IDString()), zap.Error(err))
				outcome = OutcomeSystemErr
			} else {
				l.logger.Info("call rejected by destination",
					zap.String("id", env.IDString()), zap.Error(err))
				outcome = OutcomeActorErr
			}
		}
	}

	origin := l.endpoint(env.Origin, env.OriginAddress)
	if origin == nil {
		l.logger.Error("no endpoint registered for origin, dropping result",
			zap.Stringer("origin", env.Origin))
		return
	}

	l.mu.Lock()
	l.nonce++
	result := &Envelope{
		Kind:               KindResult,
		Origin:             env.Destination,
		OriginAddress:      env.DestinationAddress,
		Destination:        env.Origin,
		DestinationAddress: env.OriginAddress,
		Nonce:              l.nonce,
		Value:              uint256.NewInt(0),
		Outcome:            outcome,
		Correlates:         env.ID(),
	}
	l.mu.Unlock()

	if err := origin.handler.HandleResult(ctx, result); err != nil {
		l.logger.Error("origin handler failed to process result",
			zap.String("id", result.Correlates.Hex()), zap.Error(err))
	}
}

func (l *Loopback) endpoint(subnet SubnetID, addr Address) *loopbackEndpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endpoints[endpointKey(subnet, addr)]
}
