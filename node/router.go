package node

import (
	"context"

	"github.com/p2pweave/weave"
	"github.com/p2pweave/weave/protocol"
	"golang.org/x/sync/errgroup"
)

// dispatch moves an outgoing frame toward its destination: direct delivery
// when the destination is a known contact, indirect relay otherwise or on
// direct failure.
func (n *Node) dispatch(ctx context.Context, f *protocol.Frame) error {
	// an unrepresentable frame fails identically at every peer
	if err := f.CheckLimits(); err != nil {
		return err
	}
	if c, ok := n.table.Lookup(f.Destination); ok {
		if err := n.send(c, f); err == nil {
			return nil
		}
		// direct failed; fall through to relays
	}
	return n.indirectCtx(ctx, f)
}

// dispatchTo is dispatch with a preferred first hop, used by broadcast
// where the target contact is known from the subscriber registry rather
// than the routing table.
func (n *Node) dispatchTo(ctx context.Context, c weave.Contact, f *protocol.Frame) error {
	if err := f.CheckLimits(); err != nil {
		return err
	}
	if err := n.send(c, f); err == nil {
		return nil
	}
	return n.indirectCtx(ctx, f)
}

// indirect forwards a frame through up to relayFanout of the closest known
// contacts to its destination, skipping relays the frame has already
// visited. Success means at least one relay accepted the frame.
func (n *Node) indirect(f *protocol.Frame) error {
	return n.indirectCtx(context.Background(), f)
}

func (n *Node) indirectCtx(ctx context.Context, f *protocol.Frame) error {
	if f.Hop == 0 {
		return ErrDispatchExhausted
	}

	// over-fetch so visited-set filtering still leaves a full fan-out.
	// The destination itself is a valid target here: when it is known
	// but unreachable directly from the origin, a closer peer may still
	// have a working path, and on the final hop this is the delivery.
	candidates := n.table.Closest(f.Destination, n.relayFanout+len(f.Visited)+1)
	relays := candidates[:0]
	for _, c := range candidates {
		if f.HasVisited(c.ID) {
			continue
		}
		relays = append(relays, c)
		if len(relays) == n.relayFanout {
			break
		}
	}
	if len(relays) == 0 {
		return ErrDispatchExhausted
	}

	next := f.NextHop(n.id.NodeID())
	eg, _ := errgroup.WithContext(ctx)
	accepted := make(chan struct{}, len(relays))
	for _, relay := range relays {
		eg.Go(func() error {
			if err := n.send(relay, next); err != nil {
				n.log.Debug().Str("relay", relay.ID.Short()).Err(err).Msg("relay send failed")
				return nil
			}
			accepted <- struct{}{}
			return nil
		})
	}
	eg.Wait()

	select {
	case <-accepted:
		return nil
	default:
		return ErrDispatchExhausted
	}
}
