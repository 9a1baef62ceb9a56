package node

import (
	"context"

	"github.com/google/uuid"
	"github.com/p2pweave/weave"
	"github.com/p2pweave/weave/protocol"
	"github.com/p2pweave/weave/protocol/mt"
)

// await registers interest in the reply to a given request uuid. The
// returned cancel must always be called to free the slot.
func (n *Node) await(u uuid.UUID) (<-chan *protocol.Frame, func()) {
	ch := make(chan *protocol.Frame, 1)
	n.pending.Store(u, (chan *protocol.Frame)(ch))
	return ch, func() { n.pending.Delete(u) }
}

// Ping checks liveness of a contact and records the outcome in the routing
// table. The ping payload carries our own contact record so the peer can
// learn our dial address.
func (n *Node) Ping(ctx context.Context, c weave.Contact) error {
	if !n.isRunning() {
		return ErrNotRunning
	}
	f := n.frame(mt.Ping, c.ID, protocol.EncodeContacts([]weave.Contact{n.Contact()}))
	ch, cancel := n.await(f.UUID)
	defer cancel()

	if err := n.send(c, f); err != nil {
		return err
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, n.requestTimeout)
	defer cancelTimeout()
	select {
	case <-ch:
		n.table.Insert(c)
		return nil
	case <-ctx.Done():
		n.table.MarkSuspect(c.ID)
		return ErrAwaitTimeout
	case <-n.done:
		return ErrNotRunning
	}
}

// findNode asks one contact for its closest known peers to target.
func (n *Node) findNode(ctx context.Context, c weave.Contact, target weave.Address) ([]weave.Contact, error) {
	f := n.frame(mt.FindNode, c.ID, protocol.EncodeFindNode(target, n.Contact()))
	ch, cancel := n.await(f.UUID)
	defer cancel()

	if err := n.send(c, f); err != nil {
		return nil, err
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, n.requestTimeout)
	defer cancelTimeout()
	select {
	case reply := <-ch:
		contacts, err := protocol.DecodeContacts(reply.Payload)
		if err != nil {
			n.table.MarkSuspect(c.ID)
			return nil, err
		}
		n.table.Insert(c)
		return contacts, nil
	case <-ctx.Done():
		n.table.MarkSuspect(c.ID)
		return nil, ErrAwaitTimeout
	case <-n.done:
		return nil, ErrNotRunning
	}
}

// Send delivers an application payload directly to another node, relaying
// through the overlay when no direct route works. Delivery is best effort;
// a nil return means some peer accepted the frame, not that the recipient
// processed it.
func (n *Node) Send(ctx context.Context, to weave.NodeID, payload []byte) error {
	if !n.isRunning() {
		return ErrNotRunning
	}
	return n.dispatch(ctx, n.frame(mt.Forward, to, payload))
}
