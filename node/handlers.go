package node

import (
	"sync"

	"github.com/p2pweave/weave"
	"github.com/p2pweave/weave/protocol"
	"github.com/p2pweave/weave/protocol/mt"
)

// dispatchLoop drains the transport's inbound stream with a bounded worker
// pool. A single worker is not enough: a handler can block on a
// request/reply exchange of its own (table probes), and some worker must
// remain free to land that reply.
func (n *Node) dispatchLoop() {
	defer n.wg.Done()
	var workers sync.WaitGroup
	for range n.workers {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for f := range n.tr.Inbound() {
				n.handle(f)
			}
		}()
	}
	workers.Wait()
	// the inbound channel only closes when the transport dies; during
	// Stop that is expected, any other time it is a crashed listener
	if n.isRunning() {
		n.log.Error().Msg("inbound dispatcher exited while the node is running")
	}
}

// handle classifies one inbound frame: local topic delivery, control
// traffic addressed to us, or pass-through relay.
func (n *Node) handle(f *protocol.Frame) {
	if errs := f.Validate(); len(errs) > 0 {
		n.log.Debug().Errs("issues", errs).Func(f.Zerolog).Msg("dropping invalid frame")
		return
	}
	if !f.VerifySignature() {
		n.log.Warn().Func(f.Zerolog).Msg("dropping frame with a bad signature")
		n.table.MarkSuspect(f.Origin)
		return
	}
	if found, _ := n.seen.ContainsOrAdd(f.UUID, true); found {
		// already processed or relayed; duplicate arrivals are normal
		// under fan-out
		return
	}

	// a valid signed frame is proof of life for its origin
	n.table.MarkAlive(f.Origin)

	// local topic first: a topic address never matches a node id, and
	// topic frames terminate here
	if f.Type == mt.Forward {
		if t := n.topic(f.Destination); t != nil {
			t.deliver(Message{From: f.Origin, Payload: f.Payload})
			return
		}
	}

	if f.Destination == n.id.NodeID() {
		n.handleControl(f)
		return
	}

	n.relay(f)
}

func (n *Node) handleControl(f *protocol.Frame) {
	switch f.Type {
	case mt.Ping:
		n.handlePing(f)
	case mt.FindNode:
		n.handleFindNode(f)
	case mt.SubscribeAnnounce:
		n.handleAnnounce(f)
	case mt.Pong, mt.FindNodeReply:
		n.resolve(f)
	case mt.Forward:
		// a direct message for the application
		select {
		case n.inbox <- Delivery{From: f.Origin, Payload: f.Payload}:
		default:
			n.log.Warn().Func(f.Zerolog).Msg("inbox full, dropping direct message")
		}
	default:
		n.log.Debug().Func(f.Zerolog).Msg("unhandled control frame")
	}
}

// handlePing learns the pinger's dial address from the payload and answers.
func (n *Node) handlePing(f *protocol.Frame) {
	contacts, err := protocol.DecodeContacts(f.Payload)
	if err != nil || len(contacts) != 1 || contacts[0].ID != f.Origin {
		n.log.Debug().Func(f.Zerolog).Msg("dropping ping with a bad contact record")
		return
	}
	sender := contacts[0]
	if _, err := n.table.Insert(sender); err != nil {
		n.log.Debug().Err(err).Msg("could not insert pinger")
	}

	if err := n.send(sender, n.reply(mt.Pong, f, nil)); err != nil {
		n.log.Debug().Str("peer", sender.ID.Short()).Err(err).Msg("pong failed")
	}
}

// handleFindNode answers with the closest known contacts to the requested
// target.
func (n *Node) handleFindNode(f *protocol.Frame) {
	target, sender, err := protocol.DecodeFindNode(f.Payload)
	if err != nil || sender.ID != f.Origin {
		n.log.Debug().Func(f.Zerolog).Msg("dropping malformed find-node")
		return
	}
	if _, err := n.table.Insert(sender); err != nil {
		n.log.Debug().Err(err).Msg("could not insert requester")
	}

	closest := n.table.Closest(target, n.bucketSize)
	// the requester already knows itself
	filtered := closest[:0]
	for _, c := range closest {
		if c.ID != sender.ID {
			filtered = append(filtered, c)
		}
	}

	if err := n.send(sender, n.reply(mt.FindNodeReply, f, protocol.EncodeContacts(filtered))); err != nil {
		n.log.Debug().Str("peer", sender.ID.Short()).Err(err).Msg("find-node reply failed")
	}
}

// handleAnnounce records remote subscribers for a topic. Nodes close to a
// topic address hold these records even without a local subscription, which
// is what lets later subscribers and broadcasters find the group.
func (n *Node) handleAnnounce(f *protocol.Frame) {
	topic, subscribed, contacts, err := protocol.DecodeSubscribe(f.Payload)
	if err != nil || len(contacts) == 0 || contacts[0].ID != f.Origin {
		n.log.Debug().Func(f.Zerolog).Msg("dropping malformed announce")
		return
	}
	announcer := contacts[0]
	if _, err := n.table.Insert(announcer); err != nil {
		n.log.Debug().Err(err).Msg("could not insert announcer")
	}
	if !subscribed {
		contacts = contacts[1:]
	}
	for _, s := range contacts {
		if s.ID != n.id.NodeID() {
			n.rememberSubscriber(topic, s)
		}
	}

	// answer with the membership we hold that the announcer may not,
	// so subscriber sets converge without a central list. The reply
	// reuses the request uuid, so the announcer's reply-to-our-reply is
	// caught by our seen cache and the exchange terminates.
	known := n.subscribersOf(topic)
	reply := make([]weave.Contact, 0, len(known)+1)
	reply = append(reply, n.Contact())
	for _, c := range known {
		if c.ID != f.Origin {
			reply = append(reply, c)
		}
	}
	if n.topicSubscribed(topic) || len(reply) > 1 {
		pong := n.reply(mt.SubscribeAnnounce, f, protocol.EncodeSubscribe(topic, n.topicSubscribed(topic), reply))
		if err := n.send(announcer, pong); err != nil {
			n.log.Debug().Str("peer", f.Origin.Short()).Err(err).Msg("announce reply failed")
		}
	}
}

// resolve hands a reply frame to whichever request is awaiting its uuid.
func (n *Node) resolve(f *protocol.Frame) {
	ch, ok := n.pending.Load(f.UUID)
	if !ok {
		// request already timed out; the reply is still proof of life,
		// which MarkAlive in handle has recorded
		return
	}
	select {
	case ch.(chan *protocol.Frame) <- f:
	default:
	}
}

// relay forwards a frame not addressed to us toward its destination.
// A frame with an exhausted hop budget is dropped without a reply.
// Runs off the dispatch loop: relays can block on dials.
func (n *Node) relay(f *protocol.Frame) {
	if f.Hop == 0 {
		n.log.Debug().Func(f.Zerolog).Msg("hop budget exhausted, dropping")
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		// a topic frame passing through a node that holds subscriber
		// records goes straight to those subscribers
		if f.Type == mt.Forward {
			if subs := n.subscribersOf(f.Destination); len(subs) > 0 {
				next := f.NextHop(n.id.NodeID())
				delivered := 0
				for _, c := range subs {
					if f.HasVisited(c.ID) {
						continue
					}
					if err := n.send(c, next); err == nil {
						delivered++
					}
				}
				if delivered > 0 {
					return
				}
			}
		}

		if err := n.indirect(f); err != nil {
			n.log.Debug().Func(f.Zerolog).Err(err).Msg("relay failed")
		}
	}()
}
