package node

import (
	"context"
	"errors"
	"sync"

	"github.com/p2pweave/weave"
	"github.com/p2pweave/weave/internal/expiring"
	"github.com/p2pweave/weave/protocol"
	"github.com/p2pweave/weave/protocol/mt"
)

// maxTopicBacklog bounds undelivered messages buffered per topic handle.
// A consumer that stops draining loses the oldest messages first.
const maxTopicBacklog = 1024

// A Message is one payload received on a topic.
type Message struct {
	From    weave.NodeID
	Payload []byte
}

// A Topic is a live subscription handle. All methods are safe for
// concurrent use; the handle buffers received payloads independent of how
// fast the consumer drains them.
type Topic struct {
	n    *Node
	addr weave.Address
	name string

	mu     sync.Mutex
	buf    []Message
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// Address returns the topic's address in the identifier space.
func (t *Topic) Address() weave.Address {
	return t.addr
}

// Name returns the subscribed name, when the topic was created from one.
func (t *Topic) Name() string {
	return t.name
}

// deliver appends a message for the consumer, evicting the oldest entry
// when the backlog is full.
func (t *Topic) deliver(m Message) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if len(t.buf) >= maxTopicBacklog {
		t.buf = t.buf[1:]
	}
	t.buf = append(t.buf, m)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a message arrives, the context ends, or the handle is
// closed.
func (t *Topic) Next(ctx context.Context) (Message, error) {
	for {
		t.mu.Lock()
		if len(t.buf) > 0 {
			m := t.buf[0]
			t.buf = t.buf[1:]
			t.mu.Unlock()
			return m, nil
		}
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return Message{}, ErrTopicClosed
		}

		select {
		case <-t.wake:
		case <-t.done:
			return Message{}, ErrTopicClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// TryNext pops a buffered message without blocking.
func (t *Topic) TryNext() (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == 0 {
		return Message{}, false
	}
	m := t.buf[0]
	t.buf = t.buf[1:]
	return m, true
}

// Broadcast fans the payload out to every known remote subscriber, each
// dispatched independently (direct first, relayed on failure). Returns
// ErrDispatchExhausted when nothing accepted any copy, ErrPartialDelivery
// when only some subscribers were reached, and nil otherwise. Local
// delivery to the broadcaster itself does not occur.
func (t *Topic) Broadcast(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTopicClosed
	}
	return t.n.broadcast(ctx, t.addr, payload)
}

// Unsubscribe drops the local registration and closes the handle. Remote
// nodes are not notified; their records of us age out on their own.
func (t *Topic) Unsubscribe() {
	t.n.topicMu.Lock()
	delete(t.n.topics, t.addr)
	t.n.topicMu.Unlock()
	t.close()
}

func (t *Topic) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
}

// Subscribe registers interest in a named topic. The name is mapped into
// the identifier space; see SubscribeAddress for the semantics.
func (n *Node) Subscribe(ctx context.Context, name string) (*Topic, error) {
	t, err := n.SubscribeAddress(ctx, weave.AddressFromName(name))
	if t != nil {
		t.name = name
	}
	return t, err
}

// SubscribeAddress registers interest in a topic address: the local handle
// is created (idempotently; a second subscribe returns the same handle),
// then a lookup toward the address seeds the subscriber set and our
// interest is announced to the closest nodes found.
func (n *Node) SubscribeAddress(ctx context.Context, addr weave.Address) (*Topic, error) {
	if !n.isRunning() {
		return nil, ErrNotRunning
	}

	n.topicMu.Lock()
	if existing, ok := n.topics[addr]; ok {
		n.topicMu.Unlock()
		return existing, nil
	}
	t := &Topic{
		n:    n,
		addr: addr,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	n.topics[addr] = t
	n.topicMu.Unlock()

	n.announce(ctx, addr)
	return t, nil
}

// announce looks up the nodes closest to a topic address and tells them
// about our subscription. Also renews directly with already-known
// subscribers. Best effort: a failed announce only matters until
// maintenance re-announces.
func (n *Node) announce(ctx context.Context, addr weave.Address) {
	targets := n.Lookup(ctx, addr)
	targets = append(targets, n.subscribersOf(addr)...)
	targets = weave.DedupContacts(targets)

	payload := protocol.EncodeSubscribe(addr, n.topicSubscribed(addr), []weave.Contact{n.Contact()})
	for _, c := range targets {
		if c.ID == n.id.NodeID() {
			continue
		}
		f := n.frame(mt.SubscribeAnnounce, c.ID, payload)
		if err := n.send(c, f); err != nil {
			n.log.Debug().Str("peer", c.ID.Short()).Err(err).Msg("announce failed")
		}
	}
}

// topic returns the local handle for an address, or nil.
func (n *Node) topic(addr weave.Address) *Topic {
	n.topicMu.Lock()
	defer n.topicMu.Unlock()
	return n.topics[addr]
}

func (n *Node) topicSubscribed(addr weave.Address) bool {
	return n.topic(addr) != nil
}

// localTopics snapshots the registered topic addresses.
func (n *Node) localTopics() []weave.Address {
	n.topicMu.Lock()
	defer n.topicMu.Unlock()
	out := make([]weave.Address, 0, len(n.topics))
	for a := range n.topics {
		out = append(out, a)
	}
	return out
}

// rememberSubscriber records a remote subscriber of a topic, refreshing its
// TTL if already known.
func (n *Node) rememberSubscriber(topic weave.Address, c weave.Contact) {
	n.topicMu.Lock()
	reg, ok := n.subscribers[topic]
	if !ok {
		reg = &expiring.Table[weave.NodeID, weave.Contact]{}
		n.subscribers[topic] = reg
	}
	n.topicMu.Unlock()
	reg.Store(c.ID, c, n.subscriberTTL)
}

// subscribersOf snapshots the known remote subscribers of a topic.
func (n *Node) subscribersOf(topic weave.Address) []weave.Contact {
	n.topicMu.Lock()
	reg, ok := n.subscribers[topic]
	n.topicMu.Unlock()
	if !ok {
		return nil
	}
	return reg.Snapshot()
}

// broadcast dispatches one copy of the payload per known subscriber. When
// no subscriber is known yet, a single copy is routed toward the topic
// address so the rendezvous nodes there can pass it on.
func (n *Node) broadcast(ctx context.Context, topic weave.Address, payload []byte) error {
	if !n.isRunning() {
		return ErrNotRunning
	}
	if len(payload) > protocol.MaxPayloadLen {
		return protocol.ErrPayloadTooLarge
	}
	subs := n.subscribersOf(topic)
	self := n.id.NodeID()

	sent, failed := 0, 0
	for _, c := range subs {
		if c.ID == self {
			continue
		}
		// each copy gets its own uuid so the duplicate-suppression
		// caches of shared relays do not swallow legitimate fan-out
		f := n.frame(mt.Forward, topic, payload)
		if err := n.dispatchTo(ctx, c, f); err != nil {
			n.log.Debug().Str("subscriber", c.ID.Short()).Err(err).Msg("broadcast copy undeliverable")
			failed++
			continue
		}
		sent++
	}

	if sent == 0 && failed == 0 {
		// nobody known: hand one copy to the overlay toward the topic
		if err := n.dispatch(ctx, n.frame(mt.Forward, topic, payload)); err != nil {
			return errors.Join(ErrDispatchExhausted, err)
		}
		return nil
	}
	if sent == 0 {
		return ErrDispatchExhausted
	}
	if failed > 0 {
		return ErrPartialDelivery
	}
	return nil
}
